// Package catalog decodes the metadata chunk (tag 0x600B, spec §4.5): the
// referenced-file UUID list, the per-process ProcInfo table, and the
// ChunkMeta table that maps continuous-time ranges to the ProcInfo entries
// active within them.
package catalog

import (
	"fmt"

	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
	"github.com/arjunv/unifiedlog/internal/tlog/dsc"
	"github.com/arjunv/unifiedlog/internal/tlog/filecache"
	"github.com/arjunv/unifiedlog/internal/tlog/uuidtext"
)

// ExtraFileRef is one of a ProcInfo's extra_file_refs entries.
type ExtraFileRef struct {
	DataSize      uint32
	UUIDFileIndex int16
	VOffset       uint32
	ID            int16
}

// SubsystemCat is the (subsystem, category) pair a firehose item_id maps to.
type SubsystemCat struct {
	Subsystem string
	Category  string
}

// ProcInfo is a per-emitting-process metadata record, keyed by the
// composite (proc_id1<<32 | proc_id2).
type ProcInfo struct {
	ID            uint16
	Flags         uint16
	FileID        int16
	DSCFileIndex  int16
	ProcID1       uint64
	ProcID2       uint32
	PID           uint32
	EUID          uint32
	ExtraFileRefs []ExtraFileRef
	Items         map[uint16]SubsystemCat
}

// Key returns the composite proc_id1/proc_id2 key used to address this
// ProcInfo from a firehose tracepoint.
func (p *ProcInfo) Key() uint64 { return uint64(p.ProcID2) | (p.ProcID1 << 32) }

// ChunkMeta is a per-data-chunk catalog entry enumerating which processes
// emit within it.
type ChunkMeta struct {
	ContinuousTimeFirst uint64
	ContinuousTimeLast  uint64
	ChunkLength         uint32
	CompressionAlg      uint32
	ProcInfoIDs         []uint16
	StringIndexes       []uint16
	ProcInfos           map[uint64]*ProcInfo
}

// ReferencedFile is a DSC or UUIDText file named by the catalog's leading
// UUID list, resolved through the shared filecache.
type ReferencedFile struct {
	UUID     string
	DSC      *dsc.File
	UUIDText *uuidtext.File
}

// Catalog is one parsed 0x600B chunk.
type Catalog struct {
	ContinuousTime  uint64
	Files           []ReferencedFile
	ProcInfos       []*ProcInfo
	ChunkMetas      []*ChunkMeta
	procInfoByID    map[uint16]*ProcInfo
}

// GetProcInfoByID looks up a ProcInfo by its catalog-local id (spec §4.5
// ChunkMeta's proc-info id list references ProcInfos this way).
func (c *Catalog) GetProcInfoByID(id uint16) *ProcInfo {
	return c.procInfoByID[id]
}

// Parse decodes a catalog chunk's body per spec §4.5.
func Parse(chunkData []byte, cache *filecache.Cache) (*Catalog, error) {
	cur := binreader.New(chunkData)

	subsystemStringsOffset, err := cur.U16()
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}
	procInfosOffset, err := cur.U16()
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}
	numProcInfos, err := cur.U16()
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}
	chunkMetaOffset, err := cur.U16()
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}
	numChunksToFollow, err := cur.U64()
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}
	continuousTime, err := cur.U64()
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}

	// All three table offsets are relative to byte 24 of the chunk data.
	subsystemStringsAbs := 24 + int(subsystemStringsOffset)
	procInfosAbs := 24 + int(procInfosOffset)
	chunkMetaAbs := 24 + int(chunkMetaOffset)

	cat := &Catalog{
		ContinuousTime: continuousTime,
		procInfoByID:   make(map[uint16]*ProcInfo),
	}

	for cur.Pos() < subsystemStringsAbs {
		raw, err := cur.Take(16)
		if err != nil {
			return nil, fmt.Errorf("catalog: referenced file uuid: %w", err)
		}
		uuidStr := fmt.Sprintf("%X", raw)
		ref := ReferencedFile{UUID: uuidStr}
		if cache != nil {
			if d, u, err := cache.Resolve(uuidStr); err == nil {
				ref.DSC, ref.UUIDText = d, u
			}
		}
		cat.Files = append(cat.Files, ref)
	}

	if procInfosAbs < subsystemStringsAbs || procInfosAbs > len(chunkData) {
		return nil, fmt.Errorf("catalog: proc_infos_offset %d out of range", procInfosAbs)
	}
	stringsBlob := chunkData[subsystemStringsAbs:procInfosAbs]

	if err := cur.Seek(procInfosAbs); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	for cur.Pos() < chunkMetaAbs {
		id, err := cur.U16()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		flags, err := cur.U16()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		fileID, err := cur.U16()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		dscFileIndex, err := cur.U16()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		procID1, err := cur.U64()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		procID2, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		pid, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		euid, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		if _, err := cur.U32(); err != nil { // unknown field (u6)
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		numExtraUUIDRefs, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		if _, err := cur.U32(); err != nil { // unknown field (u8)
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}

		proc := &ProcInfo{
			ID:           id,
			Flags:        flags,
			FileID:       int16(fileID),
			DSCFileIndex: int16(dscFileIndex),
			ProcID1:      procID1,
			ProcID2:      procID2,
			PID:          pid,
			EUID:         euid,
			Items:        make(map[uint16]SubsystemCat),
		}

		for i := uint32(0); i < numExtraUUIDRefs; i++ {
			dataSize, err := cur.U32()
			if err != nil {
				return nil, fmt.Errorf("catalog: extra_file_ref: %w", err)
			}
			if _, err := cur.U32(); err != nil { // unknown field
				return nil, fmt.Errorf("catalog: extra_file_ref: %w", err)
			}
			uuidFileIndex, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: extra_file_ref: %w", err)
			}
			vOffset, err := cur.U32()
			if err != nil {
				return nil, fmt.Errorf("catalog: extra_file_ref: %w", err)
			}
			refID, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: extra_file_ref: %w", err)
			}
			proc.ExtraFileRefs = append(proc.ExtraFileRefs, ExtraFileRef{
				DataSize:      dataSize,
				UUIDFileIndex: int16(uuidFileIndex),
				VOffset:       vOffset,
				ID:            int16(refID),
			})
		}

		numSubsysCatElements, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}
		if _, err := cur.U32(); err != nil { // unknown field
			return nil, fmt.Errorf("catalog: proc_info: %w", err)
		}

		for i := uint32(0); i < numSubsysCatElements; i++ {
			itemID, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: subsys_cat: %w", err)
			}
			subsystemOffset, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: subsys_cat: %w", err)
			}
			categoryOffset, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: subsys_cat: %w", err)
			}
			subsystemStr, _ := binreader.CStringAt(stringsBlob, int(subsystemOffset))
			categoryStr, _ := binreader.CStringAt(stringsBlob, int(categoryOffset))
			proc.Items[itemID] = SubsystemCat{Subsystem: subsystemStr, Category: categoryStr}
		}
		if err := cur.AlignTo(8); err != nil {
			return nil, fmt.Errorf("catalog: proc_info padding: %w", err)
		}

		cat.ProcInfos = append(cat.ProcInfos, proc)
		cat.procInfoByID[proc.ID] = proc
	}

	if err := cur.Seek(chunkMetaAbs); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	for i := uint64(0); i < numChunksToFollow && cur.Remaining() > 0; i++ {
		ctFirst, err := cur.U64()
		if err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta: %w", err)
		}
		ctLast, err := cur.U64()
		if err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta: %w", err)
		}
		chunkLen, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta: %w", err)
		}
		compAlg, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta: %w", err)
		}

		cm := &ChunkMeta{
			ContinuousTimeFirst: ctFirst,
			ContinuousTimeLast:  ctLast,
			ChunkLength:         chunkLen,
			CompressionAlg:      compAlg,
			ProcInfos:           make(map[uint64]*ProcInfo),
		}

		numProcInfoIdx, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta: %w", err)
		}
		for j := uint32(0); j < numProcInfoIdx; j++ {
			id, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: chunk_meta proc_info id: %w", err)
			}
			cm.ProcInfoIDs = append(cm.ProcInfoIDs, id)
			if proc := cat.GetProcInfoByID(id); proc != nil {
				cm.ProcInfos[proc.Key()] = proc
			}
		}

		numStringIdx, err := cur.U32()
		if err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta: %w", err)
		}
		for j := uint32(0); j < numStringIdx; j++ {
			idx, err := cur.U16()
			if err != nil {
				return nil, fmt.Errorf("catalog: chunk_meta string index: %w", err)
			}
			cm.StringIndexes = append(cm.StringIndexes, idx)
		}

		if err := cur.AlignTo(8); err != nil {
			return nil, fmt.Errorf("catalog: chunk_meta padding: %w", err)
		}

		cat.ChunkMetas = append(cat.ChunkMetas, cm)
	}

	_ = numProcInfos // len(cat.ProcInfos) should match; not enforced, matching the table-bound loop above
	return cat, nil
}

// FindChunkMeta returns the ChunkMeta whose continuous-time range contains
// ct, per spec §4.7 "ProcInfo is resolved from the current ChunkMeta".
func (c *Catalog) FindChunkMeta(ct uint64) *ChunkMeta {
	for _, cm := range c.ChunkMetas {
		if ct >= cm.ContinuousTimeFirst && ct <= cm.ContinuousTimeLast {
			return cm
		}
	}
	return nil
}

// ProcInfo resolves the ProcInfo for (proc_id1, proc_id2) within this
// chunk's ChunkMeta (spec §4.5 invariant).
func (cm *ChunkMeta) ProcInfo(procID1 uint64, procID2 uint32) *ProcInfo {
	return cm.ProcInfos[uint64(procID2)|(procID1<<32)]
}
