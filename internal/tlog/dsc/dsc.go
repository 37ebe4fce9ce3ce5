// Package dsc parses a shared-cache strings (dsc) file (spec §4.3): the
// table of virtual-offset ranges and the table of contributing uuidtext
// files, and answers format-string and sender-image lookups by virtual
// offset.
package dsc

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
)

var magic = []byte("hcsd")

// RangeEntry is one (uuid_index, v_off, file_data_offset, data_len) record.
type RangeEntry struct {
	UUIDIndex      uint64
	VOffset        uint64
	FileDataOffset uint32
	DataLen        uint32
}

// UUIDEntry is one (v_off, size, uuid, lib_path, lib_name) record.
type UUIDEntry struct {
	VOffset uint64
	Size    uint32
	UUID    uuid.UUID
	LibPath string
	LibName string
}

// File is a parsed dsc file.
type File struct {
	Major, Minor uint16
	RangeEntries []RangeEntry // ordered by VOffset
	UUIDEntries  []UUIDEntry  // ordered by VOffset

	raw      []byte
	fmtCache map[uint64]fmtCacheEntry
}

type fmtCacheEntry struct {
	text  string
	rng   RangeEntry
	entry UUIDEntry
}

// Parse decodes a dsc file per spec §4.3. Major version 1 uses 16-byte range
// records and 28-byte uuid records; major 2 uses 24-byte range and 32-byte
// uuid records with 64-bit virtual offsets. Major >2 is unsupported.
func Parse(data []byte) (*File, error) {
	c := binreader.New(data)
	sig, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != string(magic) {
		return nil, fmt.Errorf("dsc: bad signature %q, want %q", sig, magic)
	}
	major, err := c.U16()
	if err != nil {
		return nil, err
	}
	minor, err := c.U16()
	if err != nil {
		return nil, err
	}
	numRange, err := c.U32()
	if err != nil {
		return nil, err
	}
	numUUID, err := c.U32()
	if err != nil {
		return nil, err
	}
	if major > 2 {
		return nil, fmt.Errorf("dsc: unsupported major version %d", major)
	}

	seen := make(map[uint64]bool, numRange)
	ranges := make([]RangeEntry, 0, numRange)
	for i := uint32(0); i < numRange; i++ {
		var re RangeEntry
		switch major {
		case 1:
			uuidIdx, err := c.U32()
			if err != nil {
				return nil, err
			}
			vOff, err := c.U32()
			if err != nil {
				return nil, err
			}
			dataOff, err := c.U32()
			if err != nil {
				return nil, err
			}
			dataLen, err := c.U32()
			if err != nil {
				return nil, err
			}
			re = RangeEntry{UUIDIndex: uint64(uuidIdx), VOffset: uint64(vOff), FileDataOffset: dataOff, DataLen: dataLen}
		default: // 2
			vOff, err := c.U64()
			if err != nil {
				return nil, err
			}
			dataOff, err := c.U32()
			if err != nil {
				return nil, err
			}
			dataLen, err := c.U32()
			if err != nil {
				return nil, err
			}
			uuidIdx, err := c.U64()
			if err != nil {
				return nil, err
			}
			re = RangeEntry{UUIDIndex: uuidIdx, VOffset: vOff, FileDataOffset: dataOff, DataLen: dataLen}
		}
		if seen[re.VOffset] {
			return nil, fmt.Errorf("dsc: duplicate range v_off 0x%x", re.VOffset)
		}
		seen[re.VOffset] = true
		ranges = append(ranges, re)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].VOffset < ranges[j].VOffset })

	uuidEntryOffset := c.Pos()
	recSize := 28
	if major == 2 {
		recSize = 32
	}

	uuidSeen := make(map[uint64]bool, numUUID)
	uuidEntries := make([]UUIDEntry, 0, numUUID)
	for i := uint32(0); i < numUUID; i++ {
		if err := c.Seek(uuidEntryOffset); err != nil {
			return nil, err
		}
		var vOff uint64
		var size uint32
		var rawUUID []byte
		var dataOffset uint32
		if major == 1 {
			v, err := c.U32()
			if err != nil {
				return nil, err
			}
			s, err := c.U32()
			if err != nil {
				return nil, err
			}
			rawUUID, err = c.Take(16)
			if err != nil {
				return nil, err
			}
			d, err := c.U32()
			if err != nil {
				return nil, err
			}
			vOff, size, dataOffset = uint64(v), s, d
		} else {
			v, err := c.U64()
			if err != nil {
				return nil, err
			}
			s, err := c.U32()
			if err != nil {
				return nil, err
			}
			rawUUID, err = c.Take(16)
			if err != nil {
				return nil, err
			}
			d, err := c.U32()
			if err != nil {
				return nil, err
			}
			vOff, size, dataOffset = v, s, d
		}
		uuidEntryOffset += recSize

		u, err := uuid.FromBytes(rawUUID)
		if err != nil {
			return nil, fmt.Errorf("dsc: invalid uuid entry uuid: %w", err)
		}
		libPath, err := binreader.CStringAt(data, int(dataOffset))
		if err != nil {
			return nil, fmt.Errorf("dsc: library path: %w", err)
		}

		if uuidSeen[vOff] {
			return nil, fmt.Errorf("dsc: duplicate uuid entry v_off 0x%x", vOff)
		}
		uuidSeen[vOff] = true
		uuidEntries = append(uuidEntries, UUIDEntry{
			VOffset: vOff,
			Size:    size,
			UUID:    u,
			LibPath: libPath,
			LibName: filepath.Base(libPath),
		})
	}
	sort.Slice(uuidEntries, func(i, j int) bool { return uuidEntries[i].VOffset < uuidEntries[j].VOffset })

	return &File{
		Major:        major,
		Minor:        minor,
		RangeEntries: ranges,
		UUIDEntries:  uuidEntries,
		raw:          data,
		fmtCache:     make(map[uint64]fmtCacheEntry),
	}, nil
}

// Find binary-searches RangeEntries for the greatest entry with
// v_off <= v_offset, accepting only if v_off+data_len > v_offset, then
// returns that range entry and the uuid entry it references (spec §4.3).
func (f *File) Find(vOffset uint64) (*RangeEntry, *UUIDEntry, error) {
	idx := sort.Search(len(f.RangeEntries), func(i int) bool {
		return f.RangeEntries[i].VOffset > vOffset
	})
	if idx == 0 {
		return nil, nil, fmt.Errorf("dsc: no range entry at or before v_offset 0x%x", vOffset)
	}
	re := f.RangeEntries[idx-1]
	if re.VOffset+uint64(re.DataLen) <= vOffset {
		return nil, nil, fmt.Errorf("dsc: v_offset 0x%x falls outside range [0x%x,0x%x)", vOffset, re.VOffset, re.VOffset+uint64(re.DataLen))
	}
	if re.UUIDIndex >= uint64(len(f.UUIDEntries)) {
		return nil, nil, fmt.Errorf("dsc: range entry uuid_index %d out of bounds", re.UUIDIndex)
	}
	ue := f.UUIDEntries[re.UUIDIndex]
	return &re, &ue, nil
}

// ReadFmt reads the NUL-terminated format string at v_offset, memoizing the
// (string, range, uuid) tuple per v_offset (spec §4.3).
func (f *File) ReadFmt(vOffset uint64) (string, *RangeEntry, *UUIDEntry, error) {
	if cached, ok := f.fmtCache[vOffset]; ok {
		return cached.text, &cached.rng, &cached.entry, nil
	}
	re, ue, err := f.Find(vOffset)
	if err != nil {
		return "", nil, nil, err
	}
	relOffset := vOffset - re.VOffset
	start := int(re.FileDataOffset) + int(relOffset)
	text, err := binreader.CStringAt(f.raw, start)
	if err != nil {
		return "", nil, nil, fmt.Errorf("dsc: format string: %w", err)
	}
	f.fmtCache[vOffset] = fmtCacheEntry{text: text, rng: *re, entry: *ue}
	return text, re, ue, nil
}

// SenderImage binary-searches UUIDEntries for the entry whose
// [v_off, v_off+size) range contains a program-counter virtual offset
// (spec §4.3 "sender-image lookup").
func (f *File) SenderImage(vOffset uint64) (*UUIDEntry, error) {
	idx := sort.Search(len(f.UUIDEntries), func(i int) bool {
		return f.UUIDEntries[i].VOffset > vOffset
	})
	if idx == 0 {
		return nil, fmt.Errorf("dsc: no uuid entry at or before v_offset 0x%x", vOffset)
	}
	ue := f.UUIDEntries[idx-1]
	if ue.VOffset+uint64(ue.Size) <= vOffset {
		return nil, fmt.Errorf("dsc: v_offset 0x%x falls outside uuid entry range", vOffset)
	}
	return &ue, nil
}
