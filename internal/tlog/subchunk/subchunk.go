// Package subchunk dispatches the sub-chunk stream nested inside a
// decompressed 0x600D data chunk to the firehose decoder, the oversize
// payload store, or the statedump/simpledump record builders (spec §4.7).
package subchunk

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arjunv/unifiedlog/internal/model"
	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
	"github.com/arjunv/unifiedlog/internal/tlog/catalog"
	"github.com/arjunv/unifiedlog/internal/tlog/chunk"
	"github.com/arjunv/unifiedlog/internal/tlog/filecache"
	"github.com/arjunv/unifiedlog/internal/tlog/firehose"
	"github.com/arjunv/unifiedlog/internal/tlog/largedata"
)

const (
	tagFirehose   = 0x6001
	tagOversize   = 0x6002
	tagStatedump  = 0x6003
	tagSimpledump = 0x6004
)

// Context carries the cross-file resources sub-chunks need to resolve
// records: the catalog (for ProcInfo/file lookups), the shared
// uuidtext/dsc cache, the per-file oversize store, and a wall-clock
// converter driven by the timesync store.
type Context struct {
	Catalog    *catalog.Catalog
	Cache      *filecache.Cache
	LargeData  *largedata.Store
	SourceFile string
	WallClock  func(ct uint64) time.Time
	Log        logrus.FieldLogger
}

func (c Context) logf() logrus.FieldLogger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

// Dispatch walks the sub-chunk stream of one decompressed 0x600D chunk,
// resolving each sub-chunk's ProcInfo from chunkMeta and routing by tag.
func Dispatch(data []byte, chunkMeta *catalog.ChunkMeta, ctx Context, fileOffset uint64) ([]*model.LogRecord, error) {
	cur := binreader.New(data)
	var records []*model.LogRecord

	for cur.Remaining() >= 16 {
		start := cur.Pos()
		hdr, err := chunk.ReadHeader(cur)
		if err != nil {
			return records, fmt.Errorf("subchunk: header at %d: %w", start, err)
		}
		body, err := cur.Take(int(hdr.DataSize))
		if err != nil {
			return records, fmt.Errorf("subchunk: body at %d: %w", cur.Pos(), err)
		}
		subOffset := fileOffset + uint64(cur.Pos()-int(hdr.DataSize))
		startSkew := start % 8

		switch hdr.Tag {
		case tagFirehose:
			recs, err := firehose.DecodeChunk(body, firehose.Context{
				Catalog:    ctx.Catalog,
				ChunkMeta:  chunkMeta,
				Cache:      ctx.Cache,
				LargeData:  ctx.LargeData,
				SourceFile: ctx.SourceFile,
				WallClock:  ctx.WallClock,
				Log:        ctx.Log,
			}, subOffset)
			if err != nil {
				ctx.logf().WithError(err).WithField("file_offset", subOffset).Warn("subchunk: firehose sub-chunk failed")
			} else {
				records = append(records, recs...)
			}

		case tagOversize:
			if err := decodeOversize(body, ctx); err != nil {
				ctx.logf().WithError(err).WithField("file_offset", subOffset).Warn("subchunk: oversize sub-chunk malformed")
			}

		case tagStatedump:
			procInfo := resolveProcInfo(body, chunkMeta)
			rec, err := decodeStatedump(body, procInfo, ctx, subOffset)
			if err != nil {
				ctx.logf().WithError(err).WithField("file_offset", subOffset).Warn("subchunk: statedump sub-chunk malformed")
			} else if rec != nil {
				records = append(records, rec)
			}

		case tagSimpledump:
			procInfo := resolveProcInfo(body, chunkMeta)
			rec, err := decodeSimpledump(body, procInfo, ctx, subOffset)
			if err != nil {
				ctx.logf().WithError(err).WithField("file_offset", subOffset).Warn("subchunk: simpledump sub-chunk malformed")
			} else if rec != nil {
				records = append(records, rec)
			}

		default:
			ctx.logf().WithField("tag", fmt.Sprintf("0x%x", hdr.Tag)).WithField("file_offset", subOffset).Info("subchunk: unexpected tag, skipping")
		}

		if rem := (cur.Pos() - startSkew) % 8; rem != 0 {
			padLen := 8 - rem
			// A rare case omits padding after private-data blocks; only pad
			// when the next byte is the expected 0x00 filler (spec §4.7).
			if cur.Pos() < cur.Len() && cur.Bytes()[cur.Pos()] == 0x00 {
				if err := cur.Advance(padLen); err != nil {
					break
				}
			} else {
				ctx.logf().WithField("file_offset", fileOffset+uint64(cur.Pos())).Warn("subchunk: avoided padding for sub-chunk not ending on null byte")
			}
		}
	}

	return records, nil
}

func resolveProcInfo(body []byte, chunkMeta *catalog.ChunkMeta) *catalog.ProcInfo {
	if len(body) < 16 || chunkMeta == nil {
		return nil
	}
	procID1 := binary.LittleEndian.Uint64(body[0:8])
	procID2 := binary.LittleEndian.Uint32(body[8:12])
	return chunkMeta.ProcInfo(procID1, procID2)
}

func decodeOversize(body []byte, ctx Context) error {
	if len(body) < 32 {
		return fmt.Errorf("subchunk: oversize body too short")
	}
	ct := binary.LittleEndian.Uint64(body[16:24])
	dataRefID := binary.LittleEndian.Uint32(body[24:28])
	dataLen := binary.LittleEndian.Uint32(body[28:32])
	end := 32 + int(dataLen)
	if end > len(body) {
		return fmt.Errorf("subchunk: oversize payload truncated")
	}
	ctx.LargeData.Put(uint16(dataRefID), ct, body[32:end])
	return nil
}

func decodeStatedump(body []byte, procInfo *catalog.ProcInfo, ctx Context, fileOffset uint64) (*model.LogRecord, error) {
	if len(body) < 248 {
		return nil, fmt.Errorf("subchunk: statedump body too short")
	}
	if procInfo == nil {
		return nil, fmt.Errorf("subchunk: statedump has no resolvable proc_info")
	}

	ct := binary.LittleEndian.Uint64(body[16:24])
	dumpUUID, err := uuid.FromBytes(body[32:48])
	if err != nil {
		return nil, fmt.Errorf("subchunk: statedump uuid: %w", err)
	}
	dataType := binary.LittleEndian.Uint32(body[48:52])
	dataLen := binary.LittleEndian.Uint32(body[52:56])

	var objType1, objType2 string
	if dataType != 1 {
		objType1, _ = binreader.CStringAt(body[56:120], 0)
		objType2, _ = binreader.CStringAt(body[120:184], 0)
	}
	name, _ := binreader.CStringAt(body[184:248], 0)

	var logMsg string
	if dataLen > 0 && 248+int(dataLen) <= len(body) {
		payload := body[248 : 248+int(dataLen)]
		switch dataType {
		case 1:
			// plist-serialized NS/CF object; rendering it requires a plist
			// decoder this module does not carry, so only the payload's
			// byte count is reported.
			logMsg = fmt.Sprintf("<plist %d bytes>", len(payload))
		case 2:
			ctx.logf().WithField("type1", objType1).WithField("type2", objType2).Error("subchunk: statedump custom object type not decoded")
		case 3:
			if objType1 == "location" && objType2 == "_CLClientManagerStateTrackerState" {
				logMsg = decodeCLClientState(payload)
			} else {
				ctx.logf().WithField("type1", objType1).WithField("type2", objType2).Error("subchunk: statedump unrecognized custom data")
			}
		default:
			ctx.logf().WithField("data_type", dataType).Error("subchunk: statedump unknown data type")
		}
	}

	var libName, libPath string
	var processImageUUID uuid.UUID
	if ctx.Catalog != nil && procInfo.FileID >= 0 && int(procInfo.FileID) < len(ctx.Catalog.Files) {
		if ut := ctx.Catalog.Files[procInfo.FileID].UUIDText; ut != nil {
			libName = ut.LibraryName
			libPath = ut.LibraryPath
			if raw, err := uuid.Parse(ut.UUID); err == nil {
				processImageUUID = raw
			}
		}
	}

	msg := name
	if logMsg != "" {
		msg = name + "\n" + logMsg
	}

	return &model.LogRecord{
		SourceFile:       ctx.SourceFile,
		Offset:           fileOffset,
		ContinuousTime:   ct,
		Timestamp:        ctx.WallClock(ct),
		Level:            model.LevelState,
		PID:              procInfo.PID,
		EUID:             procInfo.EUID,
		ProcessName:      libName,
		ImageUUID:        dumpUUID,
		ProcessImageUUID: processImageUUID,
		ProcessImagePath: libPath,
		Message:          msg,
	}, nil
}

func decodeSimpledump(body []byte, procInfo *catalog.ProcInfo, ctx Context, fileOffset uint64) (*model.LogRecord, error) {
	if len(body) < 84 {
		return nil, fmt.Errorf("subchunk: simpledump body too short")
	}
	if procInfo == nil {
		return nil, fmt.Errorf("subchunk: simpledump has no resolvable proc_info")
	}

	ct := binary.LittleEndian.Uint64(body[16:24])
	threadID := binary.LittleEndian.Uint64(body[24:32])
	senderImageID, err := uuid.FromBytes(body[40:56])
	if err != nil {
		return nil, fmt.Errorf("subchunk: simpledump sender image uuid: %w", err)
	}

	subsysSize := binary.LittleEndian.Uint32(body[76:80])
	msgSize := binary.LittleEndian.Uint32(body[80:84])

	pos := 84
	var subsystem string
	if subsysSize > 0 {
		if pos+int(subsysSize) > len(body) {
			return nil, fmt.Errorf("subchunk: simpledump subsystem string truncated")
		}
		subsystem, _ = binreader.CStringAt(body[pos:pos+int(subsysSize)], 0)
	}
	pos += int(subsysSize)

	if pos+int(msgSize) > len(body) {
		return nil, fmt.Errorf("subchunk: simpledump message string truncated")
	}
	logMsg, _ := binreader.CStringAt(body[pos:pos+int(msgSize)], 0)

	var libName, libPath string
	var processImageUUID uuid.UUID
	if ctx.Catalog != nil && procInfo.FileID >= 0 && int(procInfo.FileID) < len(ctx.Catalog.Files) {
		if ut := ctx.Catalog.Files[procInfo.FileID].UUIDText; ut != nil {
			libName = ut.LibraryName
			libPath = ut.LibraryPath
			if raw, err := uuid.Parse(ut.UUID); err == nil {
				processImageUUID = raw
			}
		}
	}

	return &model.LogRecord{
		SourceFile:       ctx.SourceFile,
		Offset:           fileOffset,
		ContinuousTime:   ct,
		Timestamp:        ctx.WallClock(ct),
		ThreadID:         threadID,
		Level:            model.LevelDefault,
		PID:              procInfo.PID,
		EUID:             procInfo.EUID,
		ProcessName:      libName,
		Subsystem:        subsystem,
		ImageUUID:        senderImageID,
		ProcessImageUUID: processImageUUID,
		ProcessImagePath: libPath,
		Message:          logMsg,
	}, nil
}

func decodeCLClientState(data []byte) string {
	if len(data) < 8 {
		return ""
	}
	enabled := int32(binary.LittleEndian.Uint32(data[0:4]))
	restricted := binary.LittleEndian.Uint32(data[4:8]) != 0
	return fmt.Sprintf("{locationServicesEnabledStatus: %d, locationRestricted: %t}", enabled, restricted)
}
