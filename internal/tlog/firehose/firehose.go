// Package firehose decodes firehose sub-chunks (tag 0x6001): a dense run of
// tracepoints, each producing at most one reconstructed log record (spec
// §4.8, the hardest part of the format).
package firehose

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arjunv/unifiedlog/internal/model"
	"github.com/arjunv/unifiedlog/internal/tlog/catalog"
	"github.com/arjunv/unifiedlog/internal/tlog/dsc"
	"github.com/arjunv/unifiedlog/internal/tlog/filecache"
	"github.com/arjunv/unifiedlog/internal/tlog/largedata"
	"github.com/arjunv/unifiedlog/internal/tlog/logdata"
	"github.com/arjunv/unifiedlog/internal/tlog/message"
	"github.com/arjunv/unifiedlog/internal/tlog/uuidtext"
)

const (
	flagHasActivityID          = 0x0001
	flagHasMsgInUUIDText       = 0x0002
	flagHasMsgInDSC            = 0x0004
	flagHasAlternateUUID       = 0x0008
	flagHasUniquePID           = 0x0010
	flagHasLargeOffset         = 0x0020
	flagHasPrivateStringsRange = 0x0100
	flagHasOtherAID            = 0x0200
	flagHasTTL                 = 0x0400
	flagHasOversizeDataRef     = 0x0800
	flagHasContextData         = 0x1000
	flagHasSignpostNameRef     = 0x8000

	noFormatStringBit = 0x80000000
)

// Context carries the cross-references a tracepoint needs to resolve format
// strings, subsystem/category names, and oversize payloads.
type Context struct {
	Catalog    *catalog.Catalog
	ChunkMeta  *catalog.ChunkMeta
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

// DecodeChunk decodes one firehose sub-chunk body: the shared
// (proc_id1, proc_id2, ttl) header, the firehose-level header, and the
// tracepoint stream it bounds (spec §4.7, §4.8).
func DecodeChunk(body []byte, ctx Context, chunkFileOffset uint64) ([]*model.LogRecord, error) {
	if len(body) < 32 {
		return nil, fmt.Errorf("firehose: chunk too short (%d bytes)", len(body))
	}

	procID1 := binary.LittleEndian.Uint64(body[0:8])
	procID2 := binary.LittleEndian.Uint32(body[8:12])
	// bytes 12:16 are ttl, unused at the firehose-chunk level (per-tracepoint
	// TTL, when present, is carried by flagHasTTL instead).

	offsetStrings := binary.LittleEndian.Uint16(body[16:18])
	stringsVOffset := binary.LittleEndian.Uint16(body[18:20])
	ctBase := binary.LittleEndian.Uint64(body[24:32])

	var privateStrings []byte
	if stringsVOffset < 4096 {
		size := int(4096 - stringsVOffset)
		if size <= len(body) {
			privateStrings = body[len(body)-size:]
		}
	}

	var procInfo *catalog.ProcInfo
	if ctx.ChunkMeta != nil {
		procInfo = ctx.ChunkMeta.ProcInfo(procID1, procID2)
	}
	if procInfo == nil {
		return nil, fmt.Errorf("firehose: no ProcInfo for proc_id1=%d proc_id2=%d", procID1, procID2)
	}

	var records []*model.LogRecord
	logsEndOffset := int(offsetStrings) + 16
	pos := 32

	for pos < logsEndOffset && pos < len(body) {
		startSkew := pos % 8
		tracepointFileOffset := chunkFileOffset + uint64(pos)

		consumed, rec, err := decodeTracepoint(body[pos:], tracepointFileOffset, ctBase, procInfo, ctx, privateStrings, stringsVOffset)
		if err != nil {
			ctx.logf().WithError(err).WithField("file_offset", tracepointFileOffset).Warn("firehose: skipping malformed tracepoint")
			if consumed == 0 {
				// Either the 24-byte header itself didn't parse or its
				// announced body runs past the end of the chunk; there is
				// nothing safe to resynchronize against, so the remaining
				// stream is abandoned.
				break
			}
			// The header parsed (consumed == 24+log_data_len is known) but a
			// later field choked; skip just this tracepoint and keep going.
		}
		if rec != nil {
			records = append(records, rec)
		}
		pos += consumed

		if rem := (pos - startSkew) % 8; rem != 0 {
			pos += 8 - rem
		}
	}

	return records, nil
}

func decodeTracepoint(data []byte, fileOffset uint64, ctBase uint64, procInfo *catalog.ProcInfo, ctx Context, privateStrings []byte, stringsVOffset uint16) (int, *model.LogRecord, error) {
	if len(data) < 24 {
		return 0, nil, fmt.Errorf("firehose: tracepoint header truncated")
	}

	recordType := data[0]
	logType := data[1]
	flags := binary.LittleEndian.Uint16(data[2:4])
	fmtStrVOffset := binary.LittleEndian.Uint32(data[4:8])
	thread := binary.LittleEndian.Uint64(data[8:16])
	ctRel := binary.LittleEndian.Uint32(data[16:20])
	ctRelUpper := binary.LittleEndian.Uint16(data[20:22])
	logDataLen := binary.LittleEndian.Uint16(data[22:24])

	total := 24 + int(logDataLen)
	if total > len(data) {
		return 0, nil, fmt.Errorf("firehose: tracepoint body truncated (want %d, have %d)", total, len(data))
	}

	ct := ctBase + uint64(ctRel) + (uint64(ctRelUpper) << 32)
	noFmtStr := fmtStrVOffset&noFormatStringBit != 0

	level, isActivity, isSignpost, signpostScope, signpostKind := deriveLevel(recordType, logType)
	// flagHasContextData (backtrace) never advances the cursor here: the
	// reference parser computes has_context_data but its backtrace decoder
	// is dead code, so no uuid/offset table actually follows the tracepoint
	// fields it would otherwise sit between.

	log := ctx.logf().WithField("ct", ct).WithField("file_offset", fileOffset)

	dscFile, uuidtextFile := resolveProcFiles(procInfo, ctx.Catalog)

	libraryName := ""
	processImagePath := ""
	var processImageUUID uuid.UUID
	if uuidtextFile != nil {
		processImagePath = uuidtextFile.LibraryPath
		processImageUUID = parseHexUUID(uuidtextFile.UUID)
	}

	var (
		senderImagePath string
		imageUUID       uuid.UUID
		imageOffset     uint64
		senderLibrary   string
		formatStr       string
		altUUIDText     *uuidtext.File
	)

	remaining := int(logDataLen)
	pos := 24

	activityIDs := []uint64{0}

	if isActivity {
		if flags&flagHasActivityID != 0 {
			v := binary.LittleEndian.Uint64(data[pos : pos+8])
			pos += 8
			remaining -= 8
			activityIDs = append(activityIDs, v&0xffffffff)
		}
		if flags&flagHasUniquePID != 0 {
			pos += 8
			remaining -= 8
		}
		if flags&flagHasOtherAID != 0 {
			v := binary.LittleEndian.Uint64(data[pos : pos+8])
			pos += 8
			remaining -= 8
			activityIDs = append(activityIDs, v&0xffffffff)
		}
		if logType != 0x03 {
			newAID := binary.LittleEndian.Uint32(data[pos : pos+4])
			sentinel := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
			if sentinel == 0x80000000 {
				activityIDs = append(activityIDs, uint64(newAID))
				pos += 8
				remaining -= 8
			} else {
				log.Warn("firehose: expected activity id sentinel, got something else")
			}
		}
	} else {
		if flags&flagHasActivityID != 0 {
			v := binary.LittleEndian.Uint32(data[pos : pos+4])
			sentinel := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
			if sentinel == 0x80000000 {
				activityIDs = append(activityIDs, uint64(v))
				pos += 8
				remaining -= 8
			} else {
				log.Warn("firehose: expected activity id sentinel, got something else")
			}
		}
	}

	var privStrVOffset, privStrLen uint16
	if !isActivity && flags&flagHasPrivateStringsRange != 0 {
		if privateStrings != nil {
			privStrVOffset = binary.LittleEndian.Uint16(data[pos : pos+2])
			privStrLen = binary.LittleEndian.Uint16(data[pos+2 : pos+4])
			pos += 4
			remaining -= 4
		} else {
			log.Error("firehose: HAS_PRIVATE_STRINGS_RANGE set but no private strings slice present")
		}
	}

	uuidEntryLoadAddress := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	remaining -= 4

	if flags&flagHasLargeOffset != 0 {
		largeOffset := binary.LittleEndian.Uint16(data[pos : pos+2])
		if largeOffset <= 0x7fff {
			fmtStrVOffset += uint32(largeOffset) << 31
		} else {
			log.WithField("large_offset", largeOffset).Error("firehose: implausible large_offset value")
		}
		pos += 2
		remaining -= 2
	}

	hasAlternateUUID := flags&flagHasAlternateUUID != 0
	hasMsgInUUIDText := flags&flagHasMsgInUUIDText != 0
	hasMsgInDSC := flags&flagHasMsgInDSC != 0

	if hasAlternateUUID {
		if !hasMsgInUUIDText {
			uuidFileID := int16(binary.LittleEndian.Uint16(data[pos : pos+2]))
			pos += 2
			remaining -= 2

			found := false
			for _, ref := range procInfo.ExtraFileRefs {
				if ref.ID == uuidFileID && uuidEntryLoadAddress >= ref.VOffset && (uuidEntryLoadAddress-ref.VOffset) < ref.DataSize {
					if f := refUUIDText(ctx.Catalog, int(ref.UUIDFileIndex)); f != nil {
						if s, err := f.ReadFmtString(uint64(fmtStrVOffset)); err == nil {
							formatStr = s
						}
						imageUUID = parseHexUUID(f.UUID)
						senderImagePath = f.LibraryPath
						imageOffset = uint64(uuidEntryLoadAddress - ref.VOffset)
						altUUIDText = f
					}
					found = true
					break
				}
			}
			if !found {
				log.WithField("uuid_file_id", uuidFileID).Error("firehose: no extra_file_ref matched alternate uuid load address")
				formatStr = "<compose failure [missing precomposed log]>"
			}
		} else {
			rawUUID := data[pos : pos+16]
			pos += 16
			remaining -= 16
			idStr := hex.EncodeToString(rawUUID)
			if f, err := ctx.Cache.UUIDText(idStr); err == nil {
				if s, err := f.ReadFmtString(uint64(fmtStrVOffset)); err == nil {
					formatStr = s
				}
				libraryName = f.LibraryName
				imageUUID = parseHexUUID(f.UUID)
				senderImagePath = f.LibraryPath
				altUUIDText = f
			} else {
				log.WithError(err).Warn("firehose: could not load alternate uuidtext file")
			}
		}
	}

	var subSys, category string
	var dataRefID *uint16
	var sigPostNameRef *uint32
	var spid uint64
	var ttl uint8

	if !isActivity {
		if flags&flagHasOtherAID != 0 {
			itemID := binary.LittleEndian.Uint16(data[pos : pos+2])
			pos += 2
			remaining -= 2
			if sc, ok := procInfo.Items[itemID]; ok {
				subSys, category = sc.Subsystem, sc.Category
			}
		}
		if flags&flagHasTTL != 0 {
			ttl = data[pos]
			pos++
			remaining--
		}
		if flags&flagHasOversizeDataRef != 0 {
			v := binary.LittleEndian.Uint16(data[pos : pos+2])
			dataRefID = &v
			pos += 2
			remaining -= 2
		}
		if isSignpost {
			spid = binary.LittleEndian.Uint64(data[pos : pos+8])
			pos += 8
			remaining -= 8
		}
		if flags&flagHasSignpostNameRef != 0 {
			v := binary.LittleEndian.Uint32(data[pos : pos+4])
			sigPostNameRef = &v
			pos += 4
			remaining -= 4
		}
	}

	var signpostName string

	switch {
	case hasMsgInUUIDText:
		imageOffset = uint64(uuidEntryLoadAddress)
		if hasAlternateUUID {
			if sigPostNameRef != nil && altUUIDText != nil {
				signpostName, _ = altUUIDText.ReadFmtString(uint64(*sigPostNameRef))
			}
		} else if uuidtextFile != nil {
			imageUUID = parseHexUUID(uuidtextFile.UUID)
			senderImagePath = uuidtextFile.LibraryPath
			formatStr, _ = uuidtextFile.ReadFmtString(uint64(fmtStrVOffset))
			if sigPostNameRef != nil {
				signpostName, _ = uuidtextFile.ReadFmtString(uint64(*sigPostNameRef))
			}
		}

	case hasMsgInDSC:
		if sigPostNameRef != nil && dscFile != nil {
			s, _, _, err := dscFile.ReadFmt(uint64(*sigPostNameRef))
			if err == nil {
				signpostName = s
			} else {
				log.Error("firehose: could not resolve signpost name from dsc")
			}
		}
		if dscFile != nil {
			if _, ue, err := dscFile.Find(uint64(uuidEntryLoadAddress)); err == nil && ue != nil {
				senderLibrary = ue.LibName
				imageUUID = ue.UUID
				senderImagePath = ue.LibPath
				imageOffset = uint64(uuidEntryLoadAddress) - ue.VOffset
			}
		}
		if noFmtStr {
			formatStr = "%s"
		} else if dscFile != nil {
			s, _, _, err := dscFile.ReadFmt(uint64(fmtStrVOffset))
			if err != nil {
				log.WithError(err).Error("firehose: failed to resolve dsc format string")
			} else {
				formatStr = s
			}
		}

	case hasAlternateUUID:
		// resolved above.

	default:
		log.Warn("firehose: no message string flags set on tracepoint")
	}

	var items []logdata.Item
	if remaining > 0 && pos+remaining <= len(data) {
		payload := data[pos : pos+remaining]

		var privSlice []byte
		if privStrLen != 0 {
			if privateStrings != nil {
				start := int(privStrVOffset) - int(stringsVOffset)
				if start < 0 || start > len(privateStrings) {
					log.Error("firehose: private strings virtual offset out of range")
				} else {
					end := start + int(privStrLen)
					if end > len(privateStrings) {
						end = len(privateStrings)
					}
					privSlice = privateStrings[start:end]
				}
			} else {
				log.Error("firehose: HAS_PRIVATE_STRINGS_RANGE set but no private strings present")
			}
		}

		var err error
		if recordType&0x3 == 0x3 {
			items, err = logdata.ParseTrailingDescriptor(payload)
		} else {
			items, err = logdata.ParseNormal(payload, privSlice)
		}
		if err != nil {
			return total, nil, err
		}
	}

	if dataRefID != nil {
		payload, ok := ctx.LargeData.Get(*dataRefID, ct)
		if ok {
			parsed, err := logdata.ParseNormal(payload, nil)
			if err != nil {
				log.WithError(err).Error("firehose: oversize payload malformed")
			} else {
				items = parsed
			}
		} else {
			log.WithField("data_ref_id", *dataRefID).Error("firehose: oversize data reference not found")
			formatStr = "<decode: missing data>"
		}
	}

	msg := formatStr
	if items != nil {
		msg = message.Reconstruct(formatStr, items)
	}

	var parentActivityID uint32
	if len(activityIDs) > 2 {
		parentActivityID = uint32(activityIDs[len(activityIDs)-2])
	}

	if senderLibrary != "" {
		libraryName = senderLibrary
	}
	if libraryName == "" && uuidtextFile != nil {
		libraryName = uuidtextFile.LibraryName
	}

	rec := &model.LogRecord{
		SourceFile:        ctx.SourceFile,
		Offset:            fileOffset,
		ContinuousTime:    ct,
		Timestamp:         ctx.WallClock(ct),
		ThreadID:          thread,
		Level:             level,
		ActivityID:        uint32(activityIDs[len(activityIDs)-1]),
		ParentActivityID:  parentActivityID,
		PID:               procInfo.PID,
		EUID:              procInfo.EUID,
		ProcessName:       libraryName,
		SenderLibraryName: libraryName,
		Subsystem:         subSys,
		Category:          category,
		SignpostName:      signpostName,
		ImageOffset:       imageOffset,
		ImageUUID:         imageUUID,
		ProcessImageUUID:  processImageUUID,
		SenderImagePath:   senderImagePath,
		ProcessImagePath:  processImagePath,
		Message:           msg,
		TTL:               ttl,
	}

	if isSignpost {
		rec.SignpostInfo = fmt.Sprintf("spid 0x%x, %s, %s", spid, signpostScope, signpostKind)
	}

	return total, rec, nil
}

func deriveLevel(recordType, logType byte) (level model.Level, isActivity, isSignpost bool, scope, kind string) {
	switch {
	case logType&0x80 != 0:
		isSignpost = true
		level = model.LevelSignpost
		if logType&0xC0 == 0xC0 {
			scope = "system"
		} else {
			scope = "process"
		}
		switch {
		case logType&0x82 == 0x82:
			kind = "end"
		case logType&0x81 == 0x81:
			kind = "begin"
		default:
			kind = "event"
		}
	case logType == 0x01:
		level = model.LevelInfo
		if recordType&0x0F == 0x02 {
			level = model.LevelActivity
			isActivity = true
		}
	case logType == 0x02:
		level = model.LevelDebug
	case logType == 0x10:
		level = model.LevelError
	case logType == 0x11:
		level = model.LevelFault
	default:
		level = model.LevelDefault
	}
	return
}

func resolveProcFiles(p *catalog.ProcInfo, cat *catalog.Catalog) (*dsc.File, *uuidtext.File) {
	if cat == nil {
		return nil, nil
	}
	var d *dsc.File
	var u *uuidtext.File
	if p.DSCFileIndex >= 0 && int(p.DSCFileIndex) < len(cat.Files) {
		d = cat.Files[p.DSCFileIndex].DSC
	}
	if p.FileID >= 0 && int(p.FileID) < len(cat.Files) {
		u = cat.Files[p.FileID].UUIDText
	}
	return d, u
}

func refUUIDText(cat *catalog.Catalog, idx int) *uuidtext.File {
	if cat == nil || idx < 0 || idx >= len(cat.Files) {
		return nil
	}
	return cat.Files[idx].UUIDText
}

func parseHexUUID(s string) uuid.UUID {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return uuid.UUID{}
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.UUID{}
	}
	return u
}
