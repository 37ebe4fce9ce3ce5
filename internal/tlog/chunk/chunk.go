// Package chunk frames the top-level tracev3 chunk stream, decompresses
// LZ4-with-dictionary data containers, and parses the tracev3 file header
// (spec §4.4, §4.6).
package chunk

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
)

const (
	TagHeader    = 0x1000
	TagCatalog   = 0x600B
	TagData      = 0x600D
	HeaderSubtag = 0x11
)

// Header is a top-level chunk's 16-byte framing header.
type Header struct {
	Tag      uint32
	Subtag   uint32
	DataSize uint64
}

// ReadHeader reads one (tag, subtag, data_size) triple (spec §4.4).
func ReadHeader(c *binreader.Cursor) (Header, error) {
	tag, err := c.U32()
	if err != nil {
		return Header{}, err
	}
	subtag, err := c.U32()
	if err != nil {
		return Header{}, err
	}
	size, err := c.U64()
	if err != nil {
		return Header{}, err
	}
	return Header{Tag: tag, Subtag: subtag, DataSize: size}, nil
}

// Entry is a single top-level chunk yielded by Walk: its header, its body
// (decompressed, for 0x600D), and the uncompressed file position it starts
// at (spec §4.4's "uncompressed file position" counter).
type Entry struct {
	Header   Header
	Body     []byte
	FilePos  uint64
}

// Walk iterates the top-level chunk stream from the start of data, yielding
// the leading file header chunk as well, decompressing 0x600D containers and
// tracking the uncompressed file position spec §4.4 describes.
func Walk(data []byte, yield func(Entry) error) error {
	c := binreader.New(data)
	var filePos uint64

	for c.Remaining() >= 16 {
		start := c.Pos()
		hdr, err := ReadHeader(c)
		if err != nil {
			return fmt.Errorf("chunk: header at %d: %w", start, err)
		}
		body, err := c.Take(int(hdr.DataSize))
		if err != nil {
			return fmt.Errorf("chunk: body at %d: %w", c.Pos(), err)
		}
		if err := c.AlignTo(8); err != nil {
			return fmt.Errorf("chunk: padding at %d: %w", c.Pos(), err)
		}

		entry := Entry{Header: hdr, Body: body, FilePos: filePos}

		if hdr.Tag == TagData {
			decompressed, err := Decompress(body)
			if err != nil {
				return fmt.Errorf("chunk: decompress at %d: %w", start, err)
			}
			entry.Body = decompressed
			filePos += uint64(len(decompressed))
		} else {
			filePos += 16 + hdr.DataSize
			if rem := filePos % 8; rem != 0 {
				filePos += 8 - rem
			}
		}

		if err := yield(entry); err != nil {
			return err
		}
	}
	return nil
}

var (
	blockBv41 = []byte("bv41")
	blockBv4m = []byte("bv4-")
	blockBv4t = []byte("bv4$")
)

// Decompress walks a 0x600D chunk body's LZ4 block stream: bv41 blocks
// decompress against the previous block's output as dictionary, bv4- blocks
// are raw literals, and bv4$ terminates the stream (spec §4.4).
func Decompress(body []byte) ([]byte, error) {
	var out bytes.Buffer
	var dict []byte

	pos := 0
	for pos < len(body) {
		if pos+4 > len(body) {
			return nil, fmt.Errorf("chunk: truncated lz4 block tag at %d", pos)
		}
		tag := body[pos : pos+4]
		pos += 4

		switch {
		case bytes.Equal(tag, blockBv4t):
			return out.Bytes(), nil

		case bytes.Equal(tag, blockBv41):
			if pos+8 > len(body) {
				return nil, fmt.Errorf("chunk: truncated bv41 sizes at %d", pos)
			}
			uncompressedSize := int(leU32(body[pos:]))
			compressedSize := int(leU32(body[pos+4:]))
			pos += 8
			if pos+compressedSize > len(body) {
				return nil, fmt.Errorf("chunk: truncated bv41 payload at %d", pos)
			}
			src := body[pos : pos+compressedSize]
			pos += compressedSize

			dst := make([]byte, uncompressedSize)
			n, err := lz4.UncompressBlockWithDict(src, dst, dict)
			if err != nil {
				return nil, fmt.Errorf("chunk: lz4 decompress: %w", err)
			}
			dst = dst[:n]
			out.Write(dst)
			dict = dst

		case bytes.Equal(tag, blockBv4m):
			if pos+4 > len(body) {
				return nil, fmt.Errorf("chunk: truncated bv4- size at %d", pos)
			}
			rawSize := int(leU32(body[pos:]))
			pos += 4
			if pos+rawSize > len(body) {
				return nil, fmt.Errorf("chunk: truncated bv4- payload at %d", pos)
			}
			raw := body[pos : pos+rawSize]
			pos += rawSize
			out.Write(raw)
			dict = raw

		default:
			return nil, fmt.Errorf("chunk: unknown lz4 block tag %q at %d", tag, pos-4)
		}
	}
	return out.Bytes(), nil
}

// FileHeader is the tracev3 file header: the body of the leading chunk
// (tag 0x1000, subtag 0x11) (spec §4.6).
type FileHeader struct {
	Numerator        uint32
	Denominator      uint32
	ContinuousTime   uint64
	UnixTimestamp    int32
	TZOffsetMinutes  int32
	DaylightSaving   uint32
	Flags            uint32

	BootUUID       uuid.UUID
	LogdPID        uint32
	LogdExitStatus uint32
	Timezone       string
}

// ParseFileHeader decodes the 40-byte fixed prefix, then a sequence of
// (item_id, item_length, item_data) items, recognizing 0x6100-0x6103 and
// skipping unknown items (spec §4.6).
func ParseFileHeader(data []byte) (*FileHeader, error) {
	c := binreader.New(data)

	num, err := c.U32()
	if err != nil {
		return nil, err
	}
	den, err := c.U32()
	if err != nil {
		return nil, err
	}
	ct, err := c.U64()
	if err != nil {
		return nil, err
	}
	ts, err := c.I32()
	if err != nil {
		return nil, err
	}
	if _, err := c.U32(); err != nil { // unknown5
		return nil, err
	}
	if _, err := c.U32(); err != nil { // unknown6
		return nil, err
	}
	tz, err := c.I32()
	if err != nil {
		return nil, err
	}
	dst, err := c.U32()
	if err != nil {
		return nil, err
	}
	flags, err := c.U32()
	if err != nil {
		return nil, err
	}

	fh := &FileHeader{
		Numerator:       num,
		Denominator:     den,
		ContinuousTime:  ct,
		UnixTimestamp:   ts,
		TZOffsetMinutes: tz,
		DaylightSaving:  dst,
		Flags:           flags,
	}

	for c.Remaining() >= 8 {
		itemID, err := c.U32()
		if err != nil {
			return nil, fmt.Errorf("chunk: file header item id: %w", err)
		}
		itemLen, err := c.U32()
		if err != nil {
			return nil, fmt.Errorf("chunk: file header item length: %w", err)
		}
		itemData, err := c.Take(int(itemLen))
		if err != nil {
			return nil, fmt.Errorf("chunk: file header item 0x%x data: %w", itemID, err)
		}

		switch itemID {
		case 0x6100:
			if len(itemData) >= 8 {
				fh.ContinuousTime = leU64(itemData)
			}
		case 0x6101:
			// build and hardware identifiers; not modeled beyond raw bytes.
		case 0x6102:
			if len(itemData) >= 24 {
				if u, err := uuid.FromBytes(itemData[:16]); err == nil {
					fh.BootUUID = u
				}
				fh.LogdPID = leU32(itemData[16:])
				fh.LogdExitStatus = leU32(itemData[20:])
			}
		case 0x6103:
			fh.Timezone, _ = binreader.CStringAt(itemData, 0)
		}
	}

	return fh, nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
