// Package binreader provides the little-endian primitive reads shared by
// every tracev3/uuidtext/dsc/timesync decoder: a cursor over an in-memory
// buffer (chunks are always fully buffered before decode, since the LZ4
// dictionary chain and catalog offsets both need random access within a
// chunk), C-string and NT-SID reads, and continuous-time/epoch helpers.
package binreader

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Cursor reads little-endian primitives from an in-memory buffer and tracks
// position the way the teacher's BinaryReader tracks bytesRead, except it
// also supports seeking: catalog and firehose offsets are relative to a
// fixed chunk start, not a stream position.
type Cursor struct {
	buf []byte
	pos int
}

func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

func (c *Cursor) Pos() int { return c.pos }
func (c *Cursor) Len() int { return len(c.buf) }
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }
func (c *Cursor) Bytes() []byte  { return c.buf }

func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.buf) {
		return fmt.Errorf("seek out of range: pos=%d len=%d", pos, len(c.buf))
	}
	c.pos = pos
	return nil
}

func (c *Cursor) Advance(n int) error {
	return c.Seek(c.pos + n)
}

// AlignTo pads the cursor forward to the next multiple of n, relative to the
// start of the buffer (spec §4.4 8-byte chunk padding, §4.7 sub-chunk
// padding, §4.8 tracepoint padding).
func (c *Cursor) AlignTo(n int) error {
	rem := c.pos % n
	if rem == 0 {
		return nil
	}
	return c.Advance(n - rem)
}

func (c *Cursor) Take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at pos %d, have %d", io.ErrUnexpectedEOF, n, c.pos, len(c.buf)-c.pos)
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *Cursor) U8() (uint8, error) {
	b, err := c.Take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) U16() (uint16, error) {
	b, err := c.Take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Cursor) U32() (uint32, error) {
	b, err := c.Take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) U64() (uint64, error) {
	b, err := c.Take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *Cursor) I32() (int32, error) {
	v, err := c.U32()
	return int32(v), err
}

// CString reads a NUL-terminated string starting at the current position.
func (c *Cursor) CString() (string, error) {
	start := c.pos
	for c.pos < len(c.buf) {
		if c.buf[c.pos] == 0 {
			s := string(c.buf[start:c.pos])
			c.pos++
			return s, nil
		}
		c.pos++
	}
	return "", fmt.Errorf("unterminated C string starting at %d", start)
}

// CStringAt reads a NUL-terminated string at an absolute offset without
// disturbing the cursor's own position.
func CStringAt(buf []byte, offset int) (string, error) {
	if offset < 0 || offset > len(buf) {
		return "", fmt.Errorf("offset %d out of range (len %d)", offset, len(buf))
	}
	end := offset
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	if end >= len(buf) {
		return "", fmt.Errorf("unterminated C string at offset %d", offset)
	}
	return string(buf[offset:end]), nil
}

// NTSIDAt decodes a Windows NT_SID structure (revision, sub-authority count,
// 6-byte authority, then sub-authority count * u32) starting at offset, used
// by the `odtypes:nt_sid_t` custom specifier.
func NTSIDAt(buf []byte, offset int) (string, int, error) {
	if offset < 0 || offset+8 > len(buf) {
		return "", 0, fmt.Errorf("NT_SID truncated at offset %d", offset)
	}
	revision := buf[offset]
	subAuthCount := int(buf[offset+1])
	authority := uint64(0)
	for i := 0; i < 6; i++ {
		authority = (authority << 8) | uint64(buf[offset+2+i])
	}
	pos := offset + 8
	sid := fmt.Sprintf("S-%d-%d", revision, authority)
	for i := 0; i < subAuthCount; i++ {
		if pos+4 > len(buf) {
			return "", 0, fmt.Errorf("NT_SID sub-authority truncated at offset %d", pos)
		}
		sub := binary.LittleEndian.Uint32(buf[pos : pos+4])
		sid += fmt.Sprintf("-%d", sub)
		pos += 4
	}
	return sid, pos - offset, nil
}

// LE32 reads the first 4 bytes of b as a little-endian uint32.
func LE32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// LE64 reads the first 8 bytes of b as a little-endian uint64.
func LE64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// LEFloat32 reads the first 4 bytes of b as a little-endian IEEE-754 float32.
func LEFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// LEFloat64 reads the first 8 bytes of b as a little-endian IEEE-754 float64.
func LEFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// NanoEpochToTime converts a nanosecond-since-Unix-epoch continuous-time or
// wall-clock stamp (the APFS-style timestamp tracev3/timesync use) into a
// time.Time with nanosecond precision.
func NanoEpochToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
