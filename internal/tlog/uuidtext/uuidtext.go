// Package uuidtext parses a single per-binary strings file (spec §4.2):
// a header naming a sequence of virtual-offset ranges, a library path, and
// the format-string heap those ranges index into.
package uuidtext

import (
	"fmt"
	"path/filepath"

	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
)

var magic = []byte("UUTX")

// Entry is a (range_start_v_offset, range_size) record; DataOffset is the
// offset from the start of the file at which this entry's text begins in
// the string heap (entries map onto the heap in table order).
type Entry struct {
	VOffset    uint32
	Size       uint32
	DataOffset int
}

// File is a single parsed uuidtext file.
type File struct {
	UUID        string // 32 hex digit identifier this file was looked up by
	LibraryPath string
	LibraryName string
	Entries     []Entry
	data        []byte
}

// Parse decodes a uuidtext file: signature, entry count, per-entry
// (v_off, size) records, a NUL-terminated library path, then the string
// heap (spec §4.2).
func Parse(uuidStr string, data []byte) (*File, error) {
	c := binreader.New(data)
	sig, err := c.Take(4)
	if err != nil {
		return nil, fmt.Errorf("uuidtext %s: %w", uuidStr, err)
	}
	if string(sig) != string(magic) {
		return nil, fmt.Errorf("uuidtext %s: bad signature %q", uuidStr, sig)
	}
	if _, err := c.U32(); err != nil { // unknown/flags
		return nil, err
	}
	entryCount, err := c.U32()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, entryCount)
	var heapSize int
	for i := uint32(0); i < entryCount; i++ {
		vOff, err := c.U32()
		if err != nil {
			return nil, fmt.Errorf("uuidtext %s: entry %d: %w", uuidStr, i, err)
		}
		size, err := c.U32()
		if err != nil {
			return nil, fmt.Errorf("uuidtext %s: entry %d: %w", uuidStr, i, err)
		}
		entries = append(entries, Entry{VOffset: vOff, Size: size})
		heapSize += int(size)
	}

	libPath, err := c.CString()
	if err != nil {
		return nil, fmt.Errorf("uuidtext %s: library path: %w", uuidStr, err)
	}

	heapStart := c.Pos()
	cumulative := heapStart
	for i := range entries {
		entries[i].DataOffset = cumulative
		cumulative += int(entries[i].Size)
	}

	return &File{
		UUID:        uuidStr,
		LibraryPath: libPath,
		LibraryName: filepath.Base(libPath),
		Entries:     entries,
		data:        data,
	}, nil
}

// ReadFmtString locates the entry whose half-open range [v_off, v_off+size)
// contains vOffset and returns the NUL-terminated string at the
// corresponding heap offset (spec §4.2).
func (f *File) ReadFmtString(vOffset uint64) (string, error) {
	for _, e := range f.Entries {
		start := uint64(e.VOffset)
		end := start + uint64(e.Size)
		if vOffset >= start && vOffset < end {
			heapOffset := e.DataOffset + int(vOffset-start)
			return binreader.CStringAt(f.data, heapOffset)
		}
	}
	return "", fmt.Errorf("uuidtext %s: no entry contains v_offset 0x%x", f.UUID, vOffset)
}
