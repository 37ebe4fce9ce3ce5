// Package logdata decodes the inline log-data item buffer trailing a
// firehose tracepoint (spec §4.9): a dense item table in the common case,
// or a trailing per-item size table with payloads packed at the buffer's
// head when the tracepoint's record_type signals that layout.
package logdata

import (
	"encoding/binary"
	"fmt"
)

// Item is one decoded log-data item: its wire type/style byte, its
// announced size, and its resolved payload. A zero-size Item with the
// style bit (0x1) set renders as "<private>" downstream; a zero-size
// object item (type 0x40) renders "(null)" (spec §4.10).
type Item struct {
	Type byte
	Size int
	Data []byte
}

func isStringDescriptor(t byte) bool {
	switch t {
	case 0x20, 0x21, 0x22, 0x25, 0x40, 0x41, 0x42, 0x45, 0x31, 0x32, 0xF2:
		return true
	}
	return false
}

func isPrivateSourced(t byte) bool {
	switch t {
	case 0x21, 0x25, 0x31, 0x41, 0x45:
		return true
	}
	return false
}

type descriptorRef struct {
	index  int
	offset uint16
	size   uint16
	typ    byte
}

// ParseNormal decodes the common variant: u8 unknown, u8 total_items, then
// total_items entries of (item_type, item_size, payload). String descriptor
// types carry an (offset, size) pair resolved in a second pass against
// either the remaining tracepoint buffer or privateStrings (spec §4.9).
func ParseNormal(buf []byte, privateStrings []byte) ([]Item, error) {
	if len(buf) < 2 {
		return nil, nil
	}
	totalItems := int(buf[1])
	pos := 2

	items := make([]Item, 0, totalItems)
	var descriptors []descriptorRef

	for read := 0; read < totalItems; read++ {
		if pos+2 > len(buf) {
			return nil, fmt.Errorf("logdata: item header truncated at %d", pos)
		}
		itemType := buf[pos]
		itemSize := int(buf[pos+1])
		pos += 2

		switch {
		case isStringDescriptor(itemType):
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("logdata: descriptor truncated at %d", pos)
			}
			offset := binary.LittleEndian.Uint16(buf[pos:])
			size := binary.LittleEndian.Uint16(buf[pos+2:])
			descriptors = append(descriptors, descriptorRef{index: len(items), offset: offset, size: size, typ: itemType})
			items = append(items, Item{Type: itemType})
			pos += 4

		case itemType&0xF0 == 0x10:
			// length-only item, usually followed by a string descriptor carrying
			// the actual characters (e.g. a predicate's %.*s width); kept as a
			// plain item so later descriptor indices stay aligned.
			if pos+itemSize > len(buf) {
				return nil, fmt.Errorf("logdata: length item truncated at %d", pos)
			}
			items = append(items, Item{Type: itemType, Size: itemSize, Data: buf[pos : pos+itemSize]})
			pos += itemSize

		default:
			if pos+itemSize > len(buf) {
				return nil, fmt.Errorf("logdata: item truncated at %d", pos)
			}
			items = append(items, Item{Type: itemType, Size: itemSize, Data: buf[pos : pos+itemSize]})
			pos += itemSize
		}

		if itemSize == 0 && !isStringDescriptor(itemType) {
			break
		}
	}

	for _, d := range descriptors {
		if d.size == 0 {
			items[d.index] = Item{Type: d.typ, Size: 0}
			continue
		}
		var payload []byte
		if isPrivateSourced(d.typ) {
			if int(d.offset)+int(d.size) > len(privateStrings) {
				return nil, fmt.Errorf("logdata: private string descriptor out of range")
			}
			payload = privateStrings[d.offset : d.offset+d.size]
		} else {
			if pos+int(d.offset)+int(d.size) > len(buf) {
				return nil, fmt.Errorf("logdata: object descriptor out of range")
			}
			payload = buf[pos+int(d.offset) : pos+int(d.offset)+int(d.size)]
		}
		items[d.index] = Item{Type: d.typ, Size: int(d.size), Data: payload}
	}

	return items, nil
}

// ParseTrailingDescriptor decodes the variant selected when
// record_type&0x3 == 3: the last byte is total_items, the total_items
// bytes preceding it are per-item sizes in reverse order, and item
// payloads are packed at the buffer's head in order (spec §4.9).
func ParseTrailingDescriptor(buf []byte) ([]Item, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	totalItems := int(buf[len(buf)-1])
	if len(buf) == 1 {
		if totalItems != 0 {
			return nil, fmt.Errorf("logdata: trailing descriptor count %d with empty buffer", totalItems)
		}
		return nil, nil
	}
	if totalItems > len(buf)-1 {
		return nil, fmt.Errorf("logdata: trailing descriptor count %d exceeds buffer", totalItems)
	}

	sizesStart := len(buf) - 1 - totalItems
	sizes := buf[sizesStart : len(buf)-1]

	items := make([]Item, 0, totalItems)
	pos := 0
	for i := len(sizes) - 1; i >= 0; i-- {
		size := sizes[i]
		if pos+int(size) > sizesStart {
			return nil, fmt.Errorf("logdata: trailing descriptor payload overruns size table")
		}
		items = append(items, Item{Type: 0, Size: int(size), Data: buf[pos : pos+int(size)]})
		pos += int(size)
	}
	return items, nil
}
