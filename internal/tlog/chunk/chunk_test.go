package chunk

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
)

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func TestReadHeader(t *testing.T) {
	buf := appendU32(nil, TagCatalog)
	buf = appendU32(buf, 0)
	buf = appendU64(buf, 42)

	hdr, err := ReadHeader(binreader.New(buf))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Tag != TagCatalog || hdr.DataSize != 42 {
		t.Fatalf("ReadHeader: got %+v", hdr)
	}
}

// lz4LiteralBlock builds a minimal valid LZ4 block consisting solely of a
// trailing literal run (no match), which the block format permits as the
// final sequence.
func lz4LiteralBlock(literal []byte) []byte {
	if len(literal) >= 15 {
		panic("test helper only supports literal runs under 15 bytes")
	}
	token := byte(len(literal) << 4)
	return append([]byte{token}, literal...)
}

func TestDecompressBv41ThenTerminator(t *testing.T) {
	literal := []byte("hi!!")
	block := lz4LiteralBlock(literal)

	var body []byte
	body = append(body, blockBv41...)
	body = appendU32(body, uint32(len(literal))) // uncompressed size
	body = appendU32(body, uint32(len(block)))   // compressed size
	body = append(body, block...)
	body = append(body, blockBv4t...) // bv4$ terminator, no trailing bytes

	out, err := Decompress(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hi!!" {
		t.Fatalf("Decompress: got %q, want %q", out, "hi!!")
	}
}

func TestDecompressBv4MinusRawLiteral(t *testing.T) {
	raw := []byte("raw literal block")

	var body []byte
	body = append(body, blockBv4m...)
	body = appendU32(body, uint32(len(raw)))
	body = append(body, raw...)
	body = append(body, blockBv4t...)

	out, err := Decompress(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(raw) {
		t.Fatalf("Decompress bv4-: got %q, want %q", out, raw)
	}
}

func TestDecompressUnknownTag(t *testing.T) {
	body := append([]byte{}, []byte("xxxx")...)
	if _, err := Decompress(body); err == nil {
		t.Fatal("expected error for unknown lz4 block tag")
	}
}

func TestDecompressTruncatedTag(t *testing.T) {
	if _, err := Decompress([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated block tag")
	}
}

func TestWalkNonDataTag(t *testing.T) {
	body := []byte("payload!")
	var data []byte
	data = appendU32(data, TagCatalog)
	data = appendU32(data, 0)
	data = appendU64(data, uint64(len(body)))
	data = append(data, body...)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}

	var got []Entry
	err := Walk(data, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Walk: got %d entries, want 1", len(got))
	}
	if string(got[0].Body) != "payload!" {
		t.Fatalf("Walk body: got %q", got[0].Body)
	}
	if got[0].Header.Tag != TagCatalog {
		t.Fatalf("Walk tag: got %#x", got[0].Header.Tag)
	}
}

func TestWalkDataTagDecompresses(t *testing.T) {
	raw := []byte("decompressed body")
	var compressed []byte
	compressed = append(compressed, blockBv4m...)
	compressed = appendU32(compressed, uint32(len(raw)))
	compressed = append(compressed, raw...)
	compressed = append(compressed, blockBv4t...)

	var data []byte
	data = appendU32(data, TagData)
	data = appendU32(data, 0)
	data = appendU64(data, uint64(len(compressed)))
	data = append(data, compressed...)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}

	var got []Entry
	err := Walk(data, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Walk: got %d entries, want 1", len(got))
	}
	if string(got[0].Body) != string(raw) {
		t.Fatalf("Walk decompressed body: got %q, want %q", got[0].Body, raw)
	}
}

func TestParseFileHeaderWithBootUUIDItem(t *testing.T) {
	var data []byte
	data = appendU32(data, 1)            // num
	data = appendU32(data, 1)            // den
	data = appendU64(data, 1000)         // continuous time
	data = append(data, 0, 0, 0, 0)      // unix timestamp (i32)
	data = appendU32(data, 0)            // unknown5
	data = appendU32(data, 0)            // unknown6
	data = append(data, 0, 0, 0, 0)      // tz offset (i32)
	data = appendU32(data, 0)            // daylight saving
	data = appendU32(data, 0)            // flags

	item6102 := make([]byte, 24)
	for i := 0; i < 16; i++ {
		item6102[i] = byte(i + 1)
	}
	item6102[16] = 0x34
	item6102[17] = 0x12
	item6102[20] = 0x01

	data = appendU32(data, 0x6102)
	data = appendU32(data, uint32(len(item6102)))
	data = append(data, item6102...)

	fh, err := ParseFileHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if fh.LogdPID != 0x1234 {
		t.Fatalf("LogdPID: got %#x", fh.LogdPID)
	}
	if fh.LogdExitStatus != 1 {
		t.Fatalf("LogdExitStatus: got %d", fh.LogdExitStatus)
	}
	var wantUUID uuid.UUID
	for i := range wantUUID {
		wantUUID[i] = byte(i + 1)
	}
	if fh.BootUUID != wantUUID {
		t.Fatalf("BootUUID: got %x, want %x", fh.BootUUID, wantUUID)
	}
}
