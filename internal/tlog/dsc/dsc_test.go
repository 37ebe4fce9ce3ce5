package dsc

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
)

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

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

// buildMajor2 builds a minimal major-version-2 dsc file with one range entry
// pointing at one uuid entry, whose library path and format string heap sit
// after the fixed tables.
func buildMajor2(t *testing.T) ([]byte, string) {
	t.Helper()
	const rangeVOffset = 0x1000
	const rangeDataLen = 0x40
	const libPath = "/usr/lib/libsystem.dylib"
	const fmtStr = "value=%d"

	header := append([]byte{}, magic...)
	header = appendU16(header, 2) // major
	header = appendU16(header, 0) // minor
	header = appendU32(header, 1) // numRange
	header = appendU32(header, 1) // numUUID

	// Layout offsets are computed after we know table sizes.
	rangeRecSize := 24
	uuidRecSize := 32
	rangeTableStart := len(header)
	uuidTableStart := rangeTableStart + rangeRecSize
	heapStart := uuidTableStart + uuidRecSize

	libPathOffset := heapStart
	fmtStrOffset := libPathOffset + len(libPath) + 1

	// FileDataOffset is absolute; ReadFmt computes relOffset = vOffset - re.VOffset,
	// so vOffset == rangeVOffset means FileDataOffset must equal fmtStrOffset directly.
	rangeRec := appendU64(nil, rangeVOffset)
	rangeRec = appendU32(rangeRec, uint32(fmtStrOffset))
	rangeRec = appendU32(rangeRec, uint32(rangeDataLen))
	rangeRec = appendU64(rangeRec, 0) // uuidIndex

	u := uuid.New()
	rawUUID, _ := u.MarshalBinary()
	uuidRec := appendU64(nil, rangeVOffset)
	uuidRec = appendU32(uuidRec, uint32(rangeDataLen))
	uuidRec = append(uuidRec, rawUUID...)
	uuidRec = appendU32(uuidRec, uint32(libPathOffset))

	buf := append([]byte{}, header...)
	buf = append(buf, rangeRec...)
	buf = append(buf, uuidRec...)
	buf = append(buf, []byte(libPath)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(fmtStr)...)
	buf = append(buf, 0)

	return buf, fmtStr
}

func TestParseMajor2AndFind(t *testing.T) {
	data, wantFmt := buildMajor2(t)

	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Major != 2 {
		t.Fatalf("Major: got %d", f.Major)
	}
	if len(f.RangeEntries) != 1 || len(f.UUIDEntries) != 1 {
		t.Fatalf("table sizes: got %d ranges, %d uuid entries", len(f.RangeEntries), len(f.UUIDEntries))
	}

	re, ue, err := f.Find(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if re.VOffset != 0x1000 {
		t.Fatalf("Find range v_off: got %#x", re.VOffset)
	}
	if ue.Size != 0x40 {
		t.Fatalf("Find uuid entry size: got %#x", ue.Size)
	}

	text, _, _, err := f.ReadFmt(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if text != wantFmt {
		t.Fatalf("ReadFmt: got %q, want %q", text, wantFmt)
	}

	// memoized: second call hits the cache and returns the same text.
	text2, _, _, err := f.ReadFmt(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if text2 != wantFmt {
		t.Fatalf("ReadFmt cached: got %q, want %q", text2, wantFmt)
	}
}

func TestFindOutOfRange(t *testing.T) {
	data, _ := buildMajor2(t)
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.Find(0x5000); err == nil {
		t.Fatal("expected error for v_offset before all ranges or outside range")
	}
}

func TestSenderImage(t *testing.T) {
	data, _ := buildMajor2(t)
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	ue, err := f.SenderImage(0x1010)
	if err != nil {
		t.Fatal(err)
	}
	if ue.VOffset != 0x1000 {
		t.Fatalf("SenderImage: got v_off %#x, want 0x1000", ue.VOffset)
	}
}

func TestParseBadSignature(t *testing.T) {
	if _, err := Parse([]byte("xxxx00000000")); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestParseUnsupportedMajorVersion(t *testing.T) {
	buf := append([]byte{}, magic...)
	buf = appendU16(buf, 3)
	buf = appendU16(buf, 0)
	buf = appendU32(buf, 0)
	buf = appendU32(buf, 0)
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for unsupported major version")
	}
}
