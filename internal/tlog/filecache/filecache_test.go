package filecache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
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

func minimalDSC() []byte {
	buf := append([]byte{}, 'h', 'c', 's', 'd')
	buf = appendU16(buf, 1) // major
	buf = appendU16(buf, 0) // minor
	buf = appendU32(buf, 0) // numRange
	buf = appendU32(buf, 0) // numUUID
	return buf
}

func minimalUUIDText(libPath string) []byte {
	buf := append([]byte{}, 'U', 'U', 'T', 'X')
	buf = appendU32(buf, 0) // unknown/flags
	buf = appendU32(buf, 0) // entryCount
	buf = append(buf, []byte(libPath)...)
	buf = append(buf, 0)
	return buf
}

func TestLoadDSCsAndDSC(t *testing.T) {
	root := t.TempDir()
	dscDir := filepath.Join(root, "dsc")
	if err := os.MkdirAll(dscDir, 0755); err != nil {
		t.Fatal(err)
	}
	const uuid = "1111111122223333444455556666AAAA"
	if err := os.WriteFile(filepath.Join(dscDir, uuid), minimalDSC(), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dscDir, "._"+uuid), []byte{1, 2}, 0644); err != nil {
		t.Fatal(err)
	}

	c := New(root)
	if err := c.LoadDSCs(); err != nil {
		t.Fatal(err)
	}

	f, ok := c.DSC(uuid)
	if !ok {
		t.Fatal("expected dsc file to be loaded")
	}
	if f.Major != 1 {
		t.Fatalf("Major: got %d", f.Major)
	}

	// case-insensitive lookup.
	if _, ok := c.DSC("1111111122223333444455556666aaaa"); !ok {
		t.Fatal("DSC lookup should be case-insensitive")
	}
}

func TestLoadDSCsMissingDir(t *testing.T) {
	c := New(t.TempDir())
	if err := c.LoadDSCs(); err != nil {
		t.Fatalf("missing dsc dir should not be an error: %v", err)
	}
}

func TestUUIDTextLazyLoadAndMemoize(t *testing.T) {
	root := t.TempDir()
	const uuidStr = "AAAABBBBCCCCDDDDEEEEFFFF00001111"
	subdir := filepath.Join(root, uuidStr[:2])
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(subdir, uuidStr[2:]), minimalUUIDText("/usr/lib/libfoo.dylib"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(root)
	f, err := c.UUIDText(uuidStr)
	if err != nil {
		t.Fatal(err)
	}
	if f.LibraryPath != "/usr/lib/libfoo.dylib" {
		t.Fatalf("LibraryPath: got %q", f.LibraryPath)
	}

	// second call hits the memoized entry, not the filesystem.
	f2, err := c.UUIDText(uuidStr)
	if err != nil {
		t.Fatal(err)
	}
	if f2 != f {
		t.Fatal("expected memoized *uuidtext.File to be returned on second call")
	}
}

func TestUUIDTextMalformedUUID(t *testing.T) {
	c := New(t.TempDir())
	if _, err := c.UUIDText("tooshort"); err == nil {
		t.Fatal("expected error for malformed uuid string")
	}
}

func TestResolvePrefersDSC(t *testing.T) {
	root := t.TempDir()
	dscDir := filepath.Join(root, "dsc")
	if err := os.MkdirAll(dscDir, 0755); err != nil {
		t.Fatal(err)
	}
	const uuid = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	if err := os.WriteFile(filepath.Join(dscDir, uuid), minimalDSC(), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(root)
	if err := c.LoadDSCs(); err != nil {
		t.Fatal(err)
	}

	dscFile, uuidtextFile, err := c.Resolve(uuid)
	if err != nil {
		t.Fatal(err)
	}
	if dscFile == nil || uuidtextFile != nil {
		t.Fatal("Resolve should prefer the loaded dsc file")
	}
}
