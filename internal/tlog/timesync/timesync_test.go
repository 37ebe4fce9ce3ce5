package timesync

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func buildBootRecord(t *testing.T, bootUUID uuid.UUID, items []Item) []byte {
	t.Helper()
	buf := make([]byte, 0, headerSize+len(items)*itemSize)
	buf = append(buf, magic...)
	raw, err := bootUUID.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	buf = append(buf, raw...)
	buf = appendU32(buf, 1)
	buf = appendU32(buf, 1)
	buf = appendU64(buf, 1000)
	buf = appendU64(buf, 0)
	for _, it := range items {
		buf = appendU64(buf, it.ContinuousTime)
		buf = appendU64(buf, uint64(it.WallClockStampNS))
		buf = appendU32(buf, it.Numerator)
		buf = appendU32(buf, it.Denominator)
	}
	return buf
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

func TestParseRoundTrip(t *testing.T) {
	bootUUID := uuid.New()
	items := []Item{
		{ContinuousTime: 300, WallClockStampNS: 3000, Numerator: 1, Denominator: 1},
		{ContinuousTime: 100, WallClockStampNS: 1000, Numerator: 1, Denominator: 1},
		{ContinuousTime: 200, WallClockStampNS: 2000, Numerator: 1, Denominator: 1},
	}
	data := buildBootRecord(t, bootUUID, items)

	boot, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if boot.BootUUID != bootUUID {
		t.Fatalf("BootUUID: got %s, want %s", boot.BootUUID, bootUUID)
	}
	if len(boot.Items) != 3 {
		t.Fatalf("Items: got %d, want 3", len(boot.Items))
	}
	// sorted by ContinuousTime ascending.
	for i := 1; i < len(boot.Items); i++ {
		if boot.Items[i-1].ContinuousTime > boot.Items[i].ContinuousTime {
			t.Fatalf("Items not sorted: %+v", boot.Items)
		}
	}
}

func TestParseBadSignature(t *testing.T) {
	data := append([]byte("XXXX"), make([]byte, headerSize-4)...)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestParseTooShort(t *testing.T) {
	if _, err := Parse([]byte("TSYN")); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestStoreLoadDirSkipsAppleDoubleAndEmpty(t *testing.T) {
	dir := t.TempDir()
	bootUUID := uuid.New()
	good := buildBootRecord(t, bootUUID, []Item{{ContinuousTime: 0, WallClockStampNS: 0, Numerator: 1, Denominator: 1}})

	if err := os.WriteFile(filepath.Join(dir, "0000000000000001.timesync"), good, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "._0000000000000001.timesync"), []byte{0x01, 0x02}, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.timesync"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore()
	if err := store.LoadDir(dir); err != nil {
		t.Fatal(err)
	}

	items, err := store.Resolve(bootUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("Resolve: got %d items, want 1", len(items))
	}
}

func TestStoreResolveMissingBoot(t *testing.T) {
	store := NewStore()
	if _, err := store.Resolve(uuid.New()); err == nil {
		t.Fatal("expected TimesyncMissing error for unknown boot uuid")
	}
}

func TestClosest(t *testing.T) {
	items := []Item{
		{ContinuousTime: 100, WallClockStampNS: 1000},
		{ContinuousTime: 200, WallClockStampNS: 2000},
		{ContinuousTime: 300, WallClockStampNS: 3000},
	}

	got, err := Closest(items, 250)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContinuousTime != 200 {
		t.Fatalf("Closest(250): got ct=%d, want 200", got.ContinuousTime)
	}

	// ct precedes all items: falls back to the first.
	got, err = Closest(items, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContinuousTime != 100 {
		t.Fatalf("Closest(0): got ct=%d, want 100 (first item)", got.ContinuousTime)
	}

	// exact match.
	got, err = Closest(items, 300)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContinuousTime != 300 {
		t.Fatalf("Closest(300): got ct=%d, want 300", got.ContinuousTime)
	}
}

func TestClosestEmpty(t *testing.T) {
	if _, err := Closest(nil, 10); err == nil {
		t.Fatal("expected error for empty item list")
	}
}

func TestWallClock(t *testing.T) {
	item := Item{ContinuousTime: 1000, WallClockStampNS: 5_000_000_000, Numerator: 1, Denominator: 1}
	got := WallClock(item, 1500)
	want := int64(5_000_000_000 + 500)
	if got.UnixNano() != want {
		t.Fatalf("WallClock: got %d, want %d", got.UnixNano(), want)
	}
}

func TestWallClockBeforeStamp(t *testing.T) {
	item := Item{ContinuousTime: 1000, WallClockStampNS: 5_000_000_000, Numerator: 1, Denominator: 1}
	got := WallClock(item, 500)
	want := int64(5_000_000_000 - 500)
	if got.UnixNano() != want {
		t.Fatalf("WallClock before stamp: got %d, want %d", got.UnixNano(), want)
	}
}

func TestWallClockZeroDenominator(t *testing.T) {
	item := Item{ContinuousTime: 0, WallClockStampNS: 0, Numerator: 1, Denominator: 0}
	// must not panic on divide-by-zero; denominator clamps to 1.
	got := WallClock(item, 10)
	if got.UnixNano() != 10 {
		t.Fatalf("WallClock zero denominator: got %d, want 10", got.UnixNano())
	}
}
