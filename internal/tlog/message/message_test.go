package message

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/arjunv/unifiedlog/internal/tlog/logdata"
)

func u32Item(v uint32) logdata.Item {
	return logdata.Item{Type: 0x00, Size: 4, Data: []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
	}}
}

func TestReconstructIntegerAndString(t *testing.T) {
	items := []logdata.Item{
		u32Item(42),
		{Type: 0x20, Size: 5, Data: []byte("hello")},
	}
	got := Reconstruct("count=%d name=%s", items)
	want := "count=42 name=hello"
	if got != want {
		t.Fatalf("Reconstruct: got %q, want %q", got, want)
	}
}

func TestReconstructLiteralPercent(t *testing.T) {
	got := Reconstruct("100%% done", nil)
	if got != "100% done" {
		t.Fatalf("Reconstruct literal percent: got %q", got)
	}
}

func TestReconstructMissingData(t *testing.T) {
	got := Reconstruct("value=%d", nil)
	if got != "value=<decode: missing data>" {
		t.Fatalf("Reconstruct missing data: got %q", got)
	}
}

func TestReconstructPrivateEmptyItem(t *testing.T) {
	items := []logdata.Item{{Type: 0x21, Size: 0}}
	got := Reconstruct("secret=%s", items)
	if got != "secret=<private>" {
		t.Fatalf("Reconstruct private empty item: got %q", got)
	}
}

func TestReconstructNullObjectItem(t *testing.T) {
	items := []logdata.Item{{Type: 0x40, Size: 0}}
	got := Reconstruct("obj=%s", items)
	if got != "obj=(null)" {
		t.Fatalf("Reconstruct null object item: got %q", got)
	}
}

func TestReconstructCustomUUID(t *testing.T) {
	u := uuid.New()
	raw, _ := u.MarshalBinary()
	items := []logdata.Item{{Type: 0x00, Size: 16, Data: raw}}
	got := Reconstruct("id=%{uuid_t}@", items)
	want := "id=" + strings.ToUpper(u.String())
	if got != want {
		t.Fatalf("Reconstruct custom uuid_t: got %q, want %q", got, want)
	}
}

func TestReconstructCustomMaskHash(t *testing.T) {
	items := []logdata.Item{{Type: 0x00, Size: 3, Data: []byte{0x01, 0x02, 0x03}}}
	got := Reconstruct("hashed=%{mask.hash}@", items)
	if !strings.Contains(got, "mask.hash:") {
		t.Fatalf("Reconstruct mask.hash: got %q", got)
	}
}

func TestReconstructBinaryStringFallsBackToHex(t *testing.T) {
	items := []logdata.Item{{Type: 0x20, Size: 2, Data: []byte{0xFF, 0xFE}}}
	got := Reconstruct("data=%s", items)
	if got != "data=fffe" {
		t.Fatalf("Reconstruct binary fallback: got %q", got)
	}
}

func TestSqliteResultName(t *testing.T) {
	if got := sqliteResultName(0); got != "SQLITE_OK" {
		t.Fatalf("sqliteResultName(0): got %q", got)
	}
	if got := sqliteResultName(100); got != "SQLITE_ROW" {
		t.Fatalf("sqliteResultName(100): got %q", got)
	}
	if got := sqliteResultName(9999); !strings.Contains(got, "unknown") {
		t.Fatalf("sqliteResultName(9999): got %q", got)
	}
}

func TestRenderCLClientState(t *testing.T) {
	data := make([]byte, 8)
	data[0] = 1 // enabled=1
	data[4] = 1 // restricted=true
	got := renderCLClientState(data)
	want := "{locationServicesEnabledStatus: 1, locationRestricted: true}"
	if got != want {
		t.Fatalf("renderCLClientState: got %q, want %q", got, want)
	}
}
