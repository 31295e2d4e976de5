package vaultzip

import (
	"os"
	"strings"
	"testing"
)

func TestNewDirEntry(t *testing.T) {
	e := NewDirEntry("photos")
	if e.Name != "photos/" {
		t.Fatalf("Name = %q, want %q", e.Name, "photos/")
	}
	if !e.IsDir() {
		t.Fatal("IsDir should be true")
	}
	e2 := NewDirEntry("videos/")
	if e2.Name != "videos/" {
		t.Fatalf("Name = %q, want unchanged %q", e2.Name, "videos/")
	}
}

func TestSetNameTooLong(t *testing.T) {
	e := &Entry{}
	long := strings.Repeat("a", uint16Max+1)
	if err := e.SetName(long); !Is(err, KindInvalidName) {
		t.Fatalf("err = %v, want KindInvalidName", err)
	}
}

func TestSetLevelValidatesRange(t *testing.T) {
	e := &Entry{}
	for _, ok := range []int{-1, 1, 5, 9} {
		if err := e.SetLevel(ok); err != nil {
			t.Fatalf("SetLevel(%d) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []int{0, -2, 10, 100} {
		if err := e.SetLevel(bad); !Is(err, KindInvalidLevel) {
			t.Fatalf("SetLevel(%d) = %v, want KindInvalidLevel", bad, err)
		}
	}
}

func TestSetPasswordAndClear(t *testing.T) {
	e := &Entry{}
	if err := e.SetPassword("hunter2", EncAES256); err != nil {
		t.Fatalf("SetPassword = %v", err)
	}
	pwd, ok := e.Password()
	if !ok || pwd != "hunter2" {
		t.Fatalf("Password() = %q, %v, want hunter2, true", pwd, ok)
	}
	if e.Encryption != EncAES256 {
		t.Fatalf("Encryption = %v, want EncAES256", e.Encryption)
	}
	if err := e.SetPassword("", EncNone); err != nil {
		t.Fatalf("SetPassword(EncNone) = %v", err)
	}
	if _, ok := e.Password(); ok {
		t.Fatal("Password() should report unset after clearing")
	}
}

func TestSetPasswordUnsupportedMethod(t *testing.T) {
	e := &Entry{}
	if err := e.SetPassword("x", EncryptionMethod(99)); !Is(err, KindUnsupportedEncryption) {
		t.Fatalf("err = %v, want KindUnsupportedEncryption", err)
	}
}

func TestModeSetModeUnixRoundTrip(t *testing.T) {
	e := &Entry{}
	want := os.FileMode(0755) | os.ModeSymlink
	e.SetMode(want)
	if got := e.Mode(); got != want {
		t.Fatalf("Mode() = %v, want %v", got, want)
	}
	if !e.IsSymlink() {
		t.Fatal("IsSymlink should be true for a symlink mode")
	}
}

func TestModeSetModeRegularFile(t *testing.T) {
	e := &Entry{}
	want := os.FileMode(0644)
	e.SetMode(want)
	if got := e.Mode(); got != want {
		t.Fatalf("Mode() = %v, want %v", got, want)
	}
	if e.IsSymlink() {
		t.Fatal("IsSymlink should be false for a regular file")
	}
}

func TestModeSetModeReadOnlySetsDOSBit(t *testing.T) {
	e := &Entry{}
	e.SetMode(os.FileMode(0444))
	if e.ExternalAttrs&msdosReadOnly == 0 {
		t.Fatal("read-only unix mode should set the DOS read-only bit")
	}
}

func TestMinExtractVersion(t *testing.T) {
	cases := []struct {
		method     uint16
		encryption EncryptionMethod
		zip64      bool
		want       uint16
	}{
		{MethodDeflate, EncNone, false, verDeflate},
		{MethodBzip2, EncNone, false, verBzip2},
		{MethodDeflate, EncNone, true, verZip64},
		{MethodDeflate, EncAES256, false, verAES},
		{MethodBzip2, EncAES256, true, verAES},
	}
	for _, c := range cases {
		e := &Entry{Method: c.method, Encryption: c.encryption}
		if got := e.minExtractVersion(c.zip64); got != c.want {
			t.Fatalf("minExtractVersion(method=%d, enc=%v, zip64=%v) = %d, want %d",
				c.method, c.encryption, c.zip64, got, c.want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := &Entry{Name: "a", Extra: ExtraFieldList{&JarMarkerExtra{}}, rawExtra: []byte{1, 2, 3}}
	c := e.Clone()
	c.Name = "b"
	c.Extra = append(c.Extra, &JarMarkerExtra{})
	c.rawExtra[0] = 99

	if e.Name != "a" {
		t.Fatalf("original Name mutated: %q", e.Name)
	}
	if len(e.Extra) != 1 {
		t.Fatalf("original Extra mutated: len=%d", len(e.Extra))
	}
	if e.rawExtra[0] != 1 {
		t.Fatalf("original rawExtra mutated: %v", e.rawExtra)
	}
}

func TestRequiresZip64(t *testing.T) {
	e := &Entry{CompressedSize: uint32Max + 1}
	if !e.RequiresZip64(false) {
		t.Fatal("RequiresZip64 should be true when CompressedSize overflows 32 bits")
	}
	small := &Entry{CompressedSize: 10, UncompressedSize: 10}
	if small.RequiresZip64(false) {
		t.Fatal("RequiresZip64 should be false for small sizes with no entry-count overflow")
	}
	if !small.RequiresZip64(true) {
		t.Fatal("RequiresZip64 should be true when the container needs zip64 for entry count")
	}
}

func TestRequiresDataDescriptor(t *testing.T) {
	e := &Entry{payload: &streamPayload{}}
	if !e.RequiresDataDescriptor() {
		t.Fatal("a streamPayload has unknown size and should require a data descriptor")
	}
	e2 := &Entry{payload: &bytesPayload{data: []byte("x")}}
	if e2.RequiresDataDescriptor() {
		t.Fatal("a bytesPayload has a known size and shouldn't require a data descriptor")
	}
}
