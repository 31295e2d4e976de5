package vaultzip

import (
	"bytes"
	"testing"
)

// TestE2EStoreOnlyRoundTrip exercises the fully-specified store-only
// scenario: two Stored entries, "a.txt"->"hello" and "b.txt"->"", with
// a.txt's LFH at offset 0 and its payload bytes and CRC matching the
// known values for the literal string "hello".
func TestE2EStoreOnlyRoundTrip(t *testing.T) {
	c := NewContainer(WithCompressionMethod(MethodStored))
	c.AddBytes("a.txt", []byte("hello"))
	c.AddBytes("b.txt", nil)

	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}

	// LFH signature at offset 0.
	if leUint32(b[0:4]) != sigLocalFile {
		t.Fatalf("byte 0 is not a local file header signature")
	}

	r, err := NewReaderFromBytes(b)
	if err != nil {
		t.Fatalf("NewReaderFromBytes() = %v", err)
	}
	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(Entries()) = %d, want 2", len(entries))
	}

	a := entries[0]
	if a.Name != "a.txt" {
		t.Fatalf("entries[0].Name = %q, want a.txt", a.Name)
	}
	if a.localHeaderOffset != 0 {
		t.Fatalf("a.txt localHeaderOffset = %d, want 0", a.localHeaderOffset)
	}
	if a.CRC32 != 0x3610a686 {
		t.Fatalf("a.txt CRC32 = %#x, want 0x3610a686", a.CRC32)
	}
	got, err := r.Contents(a)
	if err != nil {
		t.Fatalf("Contents(a.txt) = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Contents(a.txt) = %q, want %q", got, "hello")
	}

	bEntry := entries[1]
	if bEntry.Name != "b.txt" || bEntry.UncompressedSize != 0 || bEntry.CRC32 != 0 {
		t.Fatalf("b.txt = %+v, want empty zero-CRC entry", bEntry)
	}
}

func TestE2EDeflateAutoMethod(t *testing.T) {
	c := NewContainer()
	line := "test;test2;test3\n"
	var payload bytes.Buffer
	for i := 0; i < 1000; i++ {
		payload.WriteString(line)
	}
	c.AddBytes("codes.csv", payload.Bytes())

	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	r, err := NewReaderFromBytes(b)
	if err != nil {
		t.Fatalf("NewReaderFromBytes() = %v", err)
	}
	e := r.Entries()[0]
	if e.Method != MethodDeflate {
		t.Fatalf("Method = %d, want MethodDeflate", e.Method)
	}
	if e.CompressedSize >= e.UncompressedSize {
		t.Fatalf("CompressedSize %d should be less than UncompressedSize %d", e.CompressedSize, e.UncompressedSize)
	}
	got, err := r.Contents(e)
	if err != nil {
		t.Fatalf("Contents() = %v", err)
	}
	if !bytes.Equal(got, payload.Bytes()) {
		t.Fatal("decompressed content doesn't match input")
	}
}

func TestE2EWinZipAES256WithDeflate(t *testing.T) {
	c := NewContainer()
	line := "test;test2;test3\n"
	var payload bytes.Buffer
	for i := 0; i < 1000; i++ {
		payload.WriteString(line)
	}
	c.AddBytes("codes.csv", payload.Bytes())
	c.SetPassword("p", EncAES256)

	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	r, err := NewReaderFromBytes(b)
	if err != nil {
		t.Fatalf("NewReaderFromBytes() = %v", err)
	}
	e := r.Entries()[0]
	if e.Flags&0x1 == 0 {
		t.Fatal("general-purpose bit 0 should be set for an encrypted entry")
	}
	if e.Encryption != EncAES256 {
		t.Fatalf("Encryption = %v, want EncAES256", e.Encryption)
	}
	wz, ok := e.Extra.Find(extraIDWinZipAES)
	if !ok {
		t.Fatal("WinZip-AES extra field missing")
	}
	w := wz.(*WinZipAESExtra)
	if w.KeyStrength != 3 {
		t.Fatalf("KeyStrength = %d, want 3", w.KeyStrength)
	}

	e.SetPassword("wrong", EncAES256)
	if _, err := r.Contents(e); !Is(err, KindAuthFail) {
		t.Fatalf("wrong password err = %v, want KindAuthFail", err)
	}

	e.SetPassword("p", EncAES256)
	got, err := r.Contents(e)
	if err != nil {
		t.Fatalf("Contents() with correct password = %v", err)
	}
	if !bytes.Equal(got, payload.Bytes()) {
		t.Fatal("content mismatch after correct-password decrypt")
	}
}

func TestE2EPKWAREPerEntryPassword(t *testing.T) {
	c := NewContainer()
	c.AddBytes(".hidden", []byte("hidden secret"))
	c.SetPasswordEntry(".hidden", "P1", EncPKWARE)
	c.AddBytes("text.txt", []byte("aes secret"))
	c.SetPasswordEntry("text.txt", "P2", EncAES256)
	c.AddBytes("notes.txt", []byte("public notes"))

	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	r, err := NewReaderFromBytes(b)
	if err != nil {
		t.Fatalf("NewReaderFromBytes() = %v", err)
	}

	hidden, _ := r.entryByName(".hidden")
	hidden.SetPassword("wrong", EncPKWARE)
	if _, err := r.Contents(hidden); !Is(err, KindAuthFail) {
		t.Fatalf(".hidden wrong password err = %v, want KindAuthFail", err)
	}

	text, _ := r.entryByName("text.txt")
	text.SetPassword("wrong", EncAES256)
	if _, err := r.Contents(text); !Is(err, KindAuthFail) {
		t.Fatalf("text.txt wrong password err = %v, want KindAuthFail", err)
	}

	notes, _ := r.entryByName("notes.txt")
	got, err := r.Contents(notes)
	if err != nil {
		t.Fatalf("notes.txt Contents() = %v", err)
	}
	if string(got) != "public notes" {
		t.Fatalf("notes.txt Contents() = %q", got)
	}

	hidden.SetPassword("P1", EncPKWARE)
	text.SetPassword("P2", EncAES256)
	for _, e := range []*Entry{hidden, text, notes} {
		if _, err := r.Contents(e); err != nil {
			t.Fatalf("%s: Contents() with correct password = %v", e.Name, err)
		}
	}
}

func TestE2EZip64Upgrade(t *testing.T) {
	c := NewContainer()
	const n = 65536
	for i := 0; i < n; i++ {
		c.AddBytes(dirIndexName(i), []byte("x"))
	}
	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	r, err := NewReaderFromBytes(b)
	if err != nil {
		t.Fatalf("NewReaderFromBytes() = %v", err)
	}
	if len(r.Entries()) != n {
		t.Fatalf("len(Entries()) = %d, want %d", len(r.Entries()), n)
	}
}

func dirIndexName(i int) string {
	digits := []byte{byte('0' + i/10000%10), byte('0' + i/1000%10), byte('0' + i/100%10), byte('0' + i/10%10), byte('0' + i%10)}
	return "f" + string(digits)
}

func TestE2EZipAlign(t *testing.T) {
	c := NewContainer()
	c.SetZipAlign(4)
	c.AddBytes("lib/a.so", []byte("native code"))
	e1, _ := c.Get("lib/a.so")
	e1.Method = MethodStored
	c.AddBytes("meta.txt", []byte("m"))
	e2, _ := c.Get("meta.txt")
	e2.Method = MethodStored

	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	r, err := NewReaderFromBytes(b)
	if err != nil {
		t.Fatalf("NewReaderFromBytes() = %v", err)
	}
	for _, e := range r.Entries() {
		lfhBuf := make([]byte, 30)
		r.ra.ReadAt(lfhBuf, int64(e.localHeaderOffset))
		rb := readBuf(lfhBuf[26:])
		nameLen := rb.uint16()
		extraLen := rb.uint16()
		dataOffset := int64(e.localHeaderOffset) + 30 + int64(nameLen) + int64(extraLen)
		switch e.Name {
		case "lib/a.so":
			if dataOffset%4096 != 0 {
				t.Fatalf("lib/a.so dataOffset = %d, not 4096-aligned", dataOffset)
			}
		case "meta.txt":
			if dataOffset%4 != 0 {
				t.Fatalf("meta.txt dataOffset = %d, not 4-aligned", dataOffset)
			}
		}
	}
}
