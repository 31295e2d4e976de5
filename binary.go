package vaultzip

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

// writeBuf is a cursor over a byte slice used to pack little-endian fields
// in order, the way the teacher's writer.go does it.
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

func (b *writeBuf) bytes(v []byte) {
	n := copy(*b, v)
	*b = (*b)[n:]
}

// readBuf is the read-side counterpart of writeBuf. Reading past the end of
// the slice panics with a recoverable runtime error; callers that parse
// untrusted input use readBufChecked instead.
type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) sub(n int) readBuf {
	b2 := (*b)[:n]
	*b = (*b)[n:]
	return b2
}

// readBufChecked reads from untrusted archive bytes, returning ok=false
// (instead of panicking) when the requested field would run past end.
type readBufChecked struct {
	b   []byte
	off int
}

func newReadBufChecked(b []byte) *readBufChecked { return &readBufChecked{b: b} }

func (r *readBufChecked) remaining() int { return len(r.b) - r.off }

func (r *readBufChecked) uint16() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, true
}

func (r *readBufChecked) uint32() (uint32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, true
}

func (r *readBufChecked) uint64() (uint64, bool) {
	if r.remaining() < 8 {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, true
}

func (r *readBufChecked) take(n int) ([]byte, bool) {
	if r.remaining() < n {
		return nil, false
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, true
}

// crc32IEEE computes the CRC-32 of b using the standard IEEE 802.3 reflected
// polynomial 0xedb88320, as required by spec.md §4.1.
func crc32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// dosTimeDate packs t into the 16-bit MS-DOS time and date fields used by
// local and central headers: time = (h<<11)|(m<<5)|(s/2),
// date = ((y-1980)<<9)|(mo<<5)|d. Resolution is 2 seconds; years before 1980
// or after 2107 are not clamped: the year subtraction simply wraps, which is
// harmless for any realistic Modified time.
func dosTimeDate(t time.Time) (date uint16, clock uint16) {
	t = t.In(time.UTC)
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	clock = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}

// dosTimeDateToTime is the inverse of dosTimeDate.
func dosTimeDateToTime(date, clock uint16) time.Time {
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(clock>>11),
		int(clock>>5&0x3f),
		int(clock&0x1f)*2,
		0,
		time.UTC,
	)
}
