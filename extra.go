package vaultzip

// Extra-field header IDs recognized by the registry. IDs 0..31 are reserved
// for official PKWARE use; IDs above that are third-party, but pervasive use
// has made several of them de-facto standard. See spec.md §3.
const (
	extraIDZip64        = 0x0001
	extraIDNTFS         = 0x000a
	extraIDOldUnix      = 0x000d
	extraIDExtTimestamp = 0x5455
	extraIDNewUnix      = 0x7875
	extraIDUnicodePath  = 0x7075
	extraIDUnicodeCmt   = 0x6375
	extraIDJar          = 0xcafe
	extraIDAPKAlign     = 0xd935
	extraIDWinZipAES    = 0x9901
)

// ExtraField is a single parsed (or opaque) extra-field record. Concrete
// field types below implement it; OpaqueExtra is the catch-all for IDs this
// registry doesn't know about.
type ExtraField interface {
	id() uint16
	// encode appends this field's wire-format payload (header id, size,
	// data) to dst and returns the result.
	encode(dst []byte) []byte
}

// ExtraFieldList is the ordered collection of extra fields carried by an
// entry, preserving both known, typed fields and unknown, opaque ones in
// their original relative order so that re-serializing an untouched entry
// is byte-for-byte identical to the source.
type ExtraFieldList []ExtraField

// Encode serializes the list back to its wire-format blob.
func (l ExtraFieldList) Encode() []byte {
	var out []byte
	for _, f := range l {
		out = f.encode(out)
	}
	return out
}

// Find returns the first field with the given header ID, if present.
func (l ExtraFieldList) Find(id uint16) (ExtraField, bool) {
	for _, f := range l {
		if f.id() == id {
			return f, true
		}
	}
	return nil, false
}

// Without returns a copy of l with every field of the given ID removed.
func (l ExtraFieldList) Without(id uint16) ExtraFieldList {
	out := make(ExtraFieldList, 0, len(l))
	for _, f := range l {
		if f.id() != id {
			out = append(out, f)
		}
	}
	return out
}

func appendHeader(dst []byte, id, size uint16) []byte {
	var hdr [4]byte
	b := writeBuf(hdr[:])
	b.uint16(id)
	b.uint16(size)
	return append(dst, hdr[:]...)
}

// OpaqueExtra is an extra field whose ID this registry does not parse. Its
// raw payload is preserved verbatim so round-tripping an unmodified entry
// never loses data, per spec.md §4.2's edge policy.
type OpaqueExtra struct {
	ID      uint16
	Payload []byte
}

func (f *OpaqueExtra) id() uint16 { return f.ID }
func (f *OpaqueExtra) encode(dst []byte) []byte {
	dst = appendHeader(dst, f.ID, uint16(len(f.Payload)))
	return append(dst, f.Payload...)
}

// Zip64Extra overlays the size/offset fields that don't fit in the classic
// 32-bit central-directory slots. Which of the four values are present is
// determined by which classic fields held the 0xffffffff/0xffff sentinel —
// the design note in spec.md §9 ("Magic 0xffff / 0xffffffff sentinels")
// requires the host entry's classic values to interpret this field, so
// parsing it is done by decodeZip64 below rather than a context-free codec.
type Zip64Extra struct {
	UncompressedSize *uint64
	CompressedSize   *uint64
	LocalHeaderOffset *uint64
	DiskNumber        *uint32
}

func (f *Zip64Extra) id() uint16 { return extraIDZip64 }

func (f *Zip64Extra) encode(dst []byte) []byte {
	size := 0
	if f.UncompressedSize != nil {
		size += 8
	}
	if f.CompressedSize != nil {
		size += 8
	}
	if f.LocalHeaderOffset != nil {
		size += 8
	}
	if f.DiskNumber != nil {
		size += 4
	}
	dst = appendHeader(dst, extraIDZip64, uint16(size))
	buf := make([]byte, size)
	b := writeBuf(buf)
	if f.UncompressedSize != nil {
		b.uint64(*f.UncompressedSize)
	}
	if f.CompressedSize != nil {
		b.uint64(*f.CompressedSize)
	}
	if f.LocalHeaderOffset != nil {
		b.uint64(*f.LocalHeaderOffset)
	}
	if f.DiskNumber != nil {
		b.uint32(*f.DiskNumber)
	}
	return append(dst, buf...)
}

// decodeZip64 parses a zip64 extra payload given which classic fields were
// sentineled, in central-directory-entry order: uncompressed size,
// compressed size, local header offset, disk number.
func decodeZip64(payload []byte, needUncompressed, needCompressed, needOffset, needDisk bool) *Zip64Extra {
	r := newReadBufChecked(payload)
	f := &Zip64Extra{}
	if needUncompressed {
		if v, ok := r.uint64(); ok {
			f.UncompressedSize = &v
		}
	}
	if needCompressed {
		if v, ok := r.uint64(); ok {
			f.CompressedSize = &v
		}
	}
	if needOffset {
		if v, ok := r.uint64(); ok {
			f.LocalHeaderOffset = &v
		}
	}
	if needDisk {
		if v, ok := r.uint32(); ok {
			f.DiskNumber = &v
		}
	}
	return f
}

// NTFSExtra carries the three FILETIME fields (100ns ticks since
// 1601-01-01 UTC): modify, access, create.
type NTFSExtra struct {
	MTime, ATime, CTime uint64 // raw FILETIME
}

func (f *NTFSExtra) id() uint16 { return extraIDNTFS }

func (f *NTFSExtra) encode(dst []byte) []byte {
	dst = appendHeader(dst, extraIDNTFS, 32)
	buf := make([]byte, 32)
	b := writeBuf(buf)
	b.uint32(0) // reserved
	b.uint16(1) // tag 1: timestamps
	b.uint16(24)
	b.uint64(f.MTime)
	b.uint64(f.ATime)
	b.uint64(f.CTime)
	return append(dst, buf...)
}

func decodeNTFS(payload []byte) *NTFSExtra {
	r := newReadBufChecked(payload)
	if _, ok := r.uint32(); !ok { // reserved
		return nil
	}
	f := &NTFSExtra{}
	for r.remaining() >= 4 {
		tag, _ := r.uint16()
		size, ok := r.uint16()
		if !ok {
			break
		}
		data, ok := r.take(int(size))
		if !ok {
			break
		}
		if tag == 1 && len(data) >= 24 {
			rr := newReadBufChecked(data)
			f.MTime, _ = rr.uint64()
			f.ATime, _ = rr.uint64()
			f.CTime, _ = rr.uint64()
		}
	}
	return f
}

// OldUnixExtra is the legacy 0x000d Unix extra: access/modify epoch seconds
// plus an optional uid/gid pair.
type OldUnixExtra struct {
	AccessTime, ModifyTime uint32
	UID, GID               uint16
	HasOwner               bool
}

func (f *OldUnixExtra) id() uint16 { return extraIDOldUnix }

func (f *OldUnixExtra) encode(dst []byte) []byte {
	size := 8
	if f.HasOwner {
		size += 4
	}
	dst = appendHeader(dst, extraIDOldUnix, uint16(size))
	buf := make([]byte, size)
	b := writeBuf(buf)
	b.uint32(f.AccessTime)
	b.uint32(f.ModifyTime)
	if f.HasOwner {
		b.uint16(f.UID)
		b.uint16(f.GID)
	}
	return append(dst, buf...)
}

func decodeOldUnix(payload []byte) *OldUnixExtra {
	r := newReadBufChecked(payload)
	f := &OldUnixExtra{}
	var ok bool
	if f.AccessTime, ok = r.uint32(); !ok {
		return nil
	}
	if f.ModifyTime, ok = r.uint32(); !ok {
		return nil
	}
	if r.remaining() >= 4 {
		f.UID, _ = r.uint16()
		f.GID, _ = r.uint16()
		f.HasOwner = true
	}
	return f
}

// ExtTimestampExtra is 0x5455: up to three optional epoch-second
// timestamps, gated by flag bits (1=mtime, 2=atime, 4=ctime). The
// central-directory copy conventionally carries only mtime.
type ExtTimestampExtra struct {
	Flags              uint8
	ModTime            uint32
	AccessTime         uint32
	CreateTime         uint32
	HasAccess, HasCreate bool
}

func (f *ExtTimestampExtra) id() uint16 { return extraIDExtTimestamp }

func (f *ExtTimestampExtra) encode(dst []byte) []byte {
	size := 1 + 4
	if f.HasAccess {
		size += 4
	}
	if f.HasCreate {
		size += 4
	}
	dst = appendHeader(dst, extraIDExtTimestamp, uint16(size))
	buf := make([]byte, size)
	b := writeBuf(buf)
	b.uint8(f.Flags)
	b.uint32(f.ModTime)
	if f.HasAccess {
		b.uint32(f.AccessTime)
	}
	if f.HasCreate {
		b.uint32(f.CreateTime)
	}
	return append(dst, buf...)
}

func decodeExtTimestamp(payload []byte) *ExtTimestampExtra {
	r := newReadBufChecked(payload)
	f := &ExtTimestampExtra{}
	flags, ok := func() (uint8, bool) {
		b, ok := r.take(1)
		if !ok {
			return 0, false
		}
		return b[0], true
	}()
	if !ok {
		return nil
	}
	f.Flags = flags
	if flags&0x1 != 0 {
		if v, ok := r.uint32(); ok {
			f.ModTime = v
		}
	}
	if flags&0x2 != 0 {
		if v, ok := r.uint32(); ok {
			f.AccessTime = v
			f.HasAccess = true
		}
	}
	if flags&0x4 != 0 {
		if v, ok := r.uint32(); ok {
			f.CreateTime = v
			f.HasCreate = true
		}
	}
	return f
}

// NewUnixExtra is 0x7875: version-tagged variable-length uid/gid.
type NewUnixExtra struct {
	Version uint8
	UID     uint64
	GID     uint64
}

func (f *NewUnixExtra) id() uint16 { return extraIDNewUnix }

func (f *NewUnixExtra) encode(dst []byte) []byte {
	// Encode uid/gid as 4-byte fields, or 8-byte fields for values above
	// 32 bits, matching common practice for typical host IDs.
	uidBytes := uintMinBytes(f.UID)
	gidBytes := uintMinBytes(f.GID)
	size := 3 + len(uidBytes) + len(gidBytes)
	dst = appendHeader(dst, extraIDNewUnix, uint16(size))
	buf := make([]byte, 0, size)
	buf = append(buf, f.Version, byte(len(uidBytes)))
	buf = append(buf, uidBytes...)
	buf = append(buf, byte(len(gidBytes)))
	buf = append(buf, gidBytes...)
	return append(dst, buf...)
}

func uintMinBytes(v uint64) []byte {
	n := 4
	switch {
	case v > 0xffffffff:
		n = 8
	case v > 0xffff:
		n = 4
	default:
		n = 4
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeNewUnix(payload []byte) *NewUnixExtra {
	if len(payload) < 3 {
		return nil
	}
	f := &NewUnixExtra{Version: payload[0]}
	off := 1
	uidLen := int(payload[off])
	off++
	if off+uidLen > len(payload) {
		return nil
	}
	f.UID = leToUint64(payload[off : off+uidLen])
	off += uidLen
	if off >= len(payload) {
		return f
	}
	gidLen := int(payload[off])
	off++
	if off+gidLen > len(payload) {
		return nil
	}
	f.GID = leToUint64(payload[off : off+gidLen])
	return f
}

func leToUint64(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}
	return v
}

// UnicodeExtra is shared by 0x7075 (path) and 0x6375 (comment): a version
// byte (must be 1), the CRC-32 of the legacy-encoded string, and the UTF-8
// replacement.
type UnicodeExtra struct {
	isComment bool
	Version   uint8
	CRC32     uint32
	Value     string
}

func (f *UnicodeExtra) id() uint16 {
	if f.isComment {
		return extraIDUnicodeCmt
	}
	return extraIDUnicodePath
}

func (f *UnicodeExtra) encode(dst []byte) []byte {
	size := 5 + len(f.Value)
	dst = appendHeader(dst, f.id(), uint16(size))
	buf := make([]byte, 5, size)
	b := writeBuf(buf)
	b.uint8(f.Version)
	b.uint32(f.CRC32)
	return append(append(dst, buf...), f.Value...)
}

// decodeUnicode parses a unicode path/comment extra. It returns nil
// (instead of an error) when the version isn't 1, per spec.md §4.2: callers
// fall back to the legacy name silently.
func decodeUnicode(payload []byte, isComment bool) *UnicodeExtra {
	if len(payload) < 5 {
		return nil
	}
	r := newReadBufChecked(payload)
	verB, _ := r.take(1)
	version := verB[0]
	if version != 1 {
		return nil
	}
	crc, _ := r.uint32()
	rest := payload[5:]
	return &UnicodeExtra{isComment: isComment, Version: version, CRC32: crc, Value: string(rest)}
}

// Stale reports whether this unicode override no longer matches its
// legacy counterpart's CRC-32, per spec.md §4.2: "When the stored CRC-32 of
// the legacy name does not equal the current legacy name's CRC-32, the
// unicode override is considered stale and must be ignored."
func (f *UnicodeExtra) Stale(legacy string) bool {
	return crc32IEEE([]byte(legacy)) != f.CRC32
}

// JarMarkerExtra is 0xcafe: a zero-length marker whose mere presence is the
// signal (used by some Java tooling to flag an executable jar).
type JarMarkerExtra struct{}

func (f *JarMarkerExtra) id() uint16            { return extraIDJar }
func (f *JarMarkerExtra) encode(dst []byte) []byte { return appendHeader(dst, extraIDJar, 0) }

// APKAlignExtra is 0xd935: an alignment multiple plus the padding bytes
// needed to reach it, Android's zip-align convention.
type APKAlignExtra struct {
	Align   uint16
	Padding []byte
}

func (f *APKAlignExtra) id() uint16 { return extraIDAPKAlign }

func (f *APKAlignExtra) encode(dst []byte) []byte {
	size := 2 + len(f.Padding)
	dst = appendHeader(dst, extraIDAPKAlign, uint16(size))
	var head [2]byte
	hb := writeBuf(head[:])
	hb.uint16(f.Align)
	dst = append(dst, head[:]...)
	return append(dst, f.Padding...)
}

func decodeAPKAlign(payload []byte) *APKAlignExtra {
	if len(payload) < 2 {
		return nil
	}
	rb := readBuf(payload)
	align := rb.uint16()
	return &APKAlignExtra{Align: align, Padding: append([]byte(nil), payload[2:]...)}
}

// WinZipAESExtra is 0x9901: the vendor-tagged envelope that replaces an
// AES-encrypted entry's on-disk method (always 99) with the real method and
// key strength, per spec.md §3/§4.6.3.
type WinZipAESExtra struct {
	VendorVersion uint16 // 1 = AE-1, 2 = AE-2
	KeyStrength   uint8  // 1=128, 2=192, 3=256
	ActualMethod  uint16
}

func (f *WinZipAESExtra) id() uint16 { return extraIDWinZipAES }

func (f *WinZipAESExtra) encode(dst []byte) []byte {
	dst = appendHeader(dst, extraIDWinZipAES, 7)
	var buf [7]byte
	b := writeBuf(buf[:])
	b.uint16(f.VendorVersion)
	b.bytes([]byte("AE"))
	b.uint8(f.KeyStrength)
	b.uint16(f.ActualMethod)
	return append(dst, buf[:]...)
}

func decodeWinZipAES(payload []byte) *WinZipAESExtra {
	if len(payload) < 7 {
		return nil
	}
	r := readBuf(payload)
	version := r.uint16()
	_ = r.sub(2) // vendor id "AE"
	strength := r.uint8()
	method := r.uint16()
	return &WinZipAESExtra{VendorVersion: version, KeyStrength: strength, ActualMethod: method}
}

// parseExtraOpts carries the classic-field sentinel state the zip64 codec
// needs, per spec.md §9's "Magic 0xffff / 0xffffffff sentinels" note.
type parseExtraOpts struct {
	needZip64Uncompressed bool
	needZip64Compressed   bool
	needZip64Offset       bool
	needZip64Disk         bool
}

// parseExtra decodes a raw extra-field blob into an ExtraFieldList. Per
// spec.md §4.2, if a record's declared size would overrun the blob, parsing
// stops silently rather than failing; everything already parsed is kept and
// the rest of the blob is dropped only once the entry is actually mutated
// (callers that want byte-exact preservation of unmodified entries should
// keep the original raw bytes alongside, see entry.go).
func parseExtra(raw []byte, opts parseExtraOpts) ExtraFieldList {
	var list ExtraFieldList
	off := 0
	for off+4 <= len(raw) {
		id := leUint16(raw[off:])
		size := int(leUint16(raw[off+2:]))
		off += 4
		if off+size > len(raw) {
			break
		}
		payload := raw[off : off+size]
		off += size

		switch id {
		case extraIDZip64:
			list = append(list, decodeZip64(payload, opts.needZip64Uncompressed, opts.needZip64Compressed, opts.needZip64Offset, opts.needZip64Disk))
		case extraIDNTFS:
			if f := decodeNTFS(payload); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDOldUnix:
			if f := decodeOldUnix(payload); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDExtTimestamp:
			if f := decodeExtTimestamp(payload); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDNewUnix:
			if f := decodeNewUnix(payload); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDUnicodePath:
			if f := decodeUnicode(payload, false); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDUnicodeCmt:
			if f := decodeUnicode(payload, true); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDJar:
			list = append(list, &JarMarkerExtra{})
		case extraIDAPKAlign:
			if f := decodeAPKAlign(payload); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		case extraIDWinZipAES:
			if f := decodeWinZipAES(payload); f != nil {
				list = append(list, f)
			} else {
				list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
			}
		default:
			list = append(list, &OpaqueExtra{ID: id, Payload: append([]byte(nil), payload...)})
		}
	}
	return list
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
