package vaultzip

import (
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"sync/atomic"

	"github.com/vaultzip/vaultzip/internal/engine"
)

const (
	sigLocalFile      = 0x04034b50
	sigCentralFile    = 0x02014b50
	sigEOCD           = 0x06054b50
	sigZip64EOCD      = 0x06064b50
	sigZip64Locator   = 0x07064b50
	sigDataDescriptor = 0x08074b50
)

const (
	eocdMinSize    = 22
	eocdMaxComment = uint16Max
	eocdScanWindow = eocdMinSize + eocdMaxComment
)

// Reader gives read access to an archive's entries, discovered by walking
// the end-of-central-directory record backward from the end of the input,
// per spec.md §4.5.
type Reader struct {
	ra   io.ReaderAt
	size int64

	comment string
	entries []*Entry
	byName  map[string]int

	opts Options

	closed int32 // atomic

	closer io.Closer // non-nil when OpenReader owns the underlying *os.File
}

// entryArchivePayload binds one entry's uncompressed bytes to its
// encrypted/compressed region inside the source archive. It is the
// "from-archive" payloadSource variant named in spec.md §3.
type entryArchivePayload struct {
	r              *Reader
	e              *Entry
	dataOffset     int64 // start of the (possibly encrypted+compressed) payload
	compressedSize int64
	method         uint16 // actual method, post-AES-envelope resolution
	encryption     EncryptionMethod
}

func (p *entryArchivePayload) knownSize() (uint64, bool) {
	return p.e.UncompressedSize, true
}

func (p *entryArchivePayload) open(e *Entry) (readCloserAt, error) {
	if atomic.LoadInt32(&p.r.closed) != 0 {
		return nil, newEntryErr(KindIOError, p.e.Name, errClosed)
	}
	if e == nil {
		e = p.e
	}
	raw := io.NewSectionReader(p.r.ra, p.dataOffset, p.compressedSize)

	var plain io.Reader = raw
	if p.encryption != EncNone {
		pwd, ok := e.Password()
		if !ok {
			return nil, newEntryErr(KindAuthFail, e.Name, errNoPassword)
		}
		switch p.encryption {
		case EncPKWARE:
			_, clock := dosTimeDate(e.Modified)
			dr, err := engine.PKWAREDecrypt(raw, []byte(pwd), e.CRC32, e.Flags&flagDataDescriptor != 0, clock)
			if err != nil {
				return nil, newEntryErr(KindAuthFail, e.Name, err)
			}
			plain = dr
		case EncAES128, EncAES192, EncAES256:
			strength := int(aesKeyStrengthCode(p.encryption))
			dr, err := engine.AESDecrypt(raw, []byte(pwd), strength)
			if err != nil {
				return nil, newEntryErr(KindAuthFail, e.Name, err)
			}
			plain = dr
		}
	}

	dec, err := engine.Decompress(p.method, plain)
	if err != nil {
		return nil, newEntryErr(KindUnsupportedMethod, p.e.Name, err)
	}

	// AE-2 WinZip-AES entries store a zero CD/LFH CRC by design (the HMAC
	// tag already authenticates the plaintext), so the classic CRC-32 check
	// is skipped for them; every other entry's decompressed bytes must
	// match the recorded CRC-32, per spec.md §4.6.4 / §4.5.
	skipCRC := false
	if wz, ok := e.Extra.Find(extraIDWinZipAES); ok {
		if wz.(*WinZipAESExtra).VendorVersion == 2 {
			skipCRC = true
		}
	}
	return &checksumReadCloser{rc: dec, hash: crc32.NewIEEE(), want: e.CRC32, name: e.Name, skip: skipCRC}, nil
}

// checksumReadCloser verifies a decompressed entry's CRC-32 as it is read,
// failing the final Read once the stream is exhausted if the running
// checksum doesn't match the recorded value, mirroring archive/zip's own
// checksumReader.
type checksumReadCloser struct {
	rc   io.ReadCloser
	hash hash32
	want uint32
	name string
	skip bool
}

type hash32 interface {
	io.Writer
	Sum32() uint32
}

func (r *checksumReadCloser) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.hash.Write(p[:n])
	if err == io.EOF && !r.skip && r.hash.Sum32() != r.want {
		return n, newEntryErr(KindCorrupt, r.name, nil)
	}
	return n, err
}

func (r *checksumReadCloser) Close() error { return r.rc.Close() }

var errClosed = &Error{Kind: KindIOError, Offset: -1}
var errNoPassword = &Error{Kind: KindAuthFail, Offset: -1}

// OpenReader opens the zip archive at path.
func OpenReader(path string, opts ...ReadOption) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindIOError, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(KindIOError, err)
	}
	r, err := newReader(f, fi.Size(), opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader opens a zip archive backed by an arbitrary io.ReaderAt of the
// given total size.
func NewReader(ra io.ReaderAt, size int64, opts ...ReadOption) (*Reader, error) {
	return newReader(ra, size, opts)
}

// NewReaderFromBytes opens a zip archive held entirely in memory.
func NewReaderFromBytes(b []byte, opts ...ReadOption) (*Reader, error) {
	return newReader(bytes.NewReader(b), int64(len(b)), opts)
}

func newReader(ra io.ReaderAt, size int64, opts []ReadOption) (*Reader, error) {
	r := &Reader{ra: ra, size: size, byName: make(map[string]int)}
	for _, o := range opts {
		o(&r.opts)
	}
	if err := r.readDirectory(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close invalidates every payload handle bound to this Reader (spec.md §5
// "Shared-resource policy"); reads attempted afterward fail with
// KindIOError. If the Reader owns an underlying *os.File (via
// OpenReader), it is closed too.
func (r *Reader) Close() error {
	atomic.StoreInt32(&r.closed, 1)
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Entries returns the archive's entries in central-directory order.
func (r *Reader) Entries() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Comment returns the archive-level comment.
func (r *Reader) Comment() string { return r.comment }

func (r *Reader) entryByName(name string) (*Entry, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.entries[i], true
}

// ToContainer adopts every entry of the archive into a new, independent
// Container, so subsequent mutation never touches the Reader's bytes
// (spec.md §3's clone-on-write note).
func (r *Reader) ToContainer() (*Container, error) {
	c := NewContainer()
	c.opts = r.opts
	c.source = r
	c.comment = r.comment
	c.commentKnown = true
	for _, e := range r.entries {
		if c.opts.onlyFiles && e.IsDir() {
			continue
		}
		c.Add(e.Clone())
	}
	return c, nil
}

// Open returns a reader over entry e's decompressed, decrypted bytes.
func (r *Reader) Open(e *Entry) (io.ReadCloser, error) {
	if atomic.LoadInt32(&r.closed) != 0 {
		return nil, newEntryErr(KindIOError, e.Name, errClosed)
	}
	rc, err := e.payload.open(e)
	if err != nil {
		return nil, err
	}
	return rc.(io.ReadCloser), nil
}

// Contents reads entry e entirely into memory.
func (r *Reader) Contents(e *Entry) ([]byte, error) {
	rc, err := r.Open(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newEntryErr(KindIOError, e.Name, err)
	}
	return b, nil
}

// --- central directory / EOCD discovery ---

func (r *Reader) readDirectory() error {
	eocdOff, eocd, err := r.findEOCD()
	if err != nil {
		return err
	}

	cdOffset := uint64(eocd.cdOffset)
	cdSize := uint64(eocd.cdSize)
	numEntries := uint64(eocd.numEntriesTotal)
	comment := eocd.comment

	if eocd.needsZip64() {
		locOff := eocdOff - 20
		if locOff < 0 {
			return newErr(KindCorrupt, nil)
		}
		locBuf := make([]byte, 20)
		if _, err := r.ra.ReadAt(locBuf, locOff); err != nil {
			return newErr(KindCorrupt, err)
		}
		rb := readBuf(locBuf)
		if rb.uint32() != sigZip64Locator {
			return newErr(KindCorrupt, nil)
		}
		_ = rb.uint32() // disk with zip64 EOCD
		z64Off := int64(rb.uint64())

		hdr := make([]byte, 56)
		if _, err := r.ra.ReadAt(hdr, z64Off); err != nil {
			return newErr(KindCorrupt, err)
		}
		rb = readBuf(hdr)
		if rb.uint32() != sigZip64EOCD {
			return newErr(KindCorrupt, nil)
		}
		_ = rb.uint64() // record size
		_ = rb.uint16() // version made by
		_ = rb.uint16() // version needed
		_ = rb.uint32() // disk number
		_ = rb.uint32() // disk with CD start
		_ = rb.uint64() // entries this disk
		numEntries = rb.uint64()
		cdSize = rb.uint64()
		cdOffset = rb.uint64()
	}

	if cdOffset+cdSize > uint64(r.size) {
		return newErr(KindCorrupt, nil)
	}

	cdBuf := make([]byte, cdSize)
	if _, err := r.ra.ReadAt(cdBuf, int64(cdOffset)); err != nil {
		return newErr(KindCorrupt, err)
	}

	entries := make([]*Entry, 0, numEntries)
	off := 0
	for off < len(cdBuf) {
		e, consumed, err := r.parseCentralEntry(cdBuf[off:], int64(cdOffset)+int64(off))
		if err != nil {
			return err
		}
		entries = append(entries, e)
		off += consumed
	}

	r.entries = entries
	r.byName = make(map[string]int, len(entries))
	for i, e := range entries {
		r.byName[e.Name] = i
	}
	r.comment = comment
	return nil
}

type eocdRecord struct {
	diskNumber      uint16
	cdStartDisk     uint16
	numEntriesDisk  uint16
	numEntriesTotal uint16
	cdSize          uint32
	cdOffset        uint32
	comment         string
}

func (e *eocdRecord) needsZip64() bool {
	return e.numEntriesTotal == uint16Max || e.cdSize == uint32Max || e.cdOffset == uint32Max
}

// findEOCD scans backward from the end of the input for the EOCD
// signature, within the maximum possible window (22 fixed bytes plus up
// to 65535 bytes of archive comment), per spec.md §4.5.
func (r *Reader) findEOCD() (int64, *eocdRecord, error) {
	window := int64(eocdScanWindow)
	if window > r.size {
		window = r.size
	}
	if window < eocdMinSize {
		return 0, nil, newErr(KindNotZip, nil)
	}
	buf := make([]byte, window)
	start := r.size - window
	if _, err := r.ra.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, nil, newErr(KindIOError, err)
	}

	for i := len(buf) - eocdMinSize; i >= 0; i-- {
		if leUint32(buf[i:]) != sigEOCD {
			continue
		}
		commentLen := int(leUint16(buf[i+20:]))
		if i+eocdMinSize+commentLen > len(buf) {
			continue // declared comment runs past EOF; not a real match
		}
		rb := readBuf(buf[i+4:])
		rec := &eocdRecord{}
		rec.diskNumber = rb.uint16()
		rec.cdStartDisk = rb.uint16()
		rec.numEntriesDisk = rb.uint16()
		rec.numEntriesTotal = rb.uint16()
		rec.cdSize = rb.uint32()
		rec.cdOffset = rb.uint32()
		commentBytes := buf[i+eocdMinSize : i+eocdMinSize+commentLen]
		rec.comment = decodeLegacyName(commentBytes, r.opts.charset)
		return start + int64(i), rec, nil
	}
	return 0, nil, newErr(KindNotZip, nil)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parseCentralEntry parses one 46-byte-prefixed central directory file
// header starting at buf[0], returning the Entry and the number of bytes
// it consumed (including name/extra/comment).
func (r *Reader) parseCentralEntry(buf []byte, absOffset int64) (*Entry, int, error) {
	if len(buf) < 46 {
		return nil, 0, newOffsetErr(KindCorrupt, absOffset, nil)
	}
	rb := readBuf(buf[:46])
	sig := rb.uint32()
	if sig != sigCentralFile {
		return nil, 0, newOffsetErr(KindCorrupt, absOffset, nil)
	}
	creatorVersion := rb.uint16()
	extractVersion := rb.uint16()
	flags := rb.uint16()
	method := rb.uint16()
	modTime := rb.uint16()
	modDate := rb.uint16()
	crc := rb.uint32()
	compSize32 := rb.uint32()
	uncompSize32 := rb.uint32()
	nameLen := int(rb.uint16())
	extraLen := int(rb.uint16())
	commentLen := int(rb.uint16())
	_ = rb.uint16() // disk number start
	internalAttrs := rb.uint16()
	externalAttrs := rb.uint32()
	localOffset32 := rb.uint32()

	need := 46 + nameLen + extraLen + commentLen
	if need > len(buf) {
		return nil, 0, newOffsetErr(KindCorrupt, absOffset, nil)
	}
	nameBytes := buf[46 : 46+nameLen]
	extraBytes := buf[46+nameLen : 46+nameLen+extraLen]
	commentBytes := buf[46+nameLen+extraLen : need]

	e := &Entry{
		Method:         method,
		CreatorVersion: creatorVersion,
		ExtractVersion: extractVersion,
		Flags:          flags,
		CRC32:          crc,
		InternalAttrs:  internalAttrs,
		ExternalAttrs:  externalAttrs,
		Level:          -1,
	}
	e.Modified = dosTimeDateToTime(modDate, modTime)

	if flags&flagUTF8 != 0 {
		e.Name = string(nameBytes)
		e.Comment = string(commentBytes)
	} else {
		e.NonUTF8 = true
		e.Name = decodeLegacyName(nameBytes, r.opts.charset)
		e.Comment = decodeLegacyName(commentBytes, r.opts.charset)
	}

	opts := parseExtraOpts{
		needZip64Uncompressed: uncompSize32 == uint32Max,
		needZip64Compressed:   compSize32 == uint32Max,
		needZip64Offset:       localOffset32 == uint32Max,
		needZip64Disk:         false,
	}
	e.Extra = parseExtra(extraBytes, opts)
	e.rawExtra = append([]byte(nil), extraBytes...)
	e.rawExtraOK = true

	e.UncompressedSize = uint64(uncompSize32)
	e.CompressedSize = uint64(compSize32)
	e.localHeaderOffset = uint64(localOffset32)
	if z64, ok := e.Extra.Find(extraIDZip64); ok {
		z := z64.(*Zip64Extra)
		if z.UncompressedSize != nil {
			e.UncompressedSize = *z.UncompressedSize
		}
		if z.CompressedSize != nil {
			e.CompressedSize = *z.CompressedSize
		}
		if z.LocalHeaderOffset != nil {
			e.localHeaderOffset = *z.LocalHeaderOffset
		}
	}

	if uf, ok := e.Extra.Find(extraIDUnicodePath); ok {
		u := uf.(*UnicodeExtra)
		if !u.Stale(string(nameBytes)) {
			e.Name = u.Value
		}
	}
	if uf, ok := e.Extra.Find(extraIDUnicodeCmt); ok {
		u := uf.(*UnicodeExtra)
		if !u.Stale(string(commentBytes)) {
			e.Comment = u.Value
		}
	}

	encryption := EncNone
	actualMethod := method
	if flags&flagEncrypted != 0 {
		encryption = EncPKWARE
	}
	if wz, ok := e.Extra.Find(extraIDWinZipAES); ok {
		w := wz.(*WinZipAESExtra)
		actualMethod = w.ActualMethod
		switch w.KeyStrength {
		case 1:
			encryption = EncAES128
		case 2:
			encryption = EncAES192
		case 3:
			encryption = EncAES256
		}
	}
	e.Encryption = encryption

	if err := r.bindLocalPayload(e, actualMethod, encryption); err != nil {
		return nil, 0, err
	}

	return e, need, nil
}

// bindLocalPayload validates the local file header corresponding to e and
// attaches an entryArchivePayload describing where its bytes live.
func (r *Reader) bindLocalPayload(e *Entry, actualMethod uint16, encryption EncryptionMethod) error {
	if e.IsDir() && e.UncompressedSize == 0 {
		e.payload = &emptyDirPayload{}
		return nil
	}

	lfhBuf := make([]byte, 30)
	if int64(e.localHeaderOffset)+30 > r.size {
		return newOffsetErr(KindCorrupt, int64(e.localHeaderOffset), nil)
	}
	if _, err := r.ra.ReadAt(lfhBuf, int64(e.localHeaderOffset)); err != nil {
		return newOffsetErr(KindCorrupt, int64(e.localHeaderOffset), err)
	}
	rb := readBuf(lfhBuf)
	if rb.uint32() != sigLocalFile {
		return newOffsetErr(KindCorrupt, int64(e.localHeaderOffset), nil)
	}
	_ = rb.uint16() // extract version
	_ = rb.uint16() // flags (authoritative copy is the CD's)
	_ = rb.uint16() // method (authoritative copy is the CD's)
	_ = rb.uint16() // mod time
	_ = rb.uint16() // mod date
	_ = rb.uint32() // crc32
	_ = rb.uint32() // compressed size
	_ = rb.uint32() // uncompressed size
	lNameLen := rb.uint16()
	lExtraLen := rb.uint16()

	dataOffset := int64(e.localHeaderOffset) + 30 + int64(lNameLen) + int64(lExtraLen)
	compSize := int64(e.CompressedSize)

	if e.Flags&flagDataDescriptor != 0 {
		// Compressed size in the LFH (and often the CD, pre-zip64) may be
		// unreliable; the CD copy (already loaded into e.CompressedSize)
		// is authoritative once zip64 resolution above has run, so no
		// further lookup of the trailing data descriptor is needed to
		// locate the payload — only to validate it, which Open's
		// checksumReadCloser wrapper (not duplicated here) covers.
	}

	if dataOffset+compSize > r.size {
		return newOffsetErr(KindCorrupt, dataOffset, nil)
	}

	e.payload = &entryArchivePayload{
		r:              r,
		e:              e,
		dataOffset:     dataOffset,
		compressedSize: compSize,
		method:         actualMethod,
		encryption:     encryption,
	}
	return nil
}
