package vaultzip

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/vaultzip/vaultzip/internal/engine"
)

// badToCompress is the fixed, closed extension table chooseMethod
// consults for MethodAuto, rather than MIME sniffing (an Open Question
// decision recorded in DESIGN.md).
var badToCompress = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".mp3": true, ".mp4": true, ".zip": true, ".gz": true,
	".bz2": true, ".7z": true, ".xz": true, ".webp": true,
	".mov": true, ".m4a": true,
}

// chooseMethod resolves MethodAuto against the plaintext size and name,
// per spec.md §4.7 step 1.
func chooseMethod(name string, size int, override uint16, hasOverride bool) uint16 {
	if hasOverride {
		return override
	}
	if badToCompress[strings.ToLower(filepath.Ext(name))] {
		return MethodStored
	}
	if size < 512 {
		return MethodStored
	}
	return MethodDeflate
}

// countingWriter tracks the number of bytes written so the writer can
// record local-header offsets and central-directory boundaries.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteTo serializes the container to w: every entry's local header and
// payload, then the central directory, then the EOCD (upgraded to ZIP64
// if needed), per spec.md §4.7.
func (c *Container) WriteTo(w io.Writer) error {
	if c.commentKnown && len(c.comment) > uint16Max {
		return newErr(KindInvalidArgument, nil)
	}

	cw := &countingWriter{w: w}
	central := make([][]byte, 0, len(c.entries))

	for _, e := range c.entries {
		centralBytes, err := c.writeEntry(cw, e)
		if err != nil {
			return err
		}
		central = append(central, centralBytes)
	}

	cdStart := cw.n
	for _, rec := range central {
		if _, err := cw.Write(rec); err != nil {
			return newErr(KindIOError, err)
		}
	}
	cdEnd := cw.n
	cdSize := cdEnd - cdStart
	numEntries := len(central)

	needZip64 := numEntries > uint16Max || cdSize > uint32Max || cdStart > uint32Max
	if needZip64 {
		if err := writeZip64EOCD(cw, int64(numEntries), cdSize, cdStart); err != nil {
			return err
		}
	}
	if err := writeEOCD(cw, numEntries, cdSize, cdStart, c.comment, needZip64); err != nil {
		return err
	}
	return nil
}

// Bytes serializes the container to an in-memory buffer.
func (c *Container) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile serializes the container to path, writing to a temporary
// sibling file and renaming over path only on success, so a failed write
// never corrupts an existing archive (spec.md §4.7 "Atomicity").
func (c *Container) WriteFile(path string) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), rand.Int63()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return newErr(KindIOError, err)
	}
	if err := c.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return newErr(KindIOError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return newErr(KindIOError, err)
	}
	return nil
}

// entryWriteEncoding returns the on-disk name/comment bytes for e and
// whether general-purpose bit 11 (UTF-8 names) should be set: e.NonUTF8
// asks for the legacy CP437 path (matching whatever the reader saw),
// otherwise the name/comment are written as UTF-8, per spec.md §6.
func entryWriteEncoding(e *Entry) (nameBytes, commentBytes []byte, isUTF8 bool) {
	if e.NonUTF8 {
		return utf8ToCP437(e.Name), utf8ToCP437(e.Comment), false
	}
	return []byte(e.Name), []byte(e.Comment), true
}

// deflateSubFlags returns general-purpose bits 1-2 for a Deflate entry's
// compression level, per spec.md §4.6.1/§6: the unset/default level maps
// to the "normal" pattern (00), and {1, 2, >=3} map to super-fast (11),
// fast (01), and max (10) respectively.
func deflateSubFlags(level int) uint16 {
	switch level {
	case -1:
		return 0
	case 1:
		return flagDeflateSub1 | flagDeflateSub2
	case 2:
		return flagDeflateSub2
	default:
		return flagDeflateSub1
	}
}

// verbatimEligible reports whether e's original payload bytes and extra
// fields can be reused byte-for-byte instead of going through the
// decrypt/decompress/recompress/re-encrypt pipeline, per spec.md §9.
// Ineligible whenever reuse could embed stale data: an entry mutated
// since being bound or cloned, one with no captured raw extra bytes, one
// whose payload needs zip-align padding recomputed for its new offset,
// one carrying a trailing data descriptor this writer never reproduces,
// or one whose rawExtra already embeds a 64-bit local-header offset that
// a rewrite would invalidate.
func verbatimEligible(e *Entry, ap *entryArchivePayload, align uint16, newOffset int64) bool {
	if ap == nil || e.dirty || !e.rawExtraOK {
		return false
	}
	if align != 0 {
		return false
	}
	if e.Flags&flagDataDescriptor != 0 {
		return false
	}
	if newOffset > uint32Max {
		return false
	}
	if z64, ok := e.Extra.Find(extraIDZip64); ok {
		if z64.(*Zip64Extra).LocalHeaderOffset != nil {
			return false
		}
	}
	return true
}

// writeVerbatimEntry writes e's local header and central-directory record
// reusing its original rawExtra bytes verbatim, and copies its
// compressed/encrypted payload directly from the source archive without
// decrypting, decompressing, recompressing, or re-encrypting it.
func (c *Container) writeVerbatimEntry(cw *countingWriter, e *Entry, ap *entryArchivePayload) ([]byte, error) {
	nameBytes, commentBytes, isUTF8 := entryWriteEncoding(e)
	modDate, modTime := dosTimeDate(e.Modified)
	extraBytes := e.rawExtra

	flags := e.Flags &^ flagUTF8
	if isUTF8 {
		flags |= flagUTF8
	}

	localOffset := cw.n

	lfh := make([]byte, 0, 30+len(nameBytes)+len(extraBytes))
	lb := writeBuf(make([]byte, 30))
	lbCopy := lb
	lbCopy.uint32(sigLocalFile)
	lbCopy.uint16(e.ExtractVersion)
	lbCopy.uint16(flags)
	lbCopy.uint16(e.Method)
	lbCopy.uint16(modTime)
	lbCopy.uint16(modDate)
	lbCopy.uint32(e.CRC32)
	lbCopy.uint32(sentinel32(e.CompressedSize))
	lbCopy.uint32(sentinel32(e.UncompressedSize))
	lbCopy.uint16(uint16(len(nameBytes)))
	lbCopy.uint16(uint16(len(extraBytes)))
	lfh = append(lfh, lb...)
	lfh = append(lfh, nameBytes...)
	lfh = append(lfh, extraBytes...)

	if _, err := cw.Write(lfh); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}

	src := io.NewSectionReader(ap.r.ra, ap.dataOffset, ap.compressedSize)
	if _, err := io.Copy(cw, src); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}

	e.localHeaderOffset = uint64(localOffset)
	e.Flags = flags

	cb := make([]byte, 0, 46+len(nameBytes)+len(extraBytes)+len(commentBytes))
	chdr := writeBuf(make([]byte, 46))
	chdrCopy := chdr
	chdrCopy.uint32(sigCentralFile)
	chdrCopy.uint16(e.CreatorVersion)
	chdrCopy.uint16(e.ExtractVersion)
	chdrCopy.uint16(flags)
	chdrCopy.uint16(e.Method)
	chdrCopy.uint16(modTime)
	chdrCopy.uint16(modDate)
	chdrCopy.uint32(e.CRC32)
	chdrCopy.uint32(sentinel32(e.CompressedSize))
	chdrCopy.uint32(sentinel32(e.UncompressedSize))
	chdrCopy.uint16(uint16(len(nameBytes)))
	chdrCopy.uint16(uint16(len(extraBytes)))
	chdrCopy.uint16(uint16(len(commentBytes)))
	chdrCopy.uint16(0) // disk number start
	chdrCopy.uint16(e.InternalAttrs)
	chdrCopy.uint32(e.ExternalAttrs)
	chdrCopy.uint32(sentinel32(uint64(localOffset)))
	cb = append(cb, chdr...)
	cb = append(cb, nameBytes...)
	cb = append(cb, extraBytes...)
	cb = append(cb, commentBytes...)

	return cb, nil
}

// writeEntry writes e's local header and payload to cw, and returns its
// encoded central-directory record for later emission.
func (c *Container) writeEntry(cw *countingWriter, e *Entry) ([]byte, error) {
	if e.IsDir() {
		return c.writeDirEntry(cw, e)
	}

	if ap, ok := e.payload.(*entryArchivePayload); ok {
		align := c.alignmentFor(e)
		if verbatimEligible(e, ap, align, cw.n) {
			return c.writeVerbatimEntry(cw, e, ap)
		}
	}

	plain, err := c.materialize(e)
	if err != nil {
		return nil, err
	}

	method := chooseMethodForEntry(c, e, len(plain))
	if !engine.Supported(method) {
		return nil, newEntryErr(KindUnsupportedMethod, e.Name, nil)
	}

	crc := crc32IEEE(plain)

	var compBuf bytes.Buffer
	cwz, err := engine.Compress(method, &compBuf, e.Level)
	if err != nil {
		return nil, newEntryErr(KindUnsupportedMethod, e.Name, err)
	}
	if _, err := cwz.Write(plain); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}
	if err := cwz.Close(); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}

	encryption, password, ok := c.writeCredentials(e)
	if !ok {
		encryption = EncNone
	}

	var final bytes.Buffer
	var winZipVendor uint16
	nameBytes, commentBytes, isUTF8 := entryWriteEncoding(e)
	modDate, modTime := dosTimeDate(e.Modified)

	switch encryption {
	case EncNone:
		final.Write(compBuf.Bytes())
	case EncPKWARE:
		enc, err := engine.PKWAREEncrypt(&final, []byte(password), crc, false, modTime)
		if err != nil {
			return nil, newEntryErr(KindIOError, e.Name, err)
		}
		if _, err := enc.Write(compBuf.Bytes()); err != nil {
			return nil, newEntryErr(KindIOError, e.Name, err)
		}
		enc.Close()
	case EncAES128, EncAES192, EncAES256:
		strength := int(aesKeyStrengthCode(encryption))
		enc, err := engine.AESEncrypt(&final, []byte(password), strength)
		if err != nil {
			return nil, newEntryErr(KindIOError, e.Name, err)
		}
		if _, err := enc.Write(compBuf.Bytes()); err != nil {
			return nil, newEntryErr(KindIOError, e.Name, err)
		}
		if err := enc.Close(); err != nil {
			return nil, newEntryErr(KindIOError, e.Name, err)
		}
		if compBuf.Len() >= 20 && method != MethodBzip2 {
			winZipVendor = 1 // AE-1
		} else {
			winZipVendor = 2 // AE-2
		}
	}

	onDiskMethod := method
	if encryption == EncAES128 || encryption == EncAES192 || encryption == EncAES256 {
		onDiskMethod = methodAESEnvelope
	}

	compressedSize := int64(final.Len())
	uncompressedSize := int64(len(plain))
	localOffset := cw.n

	localExtra := e.Extra.Without(extraIDZip64).Without(extraIDAPKAlign).Without(extraIDWinZipAES)
	centralExtra := localExtra

	if encryption == EncAES128 || encryption == EncAES192 || encryption == EncAES256 {
		wz := &WinZipAESExtra{VendorVersion: winZipVendor, KeyStrength: aesKeyStrengthCode(encryption), ActualMethod: method}
		localExtra = append(append(ExtraFieldList{}, localExtra...), wz)
		centralExtra = append(append(ExtraFieldList{}, centralExtra...), wz)
	}

	align := c.alignmentFor(e)
	localExtra, _ = c.applyAlignment(localOffset, nameBytes, localExtra, align, method, encryption)

	var zUncompressed, zCompressed, zOffset *uint64
	if uncompressedSize > uint32Max {
		v := uint64(uncompressedSize)
		zUncompressed = &v
	}
	if compressedSize > uint32Max {
		v := uint64(compressedSize)
		zCompressed = &v
	}
	if localOffset > uint32Max {
		v := uint64(localOffset)
		zOffset = &v
	}
	needsZip64 := zUncompressed != nil || zCompressed != nil || zOffset != nil
	if needsZip64 {
		localExtra = append(localExtra, &Zip64Extra{UncompressedSize: zUncompressed, CompressedSize: zCompressed})
		centralExtra = append(centralExtra, &Zip64Extra{UncompressedSize: zUncompressed, CompressedSize: zCompressed, LocalHeaderOffset: zOffset})
	}

	flags := uint16(0)
	if encryption != EncNone {
		flags |= flagEncrypted
	}
	if isUTF8 {
		flags |= flagUTF8
	}
	if method == MethodDeflate {
		flags |= deflateSubFlags(e.Level)
	}

	centralCRC := crc
	if winZipVendor == 2 {
		centralCRC = 0
	}

	e.Method = method
	e.Encryption = encryption
	extractVer := e.minExtractVersion(needsZip64)
	platform := uint8(platformUnix)
	if e.CreatorVersion>>8 != 0 {
		platform = uint8(e.CreatorVersion >> 8)
	}
	versionMadeBy := uint16(platform)<<8 | verMadeBySpec

	lfh := make([]byte, 0, 30+len(nameBytes)+len(localExtra.Encode()))
	lb := writeBuf(make([]byte, 30))
	lbCopy := lb
	lbCopy.uint32(sigLocalFile)
	lbCopy.uint16(extractVer)
	lbCopy.uint16(flags)
	lbCopy.uint16(onDiskMethod)
	lbCopy.uint16(modTime)
	lbCopy.uint16(modDate)
	lbCopy.uint32(crc)
	lbCopy.uint32(sentinel32(uint64(compressedSize)))
	lbCopy.uint32(sentinel32(uint64(uncompressedSize)))
	lbCopy.uint16(uint16(len(nameBytes)))
	localExtraBytes := localExtra.Encode()
	lbCopy.uint16(uint16(len(localExtraBytes)))
	lfh = append(lfh, lb...)
	lfh = append(lfh, nameBytes...)
	lfh = append(lfh, localExtraBytes...)

	if _, err := cw.Write(lfh); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}
	if _, err := cw.Write(final.Bytes()); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}

	e.localHeaderOffset = uint64(localOffset)
	e.CompressedSize = uint64(compressedSize)
	e.UncompressedSize = uint64(uncompressedSize)
	e.CRC32 = crc
	e.Flags = flags
	e.ExtractVersion = extractVer
	e.CreatorVersion = versionMadeBy

	centralExtraBytes := centralExtra.Encode()
	cb := make([]byte, 0, 46+len(nameBytes)+len(centralExtraBytes)+len(commentBytes))
	chdr := writeBuf(make([]byte, 46))
	chdrCopy := chdr
	chdrCopy.uint32(sigCentralFile)
	chdrCopy.uint16(versionMadeBy)
	chdrCopy.uint16(extractVer)
	chdrCopy.uint16(flags)
	chdrCopy.uint16(onDiskMethod)
	chdrCopy.uint16(modTime)
	chdrCopy.uint16(modDate)
	chdrCopy.uint32(centralCRC)
	chdrCopy.uint32(sentinel32(uint64(compressedSize)))
	chdrCopy.uint32(sentinel32(uint64(uncompressedSize)))
	chdrCopy.uint16(uint16(len(nameBytes)))
	chdrCopy.uint16(uint16(len(centralExtraBytes)))
	chdrCopy.uint16(uint16(len(commentBytes)))
	chdrCopy.uint16(0) // disk number start
	chdrCopy.uint16(e.InternalAttrs)
	chdrCopy.uint32(e.ExternalAttrs)
	chdrCopy.uint32(sentinel32(uint64(localOffset)))
	cb = append(cb, chdr...)
	cb = append(cb, nameBytes...)
	cb = append(cb, centralExtraBytes...)
	cb = append(cb, commentBytes...)

	return cb, nil
}

// writeDirEntry writes a directory entry, which always has zero size/CRC
// and is never compressed or encrypted.
func (c *Container) writeDirEntry(cw *countingWriter, e *Entry) ([]byte, error) {
	nameBytes, commentBytes, isUTF8 := entryWriteEncoding(e)
	modDate, modTime := dosTimeDate(e.Modified)
	flags := uint16(0)
	if isUTF8 {
		flags |= flagUTF8
	}

	localExtra := e.Extra.Without(extraIDZip64).Without(extraIDAPKAlign).Without(extraIDWinZipAES)
	centralExtra := localExtra
	localOffset := cw.n

	platform := uint8(platformUnix)
	if e.CreatorVersion>>8 != 0 {
		platform = uint8(e.CreatorVersion >> 8)
	}
	versionMadeBy := uint16(platform)<<8 | verMadeBySpec
	extractVer := uint16(verDeflate)

	localExtraBytes := localExtra.Encode()
	lb := writeBuf(make([]byte, 30))
	lbCopy := lb
	lbCopy.uint32(sigLocalFile)
	lbCopy.uint16(extractVer)
	lbCopy.uint16(flags)
	lbCopy.uint16(MethodStored)
	lbCopy.uint16(modTime)
	lbCopy.uint16(modDate)
	lbCopy.uint32(0)
	lbCopy.uint32(0)
	lbCopy.uint32(0)
	lbCopy.uint16(uint16(len(nameBytes)))
	lbCopy.uint16(uint16(len(localExtraBytes)))
	lfh := append(append([]byte{}, lb...), nameBytes...)
	lfh = append(lfh, localExtraBytes...)
	if _, err := cw.Write(lfh); err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}

	e.localHeaderOffset = uint64(localOffset)
	e.Flags = flags
	e.ExtractVersion = extractVer
	e.CreatorVersion = versionMadeBy

	centralExtraBytes := centralExtra.Encode()
	cb := writeBuf(make([]byte, 46))
	cbCopy := cb
	cbCopy.uint32(sigCentralFile)
	cbCopy.uint16(versionMadeBy)
	cbCopy.uint16(extractVer)
	cbCopy.uint16(flags)
	cbCopy.uint16(MethodStored)
	cbCopy.uint16(modTime)
	cbCopy.uint16(modDate)
	cbCopy.uint32(0)
	cbCopy.uint32(0)
	cbCopy.uint32(0)
	cbCopy.uint16(uint16(len(nameBytes)))
	cbCopy.uint16(uint16(len(centralExtraBytes)))
	cbCopy.uint16(uint16(len(commentBytes)))
	cbCopy.uint16(0)
	cbCopy.uint16(e.InternalAttrs)
	cbCopy.uint32(e.ExternalAttrs)
	cbCopy.uint32(sentinel32(uint64(localOffset)))
	out := append(append([]byte{}, cb...), nameBytes...)
	out = append(out, centralExtraBytes...)
	out = append(out, commentBytes...)
	return out, nil
}

// materialize reads e's payload source fully into memory, decrypting and
// decompressing first if it's bound to an existing archive. This module
// always buffers the full plaintext before compressing, so entries never
// require a trailing data descriptor on write even though the format
// supports one (see DESIGN.md).
func (c *Container) materialize(e *Entry) ([]byte, error) {
	rc, err := e.payload.open(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, newEntryErr(KindIOError, e.Name, err)
	}
	return data, nil
}

func chooseMethodForEntry(c *Container, e *Entry, size int) uint16 {
	if e.Method == MethodAuto {
		return chooseMethod(e.Name, size, c.opts.compressionMethod, c.opts.hasCompressionMethod)
	}
	return e.Method
}

// writeCredentials resolves the write-side password/encryption for e:
// its own via SetPasswordEntry, else the container-wide default from
// SetPassword.
func (c *Container) writeCredentials(e *Entry) (EncryptionMethod, string, bool) {
	if e.hasPassword {
		return e.Encryption, e.password, true
	}
	if c.hasWritePassword {
		return c.writeEncryption, c.writePassword, true
	}
	return EncNone, "", false
}

// alignmentFor returns the zip-align boundary that applies to e: the
// container's configured align, overridden to 4096 for ".so" names, per
// the Android convention.
func (c *Container) alignmentFor(e *Entry) uint16 {
	if strings.HasSuffix(e.Name, ".so") {
		return 4096
	}
	return c.zipAlign
}

// applyAlignment appends (or replaces) the APK-alignment extra field so
// that the entry's payload begins on an `align`-byte boundary, per
// spec.md §4.7 step 7. Only Stored, unencrypted entries may be aligned.
func (c *Container) applyAlignment(localOffset int64, nameBytes []byte, extra ExtraFieldList, align uint16, method uint16, encryption EncryptionMethod) (ExtraFieldList, []byte) {
	if align == 0 || method != MethodStored || encryption != EncNone {
		return extra, nil
	}
	base := localOffset + 30 + int64(len(nameBytes)) + int64(len(extra.Encode())) + 6
	pad := int64(align) - base%int64(align)
	if pad == int64(align) {
		pad = 0
	}
	padding := make([]byte, pad)
	extra = append(extra, &APKAlignExtra{Align: align, Padding: padding})
	return extra, padding
}

func sentinel32(v uint64) uint32 {
	if v > uint32Max {
		return uint32Max
	}
	return uint32(v)
}

func writeZip64EOCD(cw *countingWriter, numEntries int64, cdSize, cdOffset int64) error {
	buf := make([]byte, 56)
	b := writeBuf(buf)
	b.uint32(sigZip64EOCD)
	b.uint64(44) // size of this record, excluding the leading 12 bytes
	b.uint16(verMadeBySpec)
	b.uint16(verZip64)
	b.uint32(0) // disk number
	b.uint32(0) // disk with CD start
	b.uint64(uint64(numEntries))
	b.uint64(uint64(numEntries))
	b.uint64(uint64(cdSize))
	b.uint64(uint64(cdOffset))
	if _, err := cw.Write(buf); err != nil {
		return newErr(KindIOError, err)
	}

	locBuf := make([]byte, 20)
	lb := writeBuf(locBuf)
	lb.uint32(sigZip64Locator)
	lb.uint32(0) // disk with zip64 EOCD
	lb.uint64(uint64(cw.n - 56))
	lb.uint32(1) // total number of disks
	if _, err := cw.Write(locBuf); err != nil {
		return newErr(KindIOError, err)
	}
	return nil
}

func writeEOCD(cw *countingWriter, numEntries int, cdSize, cdOffset int64, comment string, needZip64 bool) error {
	commentBytes := []byte(comment)
	buf := make([]byte, 22)
	b := writeBuf(buf)
	b.uint32(sigEOCD)
	b.uint16(0) // disk number
	b.uint16(0) // disk with CD start
	if needZip64 && numEntries > uint16Max {
		b.uint16(uint16Max)
		b.uint16(uint16Max)
	} else {
		b.uint16(uint16(numEntries))
		b.uint16(uint16(numEntries))
	}
	b.uint32(sentinel32(uint64(cdSize)))
	b.uint32(sentinel32(uint64(cdOffset)))
	b.uint16(uint16(len(commentBytes)))
	if _, err := cw.Write(buf); err != nil {
		return newErr(KindIOError, err)
	}
	if _, err := cw.Write(commentBytes); err != nil {
		return newErr(KindIOError, err)
	}
	return nil
}
