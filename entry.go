// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vaultzip

import (
	"os"
	"path"
	"time"
)

// Compression methods recognized on read. Only Stored, Deflate and Bzip2
// can be produced by this package's writer; other codes round-trip their
// metadata but Open/Contents refuse to decompress them (spec.md §1).
const (
	MethodStored  uint16 = 0
	MethodDeflate uint16 = 8
	MethodBzip2   uint16 = 12
	// methodAESEnvelope is the on-disk LFH/CFH method for any AES-encrypted
	// entry; the real method lives in the WinZip-AES extra field.
	methodAESEnvelope uint16 = 99

	// MethodAuto asks the writer to choose Stored or Deflate automatically,
	// per spec.md §4.7 step 1 / SPEC_FULL.md §4.7.1.
	MethodAuto uint16 = 0xffff
)

// EncryptionMethod identifies which, if any, encryption envelope wraps an
// entry's compressed payload.
type EncryptionMethod int

const (
	EncNone EncryptionMethod = iota
	EncPKWARE
	EncAES128
	EncAES192
	EncAES256
)

// aesKeyStrengthCode returns the WinZip-AES vendor key-strength code (1/2/3)
// for an AES EncryptionMethod, or 0 if not AES.
func aesKeyStrengthCode(m EncryptionMethod) uint8 {
	switch m {
	case EncAES128:
		return 1
	case EncAES192:
		return 2
	case EncAES256:
		return 3
	}
	return 0
}

// aesKeyLen returns the AES key length in bytes for a key-strength code.
func aesKeyLen(strength uint8) int {
	switch strength {
	case 1:
		return 16
	case 2:
		return 24
	case 3:
		return 32
	}
	return 0
}

// aesSaltLen returns the salt length in bytes for a key-strength code, per
// spec.md §4.6.3: 8/12/16 bytes for 128/192/256-bit keys.
func aesSaltLen(strength uint8) int {
	switch strength {
	case 1:
		return 8
	case 2:
		return 12
	case 3:
		return 16
	}
	return 0
}

// General-purpose bit-flag positions, per spec.md §3/§6.
const (
	flagEncrypted      = 1 << 0
	flagDeflateSub1    = 1 << 1
	flagDeflateSub2    = 1 << 2
	flagDataDescriptor = 1 << 3
	flagStrongEnc      = 1 << 6
	flagUTF8           = 1 << 11
)

// Creator-version platform byte, high byte of CreatorVersion/"version made
// by". Matches the teacher's constants (struct.go).
const (
	platformFAT    = 0
	platformUnix   = 3
	platformNTFS   = 11
	platformVFAT   = 14
	platformMacOSX = 19
)

// Extract-version / spec-version constants from spec.md §3/§6.
const (
	verDeflate    = 20
	verZip64      = 45
	verBzip2      = 46
	verAES        = 51
	verMadeBySpec = 63 // APPNOTE 6.3
)

const uint16Max = 1<<16 - 1
const uint32Max = 1<<32 - 1

// payloadSource is the variant named in spec.md §3: where an entry's bytes
// come from. Exactly one of the concrete types below is set.
type payloadSource interface {
	// knownSize reports the uncompressed size if known without reading the
	// payload, and whether it is known.
	knownSize() (uint64, bool)
	// open returns a fresh reader over the uncompressed bytes. e is the
	// (possibly cloned) Entry this payload is currently attached to, so an
	// archive-bound payload can resolve the password/encryption state of
	// whichever Entry is asking rather than a stale snapshot taken at
	// parse time.
	open(e *Entry) (readCloserAt, error)
}

// readCloserAt is satisfied by everything this package needs to read a
// payload exactly once, sequentially, plus close it.
type readCloserAt interface {
	Read(p []byte) (int, error)
	Close() error
}

// Entry is the mutable, in-memory representation of one archive record,
// per spec.md §3.
type Entry struct {
	Name    string
	Comment string

	Method     uint16
	Encryption EncryptionMethod
	Level      int // -1 (default) or 1..9

	CRC32            uint32
	UncompressedSize uint64
	CompressedSize   uint64

	Modified time.Time

	CreatorVersion uint16
	ExtractVersion uint16
	ExternalAttrs  uint32
	InternalAttrs  uint16
	Flags          uint16

	Extra ExtraFieldList

	// NonUTF8 forces the legacy-charset path even for valid UTF-8 Name and
	// Comment values, mirroring the teacher's FileHeader.NonUTF8.
	NonUTF8 bool

	password    string
	hasPassword bool

	// dirty marks that this entry has been explicitly mutated since being
	// bound to (or cloned from) an archive, so the writer's verbatim
	// fast-path (spec.md §9) knows it can no longer reuse rawExtra and the
	// source payload bytes as-is and must re-encode the entry instead.
	dirty bool

	// localHeaderOffset is filled in by the writer as it serializes, and by
	// the reader as it walks the central directory.
	localHeaderOffset uint64

	payload payloadSource

	// rawExtra holds the original on-disk extra-field bytes for entries
	// bound to an archive and not yet mutated, so an unchanged entry
	// round-trips byte-for-byte (spec.md §9, "Extra-field preservation on
	// unchanged entries").
	rawExtra   []byte
	rawExtraOK bool
}

// NewDirEntry creates a directory entry (name forced to end in "/"), with
// the zero sizes/CRC/method the directory invariant in spec.md §3 requires.
func NewDirEntry(name string) *Entry {
	if len(name) == 0 || name[len(name)-1] != '/' {
		name += "/"
	}
	e := &Entry{Name: name, Method: MethodStored, Level: -1, Modified: time.Now()}
	return e
}

// IsDir reports whether this entry is a directory entry.
func (e *Entry) IsDir() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// SetName validates and sets the entry name. Per spec.md §4.3, a name
// longer than 65535 bytes is InvalidName.
func (e *Entry) SetName(name string) error {
	if len(name) > uint16Max {
		return newEntryErr(KindInvalidName, name, nil)
	}
	e.Name = name
	e.dirty = true
	return nil
}

// SetLevel validates and sets the compression level. Valid values are -1
// (default) or 1..9, per spec.md §4.3.
func (e *Entry) SetLevel(level int) error {
	if level != -1 && (level < 1 || level > 9) {
		return newEntryErr(KindInvalidLevel, e.Name, nil)
	}
	e.Level = level
	e.dirty = true
	return nil
}

// SetPassword assigns a per-entry read/write password and encryption
// method. Passing EncNone clears encryption (and the password).
func (e *Entry) SetPassword(password string, method EncryptionMethod) error {
	switch method {
	case EncNone:
		e.password = ""
		e.hasPassword = false
		e.Encryption = EncNone
	case EncPKWARE, EncAES128, EncAES192, EncAES256:
		e.password = password
		e.hasPassword = true
		e.Encryption = method
	default:
		return newEntryErr(KindUnsupportedEncryption, e.Name, nil)
	}
	e.dirty = true
	return nil
}

// Password returns the entry's assigned password and whether one is set.
func (e *Entry) Password() (string, bool) { return e.password, e.hasPassword }

// RequiresDataDescriptor reports whether this entry's size isn't known
// until the payload is fully read. Only stream-sourced payloads of unknown
// length report true; bytes/file/from-archive sources always know their
// size up front. The writer buffers such payloads in full, so it never
// sets general-purpose bit 3 or writes a data descriptor.
func (e *Entry) RequiresDataDescriptor() bool {
	if e.payload == nil {
		return false
	}
	_, known := e.payload.knownSize()
	return !known
}

// RequiresZip64 reports whether any of compressed size, uncompressed size,
// or local-header offset exceeds the 32-bit limit, per spec.md §3.
// entryCountNeedsZip64 (a container-level condition) is passed in since it
// isn't a property of a single entry.
func (e *Entry) RequiresZip64(entryCountNeedsZip64 bool) bool {
	return e.CompressedSize > uint32Max || e.UncompressedSize > uint32Max ||
		e.localHeaderOffset > uint32Max || entryCountNeedsZip64
}

// EncryptionExtraOverhead returns the number of extra on-disk bytes the
// entry's encryption envelope adds to the compressed payload: salt +
// 2-byte verifier + 10-byte HMAC for AES, or the 12-byte header for PKWARE.
// Per spec.md §3's invariant on compressed_size.
func (e *Entry) EncryptionExtraOverhead() int {
	switch e.Encryption {
	case EncPKWARE:
		return 12
	case EncAES128, EncAES192, EncAES256:
		strength := aesKeyStrengthCode(e.Encryption)
		return aesSaltLen(strength) + 2 + 10
	}
	return 0
}

// minExtractVersion computes the "extract-version" floor named in spec.md
// §3: at least 20 for Deflate/folders/PKWARE, 46 for Bzip2, 45 for ZIP64,
// 51 for WinZip-AES.
func (e *Entry) minExtractVersion(needsZip64 bool) uint16 {
	v := uint16(verDeflate)
	switch e.Method {
	case MethodBzip2:
		v = verBzip2
	}
	if needsZip64 && v < verZip64 {
		v = verZip64
	}
	switch e.Encryption {
	case EncAES128, EncAES192, EncAES256:
		if v < verAES {
			v = verAES
		}
	}
	return v
}

// FileInfo returns an os.FileInfo view of this entry, mirroring the
// teacher's FileHeader.FileInfo.
func (e *Entry) FileInfo() os.FileInfo { return entryFileInfo{e} }

type entryFileInfo struct{ e *Entry }

func (fi entryFileInfo) Name() string       { return path.Base(fi.e.Name) }
func (fi entryFileInfo) Size() int64        { return int64(fi.e.UncompressedSize) }
func (fi entryFileInfo) IsDir() bool        { return fi.Mode().IsDir() }
func (fi entryFileInfo) ModTime() time.Time { return fi.e.Modified }
func (fi entryFileInfo) Mode() os.FileMode  { return fi.e.Mode() }
func (fi entryFileInfo) Sys() interface{}   { return fi.e }

// Unix external-attribute file-type bits, agreed on by tooling though not
// specified by APPNOTE (matches teacher's struct.go constants).
const (
	sIFMT   = 0xf000
	sIFSOCK = 0xc000
	sIFLNK  = 0xa000
	sIFREG  = 0x8000
	sIFBLK  = 0x6000
	sIFDIR  = 0x4000
	sIFCHR  = 0x2000
	sIFIFO  = 0x1000
	sISUID  = 0x800
	sISGID  = 0x400
	sISVTX  = 0x200

	msdosDir      = 0x10
	msdosReadOnly = 0x01
)

// Mode returns the os.FileMode encoded in ExternalAttrs, dispatched by the
// platform byte in CreatorVersion.
func (e *Entry) Mode() (mode os.FileMode) {
	switch e.CreatorVersion >> 8 {
	case platformUnix, platformMacOSX:
		mode = unixModeToFileMode(e.ExternalAttrs >> 16)
	case platformNTFS, platformVFAT, platformFAT:
		mode = msdosModeToFileMode(e.ExternalAttrs)
	}
	if e.IsDir() {
		mode |= os.ModeDir
	}
	return mode
}

// SetMode sets ExternalAttrs (and CreatorVersion's platform byte) from an
// os.FileMode, also setting the DOS attribute bits the way most zip tools
// do for compatibility.
func (e *Entry) SetMode(mode os.FileMode) {
	e.CreatorVersion = e.CreatorVersion&0xff | platformUnix<<8
	e.ExternalAttrs = fileModeToUnixMode(mode) << 16
	if mode&os.ModeDir != 0 {
		e.ExternalAttrs |= msdosDir
	}
	if mode&0200 == 0 {
		e.ExternalAttrs |= msdosReadOnly
	}
	e.dirty = true
}

// IsSymlink reports whether the entry's Unix file-type bits mark it a
// symbolic link (octal 0120000), per spec.md §6's extraction policy.
func (e *Entry) IsSymlink() bool {
	return e.Mode()&os.ModeSymlink != 0
}

func msdosModeToFileMode(m uint32) (mode os.FileMode) {
	if m&msdosDir != 0 {
		mode = os.ModeDir | 0777
	} else {
		mode = 0666
	}
	if m&msdosReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func fileModeToUnixMode(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = sIFREG
	case os.ModeDir:
		m = sIFDIR
	case os.ModeSymlink:
		m = sIFLNK
	case os.ModeNamedPipe:
		m = sIFIFO
	case os.ModeSocket:
		m = sIFSOCK
	case os.ModeDevice:
		if mode&os.ModeCharDevice != 0 {
			m = sIFCHR
		} else {
			m = sIFBLK
		}
	}
	if mode&os.ModeSetuid != 0 {
		m |= sISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= sISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= sISVTX
	}
	return m | uint32(mode&0777)
}

func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & sIFMT {
	case sIFBLK:
		mode |= os.ModeDevice
	case sIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case sIFDIR:
		mode |= os.ModeDir
	case sIFIFO:
		mode |= os.ModeNamedPipe
	case sIFLNK:
		mode |= os.ModeSymlink
	case sIFREG:
	case sIFSOCK:
		mode |= os.ModeSocket
	}
	if m&sISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&sISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&sISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// Clone returns a copy of e with its own Extra list and raw extra bytes,
// used by Container's clone-on-write overlay (spec.md §9). The extra-field
// values in the list and the payload source are shared with e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Extra = append(ExtraFieldList(nil), e.Extra...)
	if e.rawExtra != nil {
		c.rawExtra = append([]byte(nil), e.rawExtra...)
	}
	return &c
}
