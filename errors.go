package vaultzip

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes a caller needs to distinguish between,
// as opposed to the Go error type, which is free to vary between releases.
type Kind int

// The error kinds named by the archive codec's error taxonomy.
const (
	// KindNotZip means the end-of-central-directory record could not be
	// located in the input at all.
	KindNotZip Kind = iota
	// KindCorrupt means a signature mismatch, a truncated record, or a CRC
	// mismatch was found while parsing an otherwise located archive.
	KindCorrupt
	// KindAuthFail means password verification failed: a PKWARE check byte
	// mismatch, an AES password-verification mismatch, or an AES HMAC
	// mismatch.
	KindAuthFail
	// KindUnsupportedMethod means the entry's compression method is known
	// but this package cannot decompress or produce it.
	KindUnsupportedMethod
	// KindUnsupportedEncryption means the entry's encryption method is known
	// but this package cannot decrypt or produce it.
	KindUnsupportedEncryption
	// KindInvalidName means a name was empty, too long, or otherwise not a
	// legal archive entry name.
	KindInvalidName
	// KindInvalidLevel means a compression level outside {-1, 1..9} was
	// requested.
	KindInvalidLevel
	// KindInvalidArgument covers caller misuse not covered by a more
	// specific kind above.
	KindInvalidArgument
	// KindNotFound means no entry exists with the requested name.
	KindNotFound
	// KindIOError means the underlying byte source or sink failed.
	KindIOError
)

func (k Kind) String() string {
	switch k {
	case KindNotZip:
		return "not a zip archive"
	case KindCorrupt:
		return "corrupt archive"
	case KindAuthFail:
		return "authentication failed"
	case KindUnsupportedMethod:
		return "unsupported compression method"
	case KindUnsupportedEncryption:
		return "unsupported encryption method"
	case KindInvalidName:
		return "invalid name"
	case KindInvalidLevel:
		return "invalid compression level"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindIOError:
		return "i/o error"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by every exported operation in this
// package that can fail. It carries a Kind plus, where known, the entry
// name and byte offset involved.
type Error struct {
	Kind   Kind
	Entry  string // offending entry name, empty if not entry-specific
	Offset int64  // offending byte offset, -1 if not known
	Err    error  // wrapped cause, nil if none
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Entry != "" {
		msg = fmt.Sprintf("%s: entry %q", msg, e.Entry)
	}
	if e.Offset >= 0 {
		msg = fmt.Sprintf("%s (at offset %d)", msg, e.Offset)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Offset: -1, Err: err}
}

func newEntryErr(kind Kind, name string, err error) *Error {
	return &Error{Kind: kind, Entry: name, Offset: -1, Err: err}
}

func newOffsetErr(kind Kind, offset int64, err error) *Error {
	return &Error{Kind: kind, Offset: offset, Err: err}
}

// Is reports whether err is a *Error of the given Kind, unwrapping as
// errors.As would.
func Is(err error, k Kind) bool {
	var zerr *Error
	if errors.As(err, &zerr) {
		return zerr.Kind == k
	}
	return false
}
