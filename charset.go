package vaultzip

import (
	"golang.org/x/text/encoding/charmap"
)

// CharsetDecoder turns legacy-encoded archive bytes (entry names,
// comments) into UTF-8. The zero value is nil, meaning "use the default",
// which is CP437 per spec.md §6 ("When bit 11 is unset, names are decoded
// using a legacy code page, defaulting to CP437").
type CharsetDecoder func([]byte) string

// decodeLegacyName converts raw legacy-encoded bytes to a UTF-8 string
// using dec, or CP437 if dec is nil.
func decodeLegacyName(raw []byte, dec CharsetDecoder) string {
	if dec != nil {
		return dec(raw)
	}
	return cp437ToUTF8(raw)
}

// cp437ToUTF8 decodes raw as IBM Code Page 437, the legacy default for
// zip entry names and comments that predates Unicode support.
func cp437ToUTF8(raw []byte) string {
	out, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		// CP437 maps every byte value to a rune, so NewDecoder().Bytes
		// cannot fail in practice; fall back to the raw bytes rather than
		// losing the name entirely.
		return string(raw)
	}
	return string(out)
}

// utf8ToCP437 encodes s as IBM Code Page 437 for entries whose NonUTF8
// flag asks for the legacy path on write; runes CP437 cannot represent
// fall back to s's raw UTF-8 bytes, mirroring decodeLegacyName's own
// fallback-on-failure posture.
func utf8ToCP437(s string) []byte {
	out, err := charmap.CodePage437.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}
