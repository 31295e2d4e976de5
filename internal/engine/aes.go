package engine

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// WinZip-AES key-derivation parameters, per spec.md §4.6.3.
const pbkdf2Iterations = 1000

var errBadKeyStrength = errors.New("engine: invalid AES key strength code")

func aesKeyLen(strength int) (int, error) {
	switch strength {
	case 1:
		return 16, nil
	case 2:
		return 24, nil
	case 3:
		return 32, nil
	}
	return 0, errBadKeyStrength
}

func aesSaltLen(strength int) (int, error) {
	switch strength {
	case 1:
		return 8, nil
	case 2:
		return 12, nil
	case 3:
		return 16, nil
	}
	return 0, errBadKeyStrength
}

// deriveAESKeys runs PBKDF2-HMAC-SHA1 over password+salt and splits the
// output into the AES key, the HMAC key, and the 2-byte password
// verification value, per spec.md §4.6.3.
func deriveAESKeys(password, salt []byte, keyLen int) (aesKey, hmacKey, verify []byte) {
	dk := pbkdf2.Key(password, salt, pbkdf2Iterations, 2*keyLen+2, sha1.New)
	return dk[:keyLen], dk[keyLen : 2*keyLen], dk[2*keyLen:]
}

// AESEncrypt wraps dst with the WinZip-AES envelope: a random salt, the
// 2-byte password-verification value, AES-CTR ciphertext, and (on Close)
// a 10-byte truncated HMAC-SHA1 tag over the ciphertext.
func AESEncrypt(dst io.Writer, password []byte, strength int) (io.WriteCloser, error) {
	keyLen, err := aesKeyLen(strength)
	if err != nil {
		return nil, err
	}
	saltLen, err := aesSaltLen(strength)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aesKey, hmacKey, verify := deriveAESKeys(password, salt, keyLen)

	if _, err := dst.Write(salt); err != nil {
		return nil, err
	}
	if _, err := dst.Write(verify); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	// WinZip-AES uses a little-endian CTR counter starting at 1, distinct
	// from the big-endian convention crypto/cipher.NewCTR assumes, so the
	// counter is maintained by hand in fixed 16-byte blocks.
	return &aesEncryptWriter{
		dst:   dst,
		block: block,
		mac:   hmac.New(sha1.New, hmacKey),
		ctr:   newWinZipCounter(),
	}, nil
}

type aesEncryptWriter struct {
	dst   io.Writer
	block cipher.Block
	mac   hash.Hash
	ctr   *winZipCounter
}

func (w *aesEncryptWriter) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	w.ctr.xorKeyStream(w.block, out, p)
	if _, err := w.mac.Write(out); err != nil {
		return 0, err
	}
	return w.dst.Write(out)
}

func (w *aesEncryptWriter) Close() error {
	tag := w.mac.Sum(nil)[:10]
	_, err := w.dst.Write(tag)
	return err
}

// AESDecrypt reads the WinZip-AES envelope from src (salt, verifier,
// ciphertext, 10-byte HMAC tag), validates the password-verification
// value and the trailing HMAC, and returns a reader over the recovered
// plaintext. src must expose exactly the envelope's bytes (no more, no
// less), since the HMAC tag sits at the very end and the caller's
// section reader already bounds the compressed_size to include it.
func AESDecrypt(src io.Reader, password []byte, strength int) (io.Reader, error) {
	keyLen, err := aesKeyLen(strength)
	if err != nil {
		return nil, err
	}
	saltLen, err := aesSaltLen(strength)
	if err != nil {
		return nil, err
	}

	all, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	overhead := saltLen + 2 + 10
	if len(all) < overhead {
		return nil, ErrAuthFail
	}
	salt := all[:saltLen]
	verify := all[saltLen : saltLen+2]
	ciphertext := all[saltLen+2 : len(all)-10]
	tag := all[len(all)-10:]

	aesKey, hmacKey, wantVerify := deriveAESKeys(password, salt, keyLen)
	if !hmac.Equal(verify, wantVerify) {
		return nil, ErrAuthFail
	}

	mac := hmac.New(sha1.New, hmacKey)
	mac.Write(ciphertext)
	wantTag := mac.Sum(nil)[:10]
	if !hmac.Equal(tag, wantTag) {
		return nil, ErrAuthFail
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	newWinZipCounter().xorKeyStream(block, plain, ciphertext)
	return bytes.NewReader(plain), nil
}

// winZipCounter implements the little-endian AES-CTR counter WinZip-AES
// requires, starting at 1 (crypto/cipher.NewCTR assumes a big-endian
// counter starting at the IV's value, which doesn't match).
type winZipCounter struct {
	counter uint64
	pos     int
	stream  [aes.BlockSize]byte
}

func newWinZipCounter() *winZipCounter {
	return &winZipCounter{counter: 1, pos: aes.BlockSize}
}

func (c *winZipCounter) xorKeyStream(block cipher.Block, dst, src []byte) {
	for i := range src {
		if c.pos == aes.BlockSize {
			var block16 [aes.BlockSize]byte
			for j := 0; j < 8; j++ {
				block16[j] = byte(c.counter >> (8 * j))
			}
			block.Encrypt(c.stream[:], block16[:])
			c.counter++
			c.pos = 0
		}
		dst[i] = src[i] ^ c.stream[c.pos]
		c.pos++
	}
}
