// Package engine implements the compression and encryption codecs that
// back a zip entry's payload: Store/Deflate/Bzip2 compression and
// PKWARE/WinZip-AES encryption, kept separate from the root package the
// way the decompressor registry in xenking-zipstream keeps the codec
// table separate from the stream reader.
package engine

import (
	"errors"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
)

// Method codes this engine can compress and decompress, matching the
// standard zip method codes.
const (
	MethodStored  uint16 = 0
	MethodDeflate uint16 = 8
	MethodBzip2   uint16 = 12
)

// ErrUnsupportedMethod is returned by Compress/Decompress for a method
// code with no registered codec.
var ErrUnsupportedMethod = errors.New("engine: unsupported compression method")

// Compressor produces a write-side pipeline stage for one compression
// method.
type Compressor interface {
	Compress(dst io.Writer, level int) (io.WriteCloser, error)
}

// Decompressor produces a read-side pipeline stage for one compression
// method.
type Decompressor interface {
	Decompress(src io.Reader) (io.ReadCloser, error)
}

var (
	compressors   = map[uint16]Compressor{}
	decompressors = map[uint16]Decompressor{}
)

func registerMethod(method uint16, c Compressor, d Decompressor) {
	compressors[method] = c
	decompressors[method] = d
}

func init() {
	registerMethod(MethodStored, storeCodec{}, storeCodec{})
	registerMethod(MethodDeflate, deflateCodec{}, deflateCodec{})
	registerMethod(MethodBzip2, bzip2Codec{}, bzip2Codec{})
}

// Compress returns a write-side compressor for method, wrapping dst.
// Closing the returned writer flushes the compressed stream but does not
// close dst.
func Compress(method uint16, dst io.Writer, level int) (io.WriteCloser, error) {
	c, ok := compressors[method]
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	return c.Compress(dst, level)
}

// Decompress returns a read-side decompressor for method, reading from
// src.
func Decompress(method uint16, src io.Reader) (io.ReadCloser, error) {
	d, ok := decompressors[method]
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	return d.Decompress(src)
}

// Supported reports whether method has both a compressor and
// decompressor registered.
func Supported(method uint16) bool {
	_, ok := compressors[method]
	return ok
}

// --- Store ---

type storeCodec struct{}

func (storeCodec) Compress(dst io.Writer, level int) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}

func (storeCodec) Decompress(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// --- Deflate ---

// deflateLevel maps the 1..9/-1 compression-level convention this module
// uses onto klauspost/compress/flate's level constants, which follow the
// same scale.
func deflateLevel(level int) int {
	if level == -1 {
		return flate.DefaultCompression
	}
	if level < flate.NoCompression {
		return flate.NoCompression
	}
	if level > flate.BestCompression {
		return flate.BestCompression
	}
	return level
}

type deflateCodec struct{}

func (deflateCodec) Compress(dst io.Writer, level int) (io.WriteCloser, error) {
	fw, err := flate.NewWriter(dst, deflateLevel(level))
	if err != nil {
		return nil, err
	}
	return fw, nil
}

func (deflateCodec) Decompress(src io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(src), nil
}

// --- Bzip2 ---

// bzip2BlockSize maps a compression level onto dsnet/compress/bzip2's
// 1..9 block-size-in-100KB-units parameter; bzip2 has no notion of a
// "default" level distinct from its block size, so -1 maps to 4, per
// spec.md §4.6.1.
func bzip2BlockSize(level int) int {
	if level == -1 {
		return 4
	}
	if level < 1 {
		return 1
	}
	if level > 9 {
		return 9
	}
	return level
}

type bzip2Codec struct{}

func (bzip2Codec) Compress(dst io.Writer, level int) (io.WriteCloser, error) {
	zw, err := bzip2.NewWriterLevel(dst, bzip2BlockSize(level))
	if err != nil {
		return nil, err
	}
	return zw, nil
}

func (bzip2Codec) Decompress(src io.Reader) (io.ReadCloser, error) {
	zr, err := bzip2.NewReader(src, nil)
	if err != nil {
		return nil, err
	}
	return zr, nil
}
