//go:build !cgo

package cpra

// Without cgo we use the pure Go zstd implementation. Its frames are
// interchangeable with those of the cgo build.

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// CompressZStandard compresses src into dst, which is reused when it is large
// enough.
func CompressZStandard(dst, src []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, dst[:0]), nil
}

// DecompressZStandard decompresses src into dst.
func DecompressZStandard(dst, src []byte) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(src, dst[:0])
}
