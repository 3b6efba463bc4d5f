//go:build cgo

package cpra

// With cgo we use the DataDog bindings to the reference zstd library.

import "github.com/DataDog/zstd"

// CompressZStandard compresses src into dst, which is reused when it is large
// enough.
func CompressZStandard(dst, src []byte) ([]byte, error) {
	return zstd.Compress(dst[:cap(dst)], src)
}

// DecompressZStandard decompresses src into dst. As with the underlying
// library, "If you have a buffer to use, you can pass it to prevent
// allocation. If it is too small, or if nil is passed, a new buffer will be
// allocated and returned."
func DecompressZStandard(dst, src []byte) ([]byte, error) {
	return zstd.Decompress(dst[:cap(dst)], src)
}
