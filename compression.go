package cpra

import (
	"fmt"

	"github.com/golang/snappy"
)

// Compression indicates how (and whether) the blocks of an indexed store are
// compressed.
type Compression uint32

const (
	CompressionDisabled Compression = iota
	CompressionSnappy
	CompressionZStandard
)

func (c Compression) String() string {
	switch c {
	case CompressionDisabled:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZStandard:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", uint32(c))
}

// ParseCompression accepts the names produced by String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionDisabled, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd", "zstandard":
		return CompressionZStandard, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// compressBlock appends the compressed form of src to dst[:0].
func compressBlock(c Compression, dst, src []byte) ([]byte, error) {
	switch c {
	case CompressionDisabled:
		return append(dst[:0], src...), nil
	case CompressionSnappy:
		return snappy.Encode(dst[:cap(dst)], src), nil
	case CompressionZStandard:
		return CompressZStandard(dst, src)
	}
	return nil, fmt.Errorf("compression %s is not supported", c)
}

func decompressBlock(c Compression, dst, src []byte) ([]byte, error) {
	switch c {
	case CompressionDisabled:
		return append(dst[:0], src...), nil
	case CompressionSnappy:
		return snappy.Decode(dst[:cap(dst)], src)
	case CompressionZStandard:
		return DecompressZStandard(dst, src)
	}
	return nil, fmt.Errorf("compression %s is not supported", c)
}
