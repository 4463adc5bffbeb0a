// Package compression provides the per-block codecs of the sorted table
// format. The codec of every physical block is recorded in the block trailer,
// so tables written with different settings can be read back transparently.
package compression

import "fmt"

type Type byte

const (
	None Type = iota
	Snappy
	Zstd
)

var typeStrings = map[Type]string{
	None:   "none",
	Snappy: "snappy",
	Zstd:   "zstd",
}

func (t Type) String() string {
	if s, ok := typeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

type ICompression interface {
	GetType() Type

	// Compress appends the compressed form of src to dst (reusing its
	// capacity) and returns the result.
	Compress(dst, src []byte) []byte

	// Decompress fills buf, which must be exactly DecompressedLen(compressed)
	// long, with the decompressed payload.
	Decompress(buf, compressed []byte) error

	// DecompressedLen reports the size of the decompressed payload.
	DecompressedLen(b []byte) (decompressedLen int, err error)
}

// ByType returns the codec for a trailer tag.
func ByType(t Type) (ICompression, error) {
	switch t {
	case None:
		return &noopCompressor{}, nil
	case Snappy:
		return &snappyCompressor{}, nil
	case Zstd:
		return &zstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", byte(t))
	}
}

type noopCompressor struct{}

func (n *noopCompressor) GetType() Type {
	return None
}

func (n *noopCompressor) Compress(dst, src []byte) []byte {
	return append(dst[:0], src...)
}

func (n *noopCompressor) Decompress(buf, compressed []byte) error {
	copy(buf, compressed)
	return nil
}

func (n *noopCompressor) DecompressedLen(b []byte) (int, error) {
	return len(b), nil
}

var _ ICompression = (*noopCompressor)(nil)
