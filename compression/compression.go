package compression

import "fmt"

// Type represents different compression algorithms
type Type uint8

const (
	// None stores blocks without compression
	None Type = iota

	// LZ4 uses LZ4 block compression.
	// The historical default; existing table files are LZ4.
	LZ4

	// Snappy uses Snappy compression algorithm
	// Fast compression with reasonable compression ratios
	Snappy

	// Zstd uses Zstandard compression algorithm
	// Better compression ratios than Snappy and LZ4, slightly slower
	Zstd

	// S2 uses S2 compression algorithm
	// Faster than Snappy with better compression ratios
	S2
)

// String returns the string representation of the compression type
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseType maps a config-file string to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	default:
		return None, fmt.Errorf("unknown compression type %q", s)
	}
}

// Codec tags carried in a compressed block's flags byte (bits 1-3).
// TagLZ4 is zero so files written before the tag existed, which set
// only the compressed bit, still read back as LZ4.
const (
	TagLZ4    = 0
	TagSnappy = 1
	TagZstd   = 2
	TagS2     = 3
)

// Tag returns the on-disk codec tag for a type. Only meaningful for
// types that actually compress.
func (t Type) Tag() uint8 {
	switch t {
	case Snappy:
		return TagSnappy
	case Zstd:
		return TagZstd
	case S2:
		return TagS2
	default:
		return TagLZ4
	}
}

// TypeForTag is the inverse of Tag for blocks whose compressed bit is
// set.
func TypeForTag(tag uint8) (Type, error) {
	switch tag {
	case TagLZ4:
		return LZ4, nil
	case TagSnappy:
		return Snappy, nil
	case TagZstd:
		return Zstd, nil
	case TagS2:
		return S2, nil
	default:
		return None, fmt.Errorf("unknown codec tag %d", tag)
	}
}

// Config holds compression configuration
type Config struct {
	// Type of compression to use
	Type Type

	// Enabled turns compression on or off without forgetting which
	// algorithm was picked.
	Enabled bool

	// MinCompressSize is the smallest block worth handing to an
	// encoder. Anything under it is stored raw.
	MinCompressSize int

	// MinReductionPercent is the minimum compression ratio required
	// to store a block compressed. If compression achieves less than
	// this percentage reduction, the block is stored uncompressed.
	MinReductionPercent uint8

	// ZstdLevel specifies the Zstd compression level (only used when Type is Zstd)
	ZstdLevel ZstdLevel
}

// DefaultConfig returns the default compression configuration: LZ4,
// matching the files already on disk.
func DefaultConfig() Config {
	return Config{
		Type:                LZ4,
		Enabled:             true,
		MinCompressSize:     64,
		MinReductionPercent: 12,
		ZstdLevel:           ZstdDefault,
	}
}

// NoCompressionConfig returns a configuration with no compression
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// SnappyConfig returns a configuration for Snappy compression
func SnappyConfig() Config {
	return Config{
		Type:                Snappy,
		Enabled:             true,
		MinCompressSize:     64,
		MinReductionPercent: 12,
	}
}

// S2Config returns configuration for S2 compression.
// S2 is faster than Snappy with better compression ratios.
func S2Config() Config {
	return Config{
		Type:                S2,
		Enabled:             true,
		MinCompressSize:     64,
		MinReductionPercent: 12,
	}
}

// ZstdConfig returns a configuration for balanced Zstd compression.
// Uses ZstdDefault which is memory efficient (~5.47MB) compared to
// ZstdBest (~136MB).
func ZstdConfig() Config {
	return Config{
		Type:                Zstd,
		Enabled:             true,
		MinCompressSize:     64,
		MinReductionPercent: 8,
		ZstdLevel:           ZstdDefault,
	}
}

// Compressor interface defines compression operations
type Compressor interface {
	// Compress compresses src into dst and returns the compressed data
	// Returns the compressed data and whether compression was applied
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress decompresses src into dst and returns the decompressed data.
	// dst must be sized to the original length for codecs that need it.
	Decompress(dst, src []byte) ([]byte, error)

	// Type returns the compression type
	Type() Type
}

// NewCompressor creates a new compressor based on the configuration
func NewCompressor(config Config) (Compressor, error) {
	if !config.Enabled {
		return &noneCompressor{}, nil
	}
	switch config.Type {
	case None:
		return &noneCompressor{}, nil
	case LZ4:
		return NewLZ4Compressor(config.MinReductionPercent), nil
	case Snappy:
		return NewSnappyCompressor(config.MinReductionPercent), nil
	case Zstd:
		return NewZstdCompressor(config.MinReductionPercent, config.ZstdLevel), nil
	case S2:
		return NewS2Compressor(config.MinReductionPercent), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", config.Type)
	}
}

// Decompress inflates a block of known codec type. dst must be a
// slice of exactly the original uncompressed length; LZ4 needs the
// length up front and the others use it as scratch.
func Decompress(dst, src []byte, t Type) ([]byte, error) {
	switch t {
	case None:
		copy(dst, src)
		return dst, nil
	case LZ4:
		return DecompressLZ4(dst, src)
	case Snappy:
		return DecompressSnappy(dst, src)
	case Zstd:
		return DecompressZstd(dst, src)
	case S2:
		return DecompressS2(dst, src)
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// noneCompressor implements no compression
type noneCompressor struct{}

func (c *noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	// Ensure dst has enough capacity
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst, false, nil
}

func (c *noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst, nil
}

func (c *noneCompressor) Type() Type {
	return None
}
