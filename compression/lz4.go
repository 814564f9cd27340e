package compression

import (
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// lz4Compressor implements LZ4 block compression
type lz4Compressor struct {
	minReductionPercent uint8

	// Pool compressor state so concurrent flush and compaction don't
	// share a hash table.
	pool sync.Pool
}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor(minReductionPercent uint8) Compressor {
	return &lz4Compressor{
		minReductionPercent: minReductionPercent,
		pool: sync.Pool{
			New: func() any { return &lz4.Compressor{} },
		},
	}
}

func (c *lz4Compressor) Compress(dst, src []byte) ([]byte, bool, error) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	} else {
		dst = dst[:bound]
	}

	enc := c.pool.Get().(*lz4.Compressor)
	n, err := enc.CompressBlock(src, dst)
	c.pool.Put(enc)
	if err != nil {
		return nil, false, fmt.Errorf("lz4 compression failed: %w", err)
	}

	// n == 0 means the block was incompressible
	useRaw := n == 0
	if !useRaw && c.minReductionPercent > 0 {
		reductionPercent := (len(src) - n) * 100 / len(src)
		useRaw = reductionPercent < int(c.minReductionPercent)
	}
	if useRaw {
		if cap(dst) < len(src) {
			dst = make([]byte, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst, false, nil
	}

	return dst[:n], true, nil
}

func (c *lz4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	return DecompressLZ4(dst, src)
}

func (c *lz4Compressor) Type() Type {
	return LZ4
}

// DecompressLZ4 decompresses LZ4-compressed data. dst must be sized
// to the original uncompressed length; LZ4 blocks don't carry it.
func DecompressLZ4(dst, src []byte) ([]byte, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompression failed: %w", err)
	}
	return dst[:n], nil
}
