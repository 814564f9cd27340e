package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/twlk9/raftdb/bloom"
	"github.com/twlk9/raftdb/bufferpool"
	"github.com/twlk9/raftdb/compression"
	"github.com/twlk9/raftdb/keys"
)

// tombstoneLen marks a deleted key in the entry payload. An entry
// whose value length carries this sentinel has no value bytes at all.
const tombstoneLen = ^uint64(0)

// Flags byte of a compressed-layout block. Bit 0 says whether the
// entry payload actually got compressed; bits 1-3 carry the codec
// tag. Files written before the tag existed set only bit 0, which
// decodes as LZ4 because its tag is zero.
const (
	flagCompressed = 1 << 0
	codecTagShift  = 1
	codecTagMask   = 0x7
)

// Block is one decoded data block: its Bloom filter, the uncompressed
// entry payload, and the offset of every entry within that payload.
// Blocks are immutable once decoded.
type Block struct {
	bloom   *bloom.Filter
	payload []byte
	offsets []int

	// pooled is set when payload came out of the buffer pool (the
	// decompression path). Release hands it back.
	pooled bool
}

// NumEntries returns how many entries the block holds.
func (b *Block) NumEntries() int {
	return len(b.offsets)
}

// entryAt decodes the i'th entry in place. Returned slices alias the
// block's payload and are only valid while the block is alive.
func (b *Block) entryAt(i int) (key keys.UserKey, value []byte, kind keys.Kind) {
	off := b.offsets[i]
	klen := binary.LittleEndian.Uint64(b.payload[off:])
	vlen := binary.LittleEndian.Uint64(b.payload[off+8:])
	key = keys.UserKey(b.payload[off+16 : off+16+int(klen)])
	if vlen == tombstoneLen {
		return key, nil, keys.KindDelete
	}
	vstart := off + 16 + int(klen)
	return key, b.payload[vstart : vstart+int(vlen)], keys.KindSet
}

// Get looks a key up in the block. The Bloom filter screens out most
// absent keys before we pay for the binary search. The returned value
// aliases the block's payload, so callers who keep it past Release
// must copy it first.
func (b *Block) Get(key keys.UserKey) ([]byte, keys.Kind, bool) {
	if !b.bloom.MayContain(key) {
		return nil, 0, false
	}
	i := sort.Search(len(b.offsets), func(i int) bool {
		k, _, _ := b.entryAt(i)
		return k.Compare(key) >= 0
	})
	if i >= len(b.offsets) {
		return nil, 0, false
	}
	k, v, kind := b.entryAt(i)
	if k.Compare(key) != 0 {
		return nil, 0, false
	}
	return v, kind, true
}

// Release returns pooled decompression buffers. Safe to call more
// than once; a no-op for blocks whose payload aliases cached bytes.
func (b *Block) Release() {
	if b.pooled && b.payload != nil {
		bufferpool.PutBuffer(b.payload)
		b.payload = nil
		b.offsets = nil
	}
}

// decodeBlock picks the on-disk layout from the engine's compression
// configuration. Tables written with compression enabled use the
// compressed layout for every block, even blocks whose payload ended
// up stored raw, so the reader's config decides which header to
// expect.
func decodeBlock(raw []byte, cfg compression.Config) (*Block, error) {
	if cfg.Enabled && cfg.Type != compression.None {
		return decodeCompressedLayout(raw)
	}
	return decodePlainLayout(raw)
}

// decodePlainLayout parses [block_size:8][bloom][entry_count:8][entries].
// block_size counts the whole block including its own eight bytes.
func decodePlainLayout(raw []byte) (*Block, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("block truncated: %d bytes", len(raw))
	}
	blockSize := binary.LittleEndian.Uint64(raw)
	if blockSize != uint64(len(raw)) {
		return nil, fmt.Errorf("block size field %d does not match %d bytes on disk", blockSize, len(raw))
	}
	f, n, err := bloom.Load(raw[8:])
	if err != nil {
		return nil, fmt.Errorf("block bloom filter: %w", err)
	}
	rest := raw[8+n:]
	if len(rest) < 8 {
		return nil, fmt.Errorf("block truncated before entry count")
	}
	count := binary.LittleEndian.Uint64(rest)
	payload := rest[8:]
	offsets, err := scanEntries(payload, count)
	if err != nil {
		return nil, err
	}
	return &Block{bloom: f, payload: payload, offsets: offsets}, nil
}

// decodeCompressedLayout parses
// [original_size:8][flags:1][bloom][entry_count:8][payload] where the
// payload is compressed when flags bit 0 is set. The Bloom filter and
// entry count sit outside the compressed region so a lookup can bail
// before inflating anything.
func decodeCompressedLayout(raw []byte) (*Block, error) {
	if len(raw) < 9 {
		return nil, fmt.Errorf("block truncated: %d bytes", len(raw))
	}
	origSize := binary.LittleEndian.Uint64(raw)
	flags := raw[8]
	f, n, err := bloom.Load(raw[9:])
	if err != nil {
		return nil, fmt.Errorf("block bloom filter: %w", err)
	}
	rest := raw[9+n:]
	if len(rest) < 8 {
		return nil, fmt.Errorf("block truncated before entry count")
	}
	count := binary.LittleEndian.Uint64(rest)
	payload := rest[8:]

	pooled := false
	if flags&flagCompressed != 0 {
		typ, err := compression.TypeForTag((flags >> codecTagShift) & codecTagMask)
		if err != nil {
			return nil, fmt.Errorf("block flags 0x%02x: %w", flags, err)
		}
		dst := bufferpool.GetBuffer(int(origSize))
		payload, err = compression.Decompress(dst, payload, typ)
		if err != nil {
			bufferpool.PutBuffer(dst)
			return nil, fmt.Errorf("block payload: %w", err)
		}
		pooled = true
	} else if uint64(len(payload)) != origSize {
		return nil, fmt.Errorf("raw block payload %d bytes, header says %d", len(payload), origSize)
	}

	offsets, err := scanEntries(payload, count)
	if err != nil {
		if pooled {
			bufferpool.PutBuffer(payload)
		}
		return nil, err
	}
	return &Block{bloom: f, payload: payload, offsets: offsets, pooled: pooled}, nil
}

// scanEntries walks the entry payload once, recording where each
// entry starts and checking that every length stays inside the
// buffer.
func scanEntries(payload []byte, count uint64) ([]int, error) {
	offsets := make([]int, 0, count)
	off := 0
	for i := uint64(0); i < count; i++ {
		if off+16 > len(payload) {
			return nil, fmt.Errorf("entry %d header runs past block end", i)
		}
		klen := binary.LittleEndian.Uint64(payload[off:])
		vlen := binary.LittleEndian.Uint64(payload[off+8:])
		if klen > uint64(len(payload)) {
			return nil, fmt.Errorf("entry %d key length %d exceeds block", i, klen)
		}
		n := 16 + int(klen)
		if vlen != tombstoneLen {
			if vlen > uint64(len(payload)) {
				return nil, fmt.Errorf("entry %d value length %d exceeds block", i, vlen)
			}
			n += int(vlen)
		}
		if off+n > len(payload) {
			return nil, fmt.Errorf("entry %d runs past block end", i)
		}
		offsets = append(offsets, off)
		off += n
	}
	if off != len(payload) {
		return nil, fmt.Errorf("block has %d trailing bytes after %d entries", len(payload)-off, count)
	}
	return offsets, nil
}
