package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/twlk9/raftdb/bloom"
	"github.com/twlk9/raftdb/compression"
	"github.com/twlk9/raftdb/keys"
)

const (
	// DefaultBlockSize is the target uncompressed entry payload per
	// data block. A block seals once it crosses this.
	DefaultBlockSize = 16 * 1024

	// DefaultBloomFPRate is the per-block Bloom filter false positive
	// target.
	DefaultBloomFPRate = 0.01
)

// FileName returns the on-disk name for a table id.
func FileName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.sst", id))
}

// SSTableOpts configures both the writer and the reader. The reader
// only cares about Compression (it determines the block layout on
// disk) and Cache.
type SSTableOpts struct {
	Dir         string
	ID          uint64
	BlockSize   int
	BloomFPRate float64
	Compression compression.Config
	Cache       *BlockCache
	Logger      *slog.Logger
}

func (o *SSTableOpts) fillDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = DefaultBloomFPRate
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
}

// compressedLayout reports whether tables under this config carry the
// compressed block header. It has to agree between writer and reader.
func (o *SSTableOpts) compressedLayout() bool {
	return o.Compression.Enabled && o.Compression.Type != compression.None
}

// TableMeta describes a finished table. Finish returns one;
// SSTableReader.Meta rebuilds one from an open file.
type TableMeta struct {
	ID         uint64
	Size       int64
	FirstKey   keys.UserKey
	LastKey    keys.UserKey
	NumEntries uint64
}

// blockBuilder accumulates the entry payload for one data block.
type blockBuilder struct {
	payload  []byte
	offsets  []int
	firstKey keys.UserKey
}

func (b *blockBuilder) add(key keys.UserKey, value []byte, kind keys.Kind) {
	if len(b.offsets) == 0 {
		b.firstKey = key.Clone()
	}
	b.offsets = append(b.offsets, len(b.payload))
	b.payload = binary.LittleEndian.AppendUint64(b.payload, uint64(len(key)))
	if kind == keys.KindDelete {
		b.payload = binary.LittleEndian.AppendUint64(b.payload, tombstoneLen)
		b.payload = append(b.payload, key...)
		return
	}
	b.payload = binary.LittleEndian.AppendUint64(b.payload, uint64(len(value)))
	b.payload = append(b.payload, key...)
	b.payload = append(b.payload, value...)
}

// seal encodes the builder into its on-disk form and resets it.
func (b *blockBuilder) seal(w *SSTableWriter) (sealedBlock, error) {
	f := bloom.New(len(b.offsets), w.opts.BloomFPRate)
	for _, off := range b.offsets {
		klen := binary.LittleEndian.Uint64(b.payload[off:])
		f.Insert(b.payload[off+16 : off+16+int(klen)])
	}
	bloomBytes := f.Save(nil)

	var out []byte
	if w.opts.compressedLayout() {
		body := b.payload
		flags := byte(0)
		if len(b.payload) >= w.opts.Compression.MinCompressSize {
			compressed, applied, err := w.compressor.Compress(nil, b.payload)
			if err != nil {
				return sealedBlock{}, fmt.Errorf("compress block: %w", err)
			}
			if applied {
				body = compressed
				flags = flagCompressed | w.compressor.Type().Tag()<<codecTagShift
			}
		}
		out = make([]byte, 0, 9+len(bloomBytes)+8+len(body))
		out = binary.LittleEndian.AppendUint64(out, uint64(len(b.payload)))
		out = append(out, flags)
		out = append(out, bloomBytes...)
		out = binary.LittleEndian.AppendUint64(out, uint64(len(b.offsets)))
		out = append(out, body...)
	} else {
		total := 8 + len(bloomBytes) + 8 + len(b.payload)
		out = make([]byte, 0, total)
		out = binary.LittleEndian.AppendUint64(out, uint64(total))
		out = append(out, bloomBytes...)
		out = binary.LittleEndian.AppendUint64(out, uint64(len(b.offsets)))
		out = append(out, b.payload...)
	}

	sealed := sealedBlock{data: out, firstKey: b.firstKey}
	b.payload = nil
	b.offsets = nil
	b.firstKey = nil
	return sealed, nil
}

type sealedBlock struct {
	data     []byte
	firstKey keys.UserKey
}

// SSTableWriter builds one immutable table from an ascending entry
// stream. The index block goes first in the file and needs every
// block offset, so sealed blocks stay in memory until Finish.
type SSTableWriter struct {
	path       string
	opts       SSTableOpts
	logger     *slog.Logger
	compressor compression.Compressor

	cur    blockBuilder
	blocks []sealedBlock

	numEntries uint64
	firstKey   keys.UserKey
	lastKey    keys.UserKey

	finished bool
}

// NewSSTableWriter creates a writer for table opts.ID under opts.Dir.
func NewSSTableWriter(opts SSTableOpts) (*SSTableWriter, error) {
	opts.fillDefaults()
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	compressor, err := compression.NewCompressor(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	return &SSTableWriter{
		path:       FileName(opts.Dir, opts.ID),
		opts:       opts,
		logger:     opts.Logger,
		compressor: compressor,
	}, nil
}

// Add appends an entry. Keys must arrive in strictly ascending order.
func (w *SSTableWriter) Add(key keys.UserKey, value []byte, kind keys.Kind) error {
	if w.finished {
		return fmt.Errorf("writer for %s is finished", w.path)
	}
	if len(key) == 0 {
		return fmt.Errorf("cannot add empty key")
	}
	if w.lastKey != nil && key.Compare(w.lastKey) <= 0 {
		return fmt.Errorf("key %q not above previous key %q", key, w.lastKey)
	}
	if w.numEntries == 0 {
		w.firstKey = key.Clone()
	}
	w.lastKey = key.Clone()

	w.cur.add(key, value, kind)
	w.numEntries++

	if len(w.cur.payload) >= w.opts.BlockSize {
		return w.sealCurrent()
	}
	return nil
}

func (w *SSTableWriter) sealCurrent() error {
	sealed, err := w.cur.seal(w)
	if err != nil {
		return err
	}
	w.blocks = append(w.blocks, sealed)
	return nil
}

// Finish seals the last block, writes index then data blocks, syncs
// and closes the file. The writer is done after this.
func (w *SSTableWriter) Finish() (*TableMeta, error) {
	if w.finished {
		return nil, fmt.Errorf("writer for %s is finished", w.path)
	}
	w.finished = true

	if len(w.cur.offsets) > 0 {
		if err := w.sealCurrent(); err != nil {
			return nil, err
		}
	}
	if len(w.blocks) == 0 {
		return nil, fmt.Errorf("no entries to write to %s", w.path)
	}

	// Index block: 16-byte header plus a fixed 16 bytes and the first
	// key per data block.
	indexSize := uint64(16)
	for _, blk := range w.blocks {
		indexSize += 16 + uint64(len(blk.firstKey))
	}

	file, err := os.Create(w.path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(file)

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], indexSize)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(w.blocks)))
	if _, err := bw.Write(hdr[:]); err != nil {
		file.Close()
		return nil, err
	}

	offset := indexSize
	for _, blk := range w.blocks {
		var ent [16]byte
		binary.LittleEndian.PutUint64(ent[0:8], offset)
		binary.LittleEndian.PutUint64(ent[8:16], uint64(len(blk.firstKey)))
		if _, err := bw.Write(ent[:]); err != nil {
			file.Close()
			return nil, err
		}
		if _, err := bw.Write(blk.firstKey); err != nil {
			file.Close()
			return nil, err
		}
		offset += uint64(len(blk.data))
	}

	for _, blk := range w.blocks {
		if _, err := bw.Write(blk.data); err != nil {
			file.Close()
			return nil, err
		}
	}

	if err := bw.Flush(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	w.logger.Debug("sstable written",
		"path", w.path,
		"entries", w.numEntries,
		"blocks", len(w.blocks),
		"bytes", offset)

	meta := &TableMeta{
		ID:         w.opts.ID,
		Size:       int64(offset),
		FirstKey:   w.firstKey,
		LastKey:    w.lastKey,
		NumEntries: w.numEntries,
	}
	w.blocks = nil
	return meta, nil
}

// Abort removes a partially written table. Called when a flush or
// compaction fails after the writer was created.
func (w *SSTableWriter) Abort() {
	w.finished = true
	w.blocks = nil
	os.Remove(w.path)
}
