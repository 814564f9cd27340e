package sstable

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/twlk9/raftdb/keys"
)

// indexEntry is one parsed row of the index block.
type indexEntry struct {
	offset   uint64
	firstKey keys.UserKey
}

// SSTableReader serves point lookups and ordered scans from one table
// file. The index block is parsed once at open; data blocks are read
// on demand through the block cache when one is configured.
type SSTableReader struct {
	file   *os.File
	path   string
	size   int64
	opts   SSTableOpts
	logger *slog.Logger

	index   []indexEntry
	lastKey keys.UserKey
}

// NewSSTableReader opens table opts.ID under opts.Dir and parses its
// index block. Any inconsistency in the index fails the open; a table
// we cannot trust at open time is a table we refuse to serve from.
func NewSSTableReader(opts SSTableOpts) (*SSTableReader, error) {
	opts.fillDefaults()
	path := FileName(opts.Dir, opts.ID)
	file, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &SSTableReader{
		file:   file,
		path:   path,
		size:   stat.Size(),
		opts:   opts,
		logger: opts.Logger,
	}
	if err := r.readIndex(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// The index only records first keys. The table's largest key
	// lives in the last entry of the last block, and compaction needs
	// it for overlap checks, so dig it out now.
	b, err := r.getBlock(len(r.index) - 1)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	k, _, _ := b.entryAt(b.NumEntries() - 1)
	r.lastKey = k.Clone()
	b.Release()

	return r, nil
}

func (r *SSTableReader) readIndex() error {
	if r.size < 16 {
		return fmt.Errorf("file too small for index header: %d bytes", r.size)
	}
	var hdr [16]byte
	if _, err := r.file.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	indexSize := binary.LittleEndian.Uint64(hdr[0:8])
	count := binary.LittleEndian.Uint64(hdr[8:16])
	if indexSize < 16 || indexSize > uint64(r.size) {
		return fmt.Errorf("index block size %d out of range for %d byte file", indexSize, r.size)
	}
	if count == 0 {
		return fmt.Errorf("index block lists no data blocks")
	}

	buf := make([]byte, indexSize-16)
	if _, err := r.file.ReadAt(buf, 16); err != nil {
		return err
	}

	index := make([]indexEntry, 0, count)
	pos := 0
	prev := uint64(0)
	for i := uint64(0); i < count; i++ {
		if pos+16 > len(buf) {
			return fmt.Errorf("index entry %d runs past index block", i)
		}
		offset := binary.LittleEndian.Uint64(buf[pos:])
		klen := binary.LittleEndian.Uint64(buf[pos+8:])
		pos += 16
		if klen > uint64(len(buf)-pos) {
			return fmt.Errorf("index entry %d first key runs past index block", i)
		}
		if offset < indexSize || offset >= uint64(r.size) {
			return fmt.Errorf("index entry %d offset %d outside data region", i, offset)
		}
		if i > 0 && offset <= prev {
			return fmt.Errorf("index entry %d offset %d not above previous %d", i, offset, prev)
		}
		prev = offset
		fk := make(keys.UserKey, klen)
		copy(fk, buf[pos:pos+int(klen)])
		pos += int(klen)
		index = append(index, indexEntry{offset: offset, firstKey: fk})
	}
	if pos != len(buf) {
		return fmt.Errorf("index block has %d trailing bytes", len(buf)-pos)
	}
	r.index = index
	return nil
}

// blockLength computes block i's byte length from its neighbours; the
// last block runs to the end of the file.
func (r *SSTableReader) blockLength(i int) int64 {
	if i+1 < len(r.index) {
		return int64(r.index[i+1].offset - r.index[i].offset)
	}
	return r.size - int64(r.index[i].offset)
}

// getBlock loads and decodes data block i, consulting the cache for
// the raw bytes first. Decoding is repeated on every access; the
// cache only holds what came off the disk.
func (r *SSTableReader) getBlock(i int) (*Block, error) {
	off := r.index[i].offset

	var raw []byte
	var key uint64
	if r.opts.Cache != nil {
		key = cacheKey(r.opts.ID, off)
		if data, ok := r.opts.Cache.Get(key); ok {
			raw = data
		}
	}
	if raw == nil {
		raw = make([]byte, r.blockLength(i))
		if _, err := r.file.ReadAt(raw, int64(off)); err != nil {
			return nil, fmt.Errorf("read block at offset %d: %w", off, err)
		}
		if r.opts.Cache != nil {
			r.opts.Cache.Put(key, raw)
		}
	}

	b, err := decodeBlock(raw, r.opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("block at offset %d: %w", off, err)
	}
	return b, nil
}

// blockFor returns the index of the candidate block for key: the one
// with the largest first key not above it. Returns -1 when the key
// sorts before the whole table.
func (r *SSTableReader) blockFor(key keys.UserKey) int {
	return sort.Search(len(r.index), func(i int) bool {
		return r.index[i].firstKey.Compare(key) > 0
	}) - 1
}

// Get looks up a key. A tombstone is a hit with keys.KindDelete so
// the engine can stop probing older tables. The returned value is a
// fresh copy.
func (r *SSTableReader) Get(key keys.UserKey) ([]byte, keys.Kind, bool, error) {
	i := r.blockFor(key)
	if i < 0 {
		return nil, 0, false, nil
	}
	b, err := r.getBlock(i)
	if err != nil {
		return nil, 0, false, err
	}
	defer b.Release()

	v, kind, ok := b.Get(key)
	if !ok {
		return nil, 0, false, nil
	}
	if kind == keys.KindDelete {
		return nil, keys.KindDelete, true, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, keys.KindSet, true, nil
}

// FirstKey returns the smallest key in the table.
func (r *SSTableReader) FirstKey() keys.UserKey {
	return r.index[0].firstKey
}

// LastKey returns the largest key in the table.
func (r *SSTableReader) LastKey() keys.UserKey {
	return r.lastKey
}

// ID returns the table's id.
func (r *SSTableReader) ID() uint64 {
	return r.opts.ID
}

// Size returns the table's byte size on disk.
func (r *SSTableReader) Size() int64 {
	return r.size
}

// Path returns the table's file path.
func (r *SSTableReader) Path() string {
	return r.path
}

// Meta rebuilds the table's metadata record from the open file.
// NumEntries sums the entry counts of the data blocks, so every block
// is read and decoded; counting stops at the first block that fails
// to decode.
func (r *SSTableReader) Meta() *TableMeta {
	var n uint64
	for i := range r.index {
		b, err := r.getBlock(i)
		if err != nil {
			break
		}
		n += uint64(b.NumEntries())
		b.Release()
	}
	return &TableMeta{
		ID:         r.opts.ID,
		Size:       r.size,
		FirstKey:   r.FirstKey(),
		LastKey:    r.lastKey,
		NumEntries: n,
	}
}

// Close releases the underlying file.
func (r *SSTableReader) Close() error {
	return r.file.Close()
}

// Iterator walks all entries of all blocks in ascending key order.
// Key and Value return slices that stay valid only until the next
// call to Next or Seek; callers that hold on to them must copy.
type Iterator struct {
	r       *SSTableReader
	blockID int
	block   *Block
	entryID int
	err     error
}

// NewIterator returns an unpositioned iterator. Call SeekToFirst or
// Seek before use.
func (r *SSTableReader) NewIterator() *Iterator {
	return &Iterator{r: r, blockID: -1}
}

// SeekToFirst positions the iterator at the table's smallest key.
func (it *Iterator) SeekToFirst() {
	it.loadBlock(0)
	it.entryID = 0
}

// Seek positions the iterator at the first entry whose key is >= key.
func (it *Iterator) Seek(key keys.UserKey) {
	i := it.r.blockFor(key)
	if i < 0 {
		i = 0
	}
	it.loadBlock(i)
	if it.block == nil {
		return
	}
	it.entryID = sort.Search(it.block.NumEntries(), func(j int) bool {
		k, _, _ := it.block.entryAt(j)
		return k.Compare(key) >= 0
	})
	if it.entryID >= it.block.NumEntries() {
		// Key falls in the gap after this block's last entry.
		it.loadBlock(i + 1)
		it.entryID = 0
	}
}

// loadBlock swaps the current block for block i, releasing the old
// one. Past the last block the iterator goes invalid.
func (it *Iterator) loadBlock(i int) {
	if it.block != nil {
		it.block.Release()
		it.block = nil
	}
	it.blockID = i
	if i >= len(it.r.index) {
		return
	}
	b, err := it.r.getBlock(i)
	if err != nil {
		it.err = err
		return
	}
	it.block = b
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.block != nil && it.entryID < it.block.NumEntries()
}

// Next advances to the following entry, crossing into the next block
// when the current one runs out.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.entryID++
	if it.entryID >= it.block.NumEntries() {
		it.loadBlock(it.blockID + 1)
		it.entryID = 0
	}
}

// Key returns the current entry's key.
func (it *Iterator) Key() keys.UserKey {
	k, _, _ := it.block.entryAt(it.entryID)
	return k
}

// Value returns the current entry's value. Nil for tombstones.
func (it *Iterator) Value() []byte {
	_, v, _ := it.block.entryAt(it.entryID)
	return v
}

// Kind returns whether the current entry is a set or a tombstone.
func (it *Iterator) Kind() keys.Kind {
	_, _, kind := it.block.entryAt(it.entryID)
	return kind
}

// Error returns the first I/O or decode error the iterator hit.
func (it *Iterator) Error() error {
	return it.err
}

// Close releases the current block.
func (it *Iterator) Close() {
	if it.block != nil {
		it.block.Release()
		it.block = nil
	}
}
