package sstable

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/zeebo/xxh3"
)

// CacheConfig bounds the block cache. Zero values for the optional
// bounds disable that particular check.
type CacheConfig struct {
	// MaxCapacity is the byte budget for cached blocks.
	MaxCapacity int64

	// MinBlockSize is the denominator of the utilization check: a
	// block whose size divided by MinBlockSize falls under
	// MinUtilization gets rejected, on the theory that caching lots
	// of tiny blocks wastes map and list overhead.
	MinBlockSize   int
	MinUtilization float64

	// MaxBlockSize rejects oversized blocks outright.
	MaxBlockSize int

	// MaxBlockCount caps the number of cached blocks. 0 means no cap.
	MaxBlockCount int
}

// DefaultCacheConfig returns a 256 MiB cache that refuses blocks over
// 1 MiB and blocks smaller than a quarter of the nominal block size.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxCapacity:    256 << 20,
		MinBlockSize:   4096,
		MinUtilization: 0.25,
		MaxBlockSize:   1 << 20,
	}
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Rejections uint64
	Size       int64
	Count      int
	HitRate    float64
}

// cacheEntry holds the cached block bytes and its LRU list element.
type cacheEntry struct {
	key     uint64
	value   []byte
	element *list.Element
}

// BlockCache is a bounded LRU cache of raw data-block bytes, shared
// across every open table. One mutex covers the map and the list;
// lookups are O(1) and this sits off the hot write path, so sharding
// isn't worth the bookkeeping here.
type BlockCache struct {
	mu     sync.Mutex
	cfg    CacheConfig
	cache  map[uint64]*cacheEntry
	lru    *list.List
	size   int64
	closed bool

	hits       uint64
	misses     uint64
	evictions  uint64
	rejections uint64
}

// NewBlockCache creates a block cache. A non-positive capacity yields
// a disabled cache that rejects everything.
func NewBlockCache(cfg CacheConfig) *BlockCache {
	if cfg.MaxCapacity <= 0 {
		return &BlockCache{closed: true}
	}
	return &BlockCache{
		cfg:   cfg,
		cache: make(map[uint64]*cacheEntry),
		lru:   list.New(),
	}
}

// Get retrieves a block by cache key, promoting it to MRU on a hit.
// The returned bytes are shared and must be treated as immutable.
func (bc *BlockCache) Get(key uint64) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return nil, false
	}
	if entry, exists := bc.cache[key]; exists {
		bc.lru.MoveToFront(entry.element)
		bc.hits++
		return entry.value, true
	}
	bc.misses++
	return nil, false
}

// Put inserts a block at MRU, evicting from the LRU end until the
// capacity invariants hold again. Returns false when the block was
// rejected by the size bounds.
func (bc *BlockCache) Put(key uint64, value []byte) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return false
	}

	itemSize := int64(len(value))
	if itemSize > bc.cfg.MaxCapacity || (bc.cfg.MaxBlockSize > 0 && len(value) > bc.cfg.MaxBlockSize) {
		bc.rejections++
		return false
	}
	if bc.cfg.MinBlockSize > 0 && bc.cfg.MinUtilization > 0 {
		if float64(len(value))/float64(bc.cfg.MinBlockSize) < bc.cfg.MinUtilization {
			bc.rejections++
			return false
		}
	}

	if entry, exists := bc.cache[key]; exists {
		bc.size += itemSize - int64(len(entry.value))
		entry.value = value
		bc.lru.MoveToFront(entry.element)
	} else {
		entry := &cacheEntry{key: key, value: value}
		entry.element = bc.lru.PushFront(entry)
		bc.cache[key] = entry
		bc.size += itemSize
	}

	for (bc.size > bc.cfg.MaxCapacity ||
		(bc.cfg.MaxBlockCount > 0 && bc.lru.Len() > bc.cfg.MaxBlockCount)) &&
		bc.lru.Len() > 1 {
		bc.evictLRU()
	}
	return true
}

// evictLRU removes the least recently used entry. Caller holds bc.mu.
func (bc *BlockCache) evictLRU() {
	elem := bc.lru.Back()
	if elem == nil {
		return
	}
	entry := bc.lru.Remove(elem).(*cacheEntry)
	delete(bc.cache, entry.key)
	bc.size -= int64(len(entry.value))
	bc.evictions++
}

// Stats returns a snapshot of the cache counters.
func (bc *BlockCache) Stats() CacheStats {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	s := CacheStats{
		Hits:       bc.hits,
		Misses:     bc.misses,
		Evictions:  bc.evictions,
		Rejections: bc.rejections,
		Size:       bc.size,
		Count:      len(bc.cache),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close empties the cache. Further Gets miss and Puts are dropped.
func (bc *BlockCache) Close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return
	}
	bc.closed = true
	bc.cache = nil
	bc.lru = nil
	bc.size = 0
}

// cacheKey derives the cache key for a block from its table id and
// file offset.
func cacheKey(sstID, blockOffset uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], sstID)
	binary.LittleEndian.PutUint64(b[8:16], blockOffset)
	return xxh3.Hash(b[:])
}
