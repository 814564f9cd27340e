package sstable

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/twlk9/raftdb/keys"
)

// testCacheConfig disables the utilization check so tiny test blocks
// are admitted.
func testCacheConfig(capacity int64) CacheConfig {
	return CacheConfig{MaxCapacity: capacity}
}

func TestBlockCacheHitMiss(t *testing.T) {
	bc := NewBlockCache(testCacheConfig(1 << 20))
	defer bc.Close()

	key := cacheKey(1, 64)
	if _, ok := bc.Get(key); ok {
		t.Fatal("hit on an empty cache")
	}
	block := []byte("block bytes")
	if !bc.Put(key, block) {
		t.Fatal("Put rejected an admissible block")
	}
	got, ok := bc.Get(key)
	if !ok || !bytes.Equal(got, block) {
		t.Fatalf("Get = %q ok=%v, want cached block", got, ok)
	}

	s := bc.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("stats hits=%d misses=%d, want 1/1", s.Hits, s.Misses)
	}
	if s.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", s.HitRate)
	}
	if s.Count != 1 || s.Size != int64(len(block)) {
		t.Errorf("count=%d size=%d, want 1/%d", s.Count, s.Size, len(block))
	}
}

func TestBlockCacheEvictsLRU(t *testing.T) {
	// Room for three 100-byte blocks.
	bc := NewBlockCache(testCacheConfig(300))
	defer bc.Close()

	block := make([]byte, 100)
	for i := uint64(0); i < 3; i++ {
		bc.Put(cacheKey(1, i), block)
	}
	// Touch block 0 so block 1 becomes the LRU victim.
	bc.Get(cacheKey(1, 0))
	bc.Put(cacheKey(1, 3), block)

	if _, ok := bc.Get(cacheKey(1, 1)); ok {
		t.Error("LRU block survived eviction")
	}
	for _, off := range []uint64{0, 2, 3} {
		if _, ok := bc.Get(cacheKey(1, off)); !ok {
			t.Errorf("block at offset %d was evicted out of LRU order", off)
		}
	}
	if s := bc.Stats(); s.Evictions != 1 || s.Size > 300 {
		t.Errorf("evictions=%d size=%d, want 1 eviction within capacity", s.Evictions, s.Size)
	}
}

func TestBlockCacheRejections(t *testing.T) {
	cfg := CacheConfig{
		MaxCapacity:    1 << 20,
		MinBlockSize:   4096,
		MinUtilization: 0.25,
		MaxBlockSize:   8192,
	}
	bc := NewBlockCache(cfg)
	defer bc.Close()

	if bc.Put(cacheKey(1, 0), make([]byte, 16384)) {
		t.Error("oversized block was admitted")
	}
	if bc.Put(cacheKey(1, 1), make([]byte, 100)) {
		t.Error("under-utilized block was admitted")
	}
	if !bc.Put(cacheKey(1, 2), make([]byte, 4096)) {
		t.Error("well-sized block was rejected")
	}
	if s := bc.Stats(); s.Rejections != 2 {
		t.Errorf("rejections = %d, want 2", s.Rejections)
	}
}

func TestBlockCacheMaxCount(t *testing.T) {
	cfg := testCacheConfig(1 << 20)
	cfg.MaxBlockCount = 2
	bc := NewBlockCache(cfg)
	defer bc.Close()

	for i := uint64(0); i < 4; i++ {
		bc.Put(cacheKey(1, i), []byte("b"))
	}
	if s := bc.Stats(); s.Count != 2 {
		t.Errorf("count = %d, want 2", s.Count)
	}
}

func TestBlockCacheDisabled(t *testing.T) {
	bc := NewBlockCache(CacheConfig{})
	if bc.Put(1, []byte("x")) {
		t.Error("disabled cache accepted a block")
	}
	if _, ok := bc.Get(1); ok {
		t.Error("disabled cache returned a hit")
	}
}

func TestReaderServesFromCache(t *testing.T) {
	entries := orderedEntries(200)
	cache := NewBlockCache(testCacheConfig(1 << 20))
	defer cache.Close()

	opts := SSTableOpts{Dir: t.TempDir(), ID: 11, BlockSize: 1024, Cache: cache}
	buildTable(t, opts, entries)

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		for _, e := range entries {
			v, _, ok, err := r.Get(keys.UserKey(e.key))
			if err != nil || !ok || string(v) != e.value {
				t.Fatalf("pass %d Get(%q) = %q ok=%v err=%v", i, e.key, v, ok, err)
			}
		}
	}

	s := cache.Stats()
	if s.Hits == 0 {
		t.Error("second read pass never hit the cache")
	}
	if s.Count == 0 {
		t.Error("cache holds no blocks after reads")
	}
}

func TestCacheKeyDistinct(t *testing.T) {
	seen := make(map[uint64]string)
	for id := uint64(1); id <= 8; id++ {
		for off := uint64(0); off < 8; off++ {
			k := cacheKey(id, off*4096)
			if prev, dup := seen[k]; dup {
				t.Fatalf("cache key collision between %s and (%d,%d)", prev, id, off*4096)
			}
			seen[k] = fmt.Sprintf("(%d,%d)", id, off*4096)
		}
	}
}
