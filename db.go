package raftdb

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/twlk9/raftdb/keys"
	"github.com/twlk9/raftdb/memtable"
	"github.com/twlk9/raftdb/sstable"
)

// DB is the storage engine: one active memtable taking writes, a
// queue of frozen memtables waiting for flush, and a versioned
// manifest of on-disk tables. One coarse RWMutex covers the memtable
// state; the manifest carries its own RWMutex, so readers fetching
// the current version wait only while a flush installs a table
// (including the compaction and manifest save that install runs).
type DB struct {
	opts   *Options
	path   string
	logger *slog.Logger

	// mu guards the active memtable pointer and the frozen queue.
	mu       sync.RWMutex
	memtable *memtable.MemTable
	frozen   []*memtable.MemTable

	manifest   *Manifest
	blockCache *sstable.BlockCache
	lock       *dirLock

	// sstID hands out table file numbers, seeded past whatever the
	// manifest recovered.
	sstID  atomic.Uint64
	closed atomic.Bool

	// flushTrigger wakes the flush worker when a memtable freezes or
	// the engine shuts down. flushDone broadcasts every time the
	// worker retires a memtable so Flush can wait for the queue to
	// drain. Both share mu.
	flushTrigger *sync.Cond
	flushDone    *sync.Cond
	flushWg      sync.WaitGroup
}

// Open validates the options, recovers the manifest from disk, and
// starts the flush worker. A missing data directory is created; a
// manifest that references unreadable tables fails the open.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		opts.Logger.Error("options did not validate", "error", err)
		return nil, err
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, err
	}

	lock, err := acquireDirLock(opts.Path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:   opts,
		path:   opts.Path,
		logger: opts.Logger,
		lock:   lock,
	}
	if opts.EnableBlockCache {
		db.blockCache = sstable.NewBlockCache(opts.BlockCache)
	}

	manifest, err := OpenManifest(opts, db.blockCache)
	if err != nil {
		if db.blockCache != nil {
			db.blockCache.Close()
		}
		lock.release()
		return nil, err
	}
	db.manifest = manifest
	db.sstID.Store(manifest.MaxSSTID())

	db.memtable = memtable.NewMemtable(int(opts.MemtableMaxSize))
	db.flushTrigger = sync.NewCond(&db.mu)
	db.flushDone = sync.NewCond(&db.mu)

	db.flushWg.Add(1)
	go db.flushWorker()

	db.logger.Info("database opened", "path", db.path, "next_sst_id", db.sstID.Load()+1)
	return db, nil
}

// nextSSTID allocates a fresh table file number.
func (db *DB) nextSSTID() uint64 {
	return db.sstID.Add(1)
}

// Put stores a key-value binding.
func (db *DB) Put(key, value []byte) error {
	if !keys.IsValidValue(value) {
		return ErrInvalidValue
	}
	return db.write(keys.UserKey(key), func(mt *memtable.MemTable) {
		mt.Put(keys.UserKey(key), value)
	})
}

// Delete records a tombstone for key. The binding shadows older
// values in deeper tables until compaction into the bottom level
// finally drops it.
func (db *DB) Delete(key []byte) error {
	return db.write(keys.UserKey(key), func(mt *memtable.MemTable) {
		mt.Delete(keys.UserKey(key))
	})
}

// write applies one mutation to the active memtable and freezes it
// if it crossed the size threshold.
func (db *DB) write(key keys.UserKey, apply func(*memtable.MemTable)) error {
	if !keys.IsValidUserKey(key) {
		return ErrInvalidKey
	}
	if db.closed.Load() {
		return ErrDBClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return ErrDBClosed
	}

	apply(db.memtable)

	if db.memtable.ByteSize() > db.opts.MemtableMaxSize {
		db.freezeMemtable()
	}
	return nil
}

// freezeMemtable moves the active memtable onto the frozen queue,
// installs a fresh one, and wakes the flush worker. Caller holds
// db.mu.
func (db *DB) freezeMemtable() {
	db.frozen = append(db.frozen, db.memtable)
	db.memtable = memtable.NewMemtable(int(db.opts.MemtableMaxSize))
	db.flushTrigger.Signal()
}

// Get returns the value bound to key. The lookup order is recency
// order: active memtable, frozen memtables newest first, then the
// manifest's current version. A tombstone anywhere along the way
// means ErrNotFound without consulting older data.
func (db *DB) Get(key []byte) ([]byte, error) {
	uk := keys.UserKey(key)
	if !keys.IsValidUserKey(uk) {
		return nil, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, ErrDBClosed
	}

	db.mu.RLock()
	if value, kind, ok := db.memtable.Get(uk); ok {
		db.mu.RUnlock()
		return resolveBinding(value, kind)
	}
	for i := len(db.frozen) - 1; i >= 0; i-- {
		if value, kind, ok := db.frozen[i].Get(uk); ok {
			db.mu.RUnlock()
			return resolveBinding(value, kind)
		}
	}
	db.mu.RUnlock()

	value, kind, ok, err := db.manifest.Get(uk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return resolveBinding(value, kind)
}

func resolveBinding(value []byte, kind keys.Kind) ([]byte, error) {
	if kind == keys.KindDelete {
		return nil, ErrNotFound
	}
	return value, nil
}

// flushWorker turns frozen memtables into L0 tables, oldest first.
// It owns the pop side of the frozen queue: the memtable stays
// visible to readers until its table is installed in the manifest,
// so there is never a window where the data is in neither place.
func (db *DB) flushWorker() {
	defer db.flushWg.Done()

	for {
		db.mu.Lock()
		for len(db.frozen) == 0 && !db.closed.Load() {
			db.flushTrigger.Wait()
		}
		if len(db.frozen) == 0 {
			// Shutdown with nothing left to drain.
			db.mu.Unlock()
			return
		}
		mt := db.frozen[0]
		db.mu.Unlock()

		if err := db.flushMemtable(mt); err != nil {
			db.logger.Error("memtable flush failed, stopping writes", "error", err)
			db.closed.Store(true)
		}

		db.mu.Lock()
		db.frozen = db.frozen[1:]
		db.flushDone.Broadcast()
		db.mu.Unlock()
	}
}

// flushMemtable writes one frozen memtable out as an L0 table and
// installs it. Empty memtables are retired without writing a file.
func (db *DB) flushMemtable(mt *memtable.MemTable) error {
	if mt.Len() == 0 {
		return nil
	}

	id := db.nextSSTID()
	w, err := sstable.NewSSTableWriter(db.opts.sstableOpts(id, db.blockCache))
	if err != nil {
		return err
	}

	it := mt.NewIterator()
	it.SeekToFirst()
	for it.Valid() {
		if err := w.Add(it.Key(), it.Value(), it.Kind()); err != nil {
			it.Close()
			w.Abort()
			return err
		}
		it.Next()
	}
	it.Close()

	meta, err := w.Finish()
	if err != nil {
		return err
	}

	r, err := sstable.NewSSTableReader(db.opts.sstableOpts(id, db.blockCache))
	if err != nil {
		return err
	}
	if err := db.manifest.InstallTable(r, db.nextSSTID); err != nil {
		r.Close()
		return err
	}

	db.logger.Info("flushed memtable",
		"sst_id", id,
		"entries", meta.NumEntries,
		"bytes", meta.Size)
	return nil
}

// Flush freezes the active memtable if it holds anything and blocks
// until the frozen queue is empty.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.memtable.Len() > 0 {
		db.freezeMemtable()
	}
	for len(db.frozen) > 0 {
		if db.closed.Load() {
			return ErrDBClosed
		}
		db.flushDone.Wait()
	}
	return nil
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	MemtableBytes   int64
	MemtableEntries int
	FrozenMemtables int
	Levels          []LevelStats
	Cache           sstable.CacheStats
}

// Stats reports memtable sizes, the per-level table layout and cache
// counters.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	s := Stats{
		MemtableBytes:   db.memtable.ByteSize(),
		MemtableEntries: db.memtable.Len(),
		FrozenMemtables: len(db.frozen),
	}
	db.mu.RUnlock()

	s.Levels = db.manifest.LevelStats()
	if db.blockCache != nil {
		s.Cache = db.blockCache.Stats()
	}
	return s
}

// Close drains the flush queue, stops the worker and releases every
// table reader and the cache. Safe to call more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}

	// The worker re-checks closed after every wait, so one signal is
	// enough; it drains whatever is queued before exiting.
	db.mu.Lock()
	if db.memtable.Len() > 0 {
		db.frozen = append(db.frozen, db.memtable)
		db.memtable = memtable.NewMemtable(0)
	}
	db.flushTrigger.Signal()
	db.mu.Unlock()
	db.flushWg.Wait()

	err := db.manifest.Close()
	if db.blockCache != nil {
		db.blockCache.Close()
	}
	if lerr := db.lock.release(); lerr != nil && err == nil {
		err = lerr
	}
	db.logger.Info("database closed", "path", db.path)
	return err
}
