package raftdb

import (
	"log/slog"
	"os"

	"github.com/twlk9/raftdb/compression"
	"github.com/twlk9/raftdb/sstable"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values. The level thresholds are deliberately lopsided: L0
// fills after a single small flush so new tables start moving down
// almost immediately, then each level is 10x the one above it.
var (
	DefaultMemtableMaxSize int64 = 3 * MiB
	DefaultMaxLevels             = 5
	DefaultL0MaxBytes      int64 = 1 * KiB
	DefaultL1MaxBytes      int64 = 10 * MiB
)

// Options holds configuration for the storage engine. Contains all
// tunable parameters for engine behavior; replication settings live
// with the raft node, not here.
type Options struct {
	// Path is the data directory: tables, manifest and replicated log
	// metadata all live under it.
	Path string

	// MemtableMaxSize is how many bytes the active memtable may hold
	// before it is frozen and queued for flush.
	MemtableMaxSize int64

	// BlockSize is the target uncompressed entry payload per SST data
	// block.
	BlockSize int

	// BloomFPRate is the per-block Bloom filter false positive target.
	BloomFPRate float64

	// Compression selects the block codec. Changing it on an existing
	// database is not supported: the reader derives the block layout
	// from this setting.
	Compression compression.Config

	// EnableBlockCache turns the shared block cache on.
	EnableBlockCache bool

	// BlockCache bounds the cache when it is enabled.
	BlockCache sstable.CacheConfig

	// MaxLevels caps the level count. The bottom level never
	// compacts further.
	MaxLevels int

	// Structured logger
	Logger *slog.Logger
}

// DefaultOptions returns a new Options struct with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		MemtableMaxSize:  DefaultMemtableMaxSize,
		BlockSize:        sstable.DefaultBlockSize,
		BloomFPRate:      sstable.DefaultBloomFPRate,
		Compression:      compression.NoCompressionConfig(),
		EnableBlockCache: true,
		BlockCache:       sstable.DefaultCacheConfig(),
		MaxLevels:        DefaultMaxLevels,
		Logger:           DefaultLogger(),
	}
}

// LevelMaxBytes returns the byte threshold above which a level wants
// compacting. L0 is tiny on purpose; from L1 on each level gets 10x
// its parent's budget.
func (o *Options) LevelMaxBytes(level int) int64 {
	if level <= 0 {
		return DefaultL0MaxBytes
	}
	size := DefaultL1MaxBytes
	for i := 1; i < level; i++ {
		size *= 10
	}
	return size
}

// Validate checks if the options are valid and returns an error if
// not. Catches configuration mistakes that would prevent operation.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MemtableMaxSize <= 0 {
		return ErrInvalidMemtableSize
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.MaxLevels <= 0 || o.MaxLevels > 16 {
		return ErrInvalidMaxLevels
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		return ErrInvalidBloomFPRate
	}
	return nil
}

// Clone creates a copy of the options. Useful when modifying options
// without affecting the original.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// sstableOpts assembles the per-table options for building or opening
// table id.
func (o *Options) sstableOpts(id uint64, cache *sstable.BlockCache) sstable.SSTableOpts {
	return sstable.SSTableOpts{
		Dir:         o.Path,
		ID:          id,
		BlockSize:   o.BlockSize,
		BloomFPRate: o.BloomFPRate,
		Compression: o.Compression,
		Cache:       cache,
		Logger:      o.Logger,
	}
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
