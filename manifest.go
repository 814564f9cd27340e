package raftdb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/twlk9/raftdb/keys"
	"github.com/twlk9/raftdb/sstable"
)

const (
	// ManifestFileName is the on-disk catalog of levels.
	ManifestFileName = "manifest"

	// manifestSentinel terminates each level's id list in the file.
	manifestSentinel = ^uint64(0)
)

// Version is one immutable snapshot of the level layout. Readers hold
// a version and consult it without locks; publishing a new version
// never mutates an old one.
type Version struct {
	version uint64
	levels  [][]*sstable.SSTableReader
}

// clone copies the level layout so the copy can be edited before
// publication. Table readers are shared, only the slices are fresh.
func (v *Version) clone() *Version {
	levels := make([][]*sstable.SSTableReader, len(v.levels))
	for i, level := range v.levels {
		levels[i] = append([]*sstable.SSTableReader(nil), level...)
	}
	return &Version{version: v.version + 1, levels: levels}
}

// levelByteSize sums the file sizes of one level.
func (v *Version) levelByteSize(level int) int64 {
	var total int64
	for _, t := range v.levels[level] {
		total += t.Size()
	}
	return total
}

// Get consults levels top-down and returns the first binding found. A
// tombstone is a binding: it stops the search with keys.KindDelete so
// the caller doesn't resurrect older values from deeper levels.
func (v *Version) Get(key keys.UserKey) ([]byte, keys.Kind, bool, error) {
	for level, tables := range v.levels {
		if level == 0 {
			// L0 ranges overlap, so scan newest to oldest.
			for i := len(tables) - 1; i >= 0; i-- {
				value, kind, ok, err := tables[i].Get(key)
				if err != nil {
					return nil, 0, false, err
				}
				if ok {
					return value, kind, true, nil
				}
			}
			continue
		}
		// Deeper levels hold disjoint ranges in order: binary-search
		// for the candidate and probe just that one.
		i := sort.Search(len(tables), func(i int) bool {
			return tables[i].FirstKey().Compare(key) > 0
		}) - 1
		if i < 0 || tables[i].LastKey().Compare(key) < 0 {
			continue
		}
		value, kind, ok, err := tables[i].Get(key)
		if err != nil {
			return nil, 0, false, err
		}
		if ok {
			return value, kind, true, nil
		}
	}
	return nil, 0, false, nil
}

// insertAndUpdate returns a successor version with table r appended
// to L0.
func (v *Version) insertAndUpdate(r *sstable.SSTableReader) *Version {
	next := v.clone()
	if len(next.levels) == 0 {
		next.levels = append(next.levels, nil)
	}
	next.levels[0] = append(next.levels[0], r)
	return next
}

// Manifest is the versioned catalog of levels. The versions slice is
// append-only and the last element is the read tip; one RWMutex
// guards the slice, so readers grab the tip and work unlocked from
// there.
type Manifest struct {
	mu       sync.RWMutex
	opts     *Options
	cache    *sstable.BlockCache
	logger   *slog.Logger
	versions []*Version
	maxSSTID uint64
}

// OpenManifest loads the catalog from opts.Path, opening a reader for
// every table it lists. A missing manifest file means a fresh
// database. A manifest that references a missing or corrupt table
// fails the open.
func OpenManifest(opts *Options, cache *sstable.BlockCache) (*Manifest, error) {
	m := &Manifest{
		opts:   opts,
		cache:  cache,
		logger: opts.Logger,
	}

	path := filepath.Join(opts.Path, ManifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.versions = []*Version{{version: 1, levels: [][]*sstable.SSTableReader{nil}}}
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	version, levelIDs, err := decodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	levels := make([][]*sstable.SSTableReader, len(levelIDs))
	for level, ids := range levelIDs {
		for _, id := range ids {
			r, err := sstable.NewSSTableReader(opts.sstableOpts(id, cache))
			if err != nil {
				m.closeTables(levels)
				return nil, fmt.Errorf("open table %d from manifest: %w", id, err)
			}
			levels[level] = append(levels[level], r)
			if id > m.maxSSTID {
				m.maxSSTID = id
			}
		}
	}
	if len(levels) == 0 {
		levels = [][]*sstable.SSTableReader{nil}
	}

	m.versions = []*Version{{version: version, levels: levels}}
	m.logger.Info("manifest recovered",
		"version", version,
		"levels", len(levels),
		"max_sst_id", m.maxSSTID)
	return m, nil
}

func (m *Manifest) closeTables(levels [][]*sstable.SSTableReader) {
	for _, level := range levels {
		for _, t := range level {
			t.Close()
		}
	}
}

// decodeManifest parses [version:8][level_count:8] followed by each
// level's id list, each terminated by the all-ones sentinel.
func decodeManifest(data []byte) (uint64, [][]uint64, error) {
	if len(data) < 16 {
		return 0, nil, fmt.Errorf("manifest truncated: %d bytes", len(data))
	}
	version := binary.LittleEndian.Uint64(data[0:8])
	levelCount := binary.LittleEndian.Uint64(data[8:16])
	if levelCount > 64 {
		return 0, nil, fmt.Errorf("manifest claims %d levels", levelCount)
	}

	levels := make([][]uint64, levelCount)
	pos := 16
	for level := uint64(0); level < levelCount; level++ {
		for {
			if pos+8 > len(data) {
				return 0, nil, fmt.Errorf("manifest truncated in level %d", level)
			}
			id := binary.LittleEndian.Uint64(data[pos:])
			pos += 8
			if id == manifestSentinel {
				break
			}
			levels[level] = append(levels[level], id)
		}
	}
	if pos != len(data) {
		return 0, nil, fmt.Errorf("manifest has %d trailing bytes", len(data)-pos)
	}
	return version, levels, nil
}

// encodeManifest is the inverse of decodeManifest.
func encodeManifest(v *Version) []byte {
	size := 16
	for _, level := range v.levels {
		size += 8*len(level) + 8
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, v.version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.levels)))
	for _, level := range v.levels {
		for _, t := range level {
			buf = binary.LittleEndian.AppendUint64(buf, t.ID())
		}
		buf = binary.LittleEndian.AppendUint64(buf, manifestSentinel)
	}
	return buf
}

// Tip returns the current read tip.
func (m *Manifest) Tip() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[len(m.versions)-1]
}

// Get reads through the current tip.
func (m *Manifest) Get(key keys.UserKey) ([]byte, keys.Kind, bool, error) {
	return m.Tip().Get(key)
}

// MaxSSTID returns the largest table id the manifest has seen, for
// seeding the engine's id counter after recovery.
func (m *Manifest) MaxSSTID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSSTID
}

// InstallTable publishes a new version with table r in L0, running
// any compaction the new layout calls for before the version becomes
// visible. allocID hands out ids for tables compaction writes. The
// on-disk manifest is rewritten after the version is published;
// readers mid-flight keep whatever version they already hold.
func (m *Manifest) InstallTable(r *sstable.SSTableReader, allocID func() uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.versions[len(m.versions)-1]
	next := tip.insertAndUpdate(r)
	if r.ID() > m.maxSSTID {
		m.maxSSTID = r.ID()
	}

	if err := m.compact(next, allocID); err != nil {
		return err
	}

	m.versions = append(m.versions, next)
	return m.save(next)
}

// save atomically rewrites the manifest file for version v. Caller
// holds m.mu.
func (m *Manifest) save(v *Version) error {
	path := filepath.Join(m.opts.Path, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeManifest(v), 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// LevelStats describes one level of the current layout.
type LevelStats struct {
	Level  int
	Tables int
	Bytes  int64
}

// LevelStats reports table count and byte size per level of the tip.
func (m *Manifest) LevelStats() []LevelStats {
	tip := m.Tip()
	stats := make([]LevelStats, len(tip.levels))
	for i := range tip.levels {
		stats[i] = LevelStats{
			Level:  i,
			Tables: len(tip.levels[i]),
			Bytes:  tip.levelByteSize(i),
		}
	}
	return stats
}

// Close closes every table reader reachable from any version.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed := make(map[uint64]bool)
	var firstErr error
	for _, v := range m.versions {
		for _, level := range v.levels {
			for _, t := range level {
				if closed[t.ID()] {
					continue
				}
				closed[t.ID()] = true
				if err := t.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	m.versions = nil
	return firstErr
}
