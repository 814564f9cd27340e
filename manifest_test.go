package raftdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twlk9/raftdb/keys"
	"github.com/twlk9/raftdb/sstable"
)

// testOptions returns options pointed at a temp dir with the cache
// off so table counts are easy to reason about.
func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	opts.EnableBlockCache = false
	opts.Logger = DefaultLogger()
	return opts
}

type tableEntry struct {
	key   string
	value string
	kind  keys.Kind
}

// writeTable builds table id from entries (sorted by key here for
// convenience) and opens a reader on it.
func writeTable(t *testing.T, opts *Options, id uint64, entries []tableEntry) *sstable.SSTableReader {
	t.Helper()
	w, err := sstable.NewSSTableWriter(opts.sstableOpts(id, nil))
	if err != nil {
		t.Fatalf("NewSSTableWriter: %v", err)
	}
	for _, e := range entries {
		kind := e.kind
		if kind == 0 {
			kind = keys.KindSet
		}
		if err := w.Add(keys.UserKey(e.key), []byte(e.value), kind); err != nil {
			t.Fatalf("Add(%q): %v", e.key, err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, err := sstable.NewSSTableReader(opts.sstableOpts(id, nil))
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	return r
}

// bulkEntries produces enough data to push a table over the L0
// threshold so installs trigger compaction.
func bulkEntries(prefix string, n int, value string) []tableEntry {
	entries := make([]tableEntry, n)
	for i := range entries {
		entries[i] = tableEntry{
			key:   fmt.Sprintf("%s-%04d", prefix, i),
			value: value + strings.Repeat("!", 64),
		}
	}
	return entries
}

func allocFrom(start uint64) func() uint64 {
	next := start
	return func() uint64 {
		next++
		return next
	}
}

func TestManifestFreshOpen(t *testing.T) {
	opts := testOptions(t)
	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer m.Close()

	_, _, ok, err := m.Get(keys.UserKey("anything"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("fresh manifest returned a binding")
	}
	if m.MaxSSTID() != 0 {
		t.Errorf("fresh manifest MaxSSTID = %d, want 0", m.MaxSSTID())
	}
}

func TestManifestInstallAndGet(t *testing.T) {
	opts := testOptions(t)
	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer m.Close()

	entries := bulkEntries("key", 50, "v1")
	r := writeTable(t, opts, 1, entries)
	if err := m.InstallTable(r, allocFrom(1)); err != nil {
		t.Fatalf("InstallTable: %v", err)
	}

	for _, e := range entries {
		v, kind, ok, err := m.Get(keys.UserKey(e.key))
		if err != nil {
			t.Fatalf("Get(%q): %v", e.key, err)
		}
		if !ok || kind != keys.KindSet || string(v) != e.value {
			t.Fatalf("Get(%q) = %q kind=%v ok=%v", e.key, v, kind, ok)
		}
	}
	if _, _, ok, _ := m.Get(keys.UserKey("missing")); ok {
		t.Error("Get found a binding for an absent key")
	}
}

func TestManifestCompactionMovesTablesDown(t *testing.T) {
	opts := testOptions(t)
	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer m.Close()

	// Each install pushes L0 over its 1 KiB threshold, so tables sink
	// to L1 and merge with whatever overlaps there.
	r1 := writeTable(t, opts, 1, bulkEntries("key", 40, "old"))
	if err := m.InstallTable(r1, allocFrom(1)); err != nil {
		t.Fatalf("InstallTable(1): %v", err)
	}
	r2 := writeTable(t, opts, 3, bulkEntries("key", 40, "new"))
	if err := m.InstallTable(r2, allocFrom(3)); err != nil {
		t.Fatalf("InstallTable(3): %v", err)
	}

	stats := m.LevelStats()
	if stats[0].Tables != 0 {
		t.Errorf("L0 holds %d tables after compaction, want 0", stats[0].Tables)
	}
	if len(stats) < 2 || stats[1].Tables != 1 {
		t.Fatalf("L1 layout = %+v, want a single merged table", stats)
	}

	// The newer install must win every duplicate key.
	for _, e := range bulkEntries("key", 40, "new") {
		v, _, ok, err := m.Get(keys.UserKey(e.key))
		if err != nil || !ok {
			t.Fatalf("Get(%q): ok=%v err=%v", e.key, ok, err)
		}
		if string(v) != e.value {
			t.Fatalf("Get(%q) = %q, want the newer binding %q", e.key, v, e.value)
		}
	}
}

func TestManifestTombstonesSurviveCompaction(t *testing.T) {
	opts := testOptions(t)
	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer m.Close()

	r1 := writeTable(t, opts, 1, bulkEntries("key", 40, "live"))
	if err := m.InstallTable(r1, allocFrom(1)); err != nil {
		t.Fatalf("InstallTable(1): %v", err)
	}

	// Newer table deletes one key and pads with unrelated keys to
	// stay over the compaction trigger. Keys stay ascending: "key-"
	// sorts before "pad-".
	entries := []tableEntry{{key: "key-0007", kind: keys.KindDelete}}
	entries = append(entries, bulkEntries("pad", 40, "x")...)
	r2 := writeTable(t, opts, 3, entries)
	if err := m.InstallTable(r2, allocFrom(3)); err != nil {
		t.Fatalf("InstallTable(3): %v", err)
	}

	_, kind, ok, err := m.Get(keys.UserKey("key-0007"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || kind != keys.KindDelete {
		t.Errorf("deleted key = ok=%v kind=%v, want a tombstone binding", ok, kind)
	}

	// A neighbouring key is unaffected.
	v, _, ok, err := m.Get(keys.UserKey("key-0008"))
	if err != nil || !ok || string(v) != "live"+strings.Repeat("!", 64) {
		t.Errorf("Get(key-0008) = %q ok=%v err=%v, want the older live value", v, ok, err)
	}
}

func TestManifestTombstonesDropAtBottomLevel(t *testing.T) {
	opts := testOptions(t)
	opts.MaxLevels = 2 // L1 is the bottom, so compaction into it discards tombstones

	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer m.Close()

	r1 := writeTable(t, opts, 1, bulkEntries("key", 40, "live"))
	if err := m.InstallTable(r1, allocFrom(1)); err != nil {
		t.Fatalf("InstallTable(1): %v", err)
	}

	entries := []tableEntry{{key: "key-0007", kind: keys.KindDelete}}
	entries = append(entries, bulkEntries("pad", 40, "x")...)
	r2 := writeTable(t, opts, 3, entries)
	if err := m.InstallTable(r2, allocFrom(3)); err != nil {
		t.Fatalf("InstallTable(3): %v", err)
	}

	// The binding is gone entirely, not shadowed by a tombstone.
	if _, kind, ok, err := m.Get(keys.UserKey("key-0007")); err != nil || ok {
		t.Fatalf("Get(key-0007) = ok=%v kind=%v err=%v, want no binding", ok, kind, err)
	}

	// The tombstone must not have resurrected the older value either.
	tip := m.Tip()
	if len(tip.levels) < 2 || len(tip.levels[1]) != 1 {
		t.Fatalf("level layout = %+v, want a single bottom table", m.LevelStats())
	}
	it := tip.levels[1][0].NewIterator()
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if it.Key().Compare(keys.UserKey("key-0007")) == 0 {
			t.Fatalf("bottom table still holds %q with kind %v", it.Key(), it.Kind())
		}
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterate bottom table: %v", err)
	}

	// Neighbours survive the merge with their live values.
	v, _, ok, err := m.Get(keys.UserKey("key-0008"))
	if err != nil || !ok || string(v) != "live"+strings.Repeat("!", 64) {
		t.Errorf("Get(key-0008) = %q ok=%v err=%v, want the older live value", v, ok, err)
	}
}

func TestManifestPersistence(t *testing.T) {
	opts := testOptions(t)
	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}

	r := writeTable(t, opts, 5, bulkEntries("key", 60, "durable"))
	if err := m.InstallTable(r, allocFrom(5)); err != nil {
		t.Fatalf("InstallTable: %v", err)
	}
	wantStats := m.LevelStats()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	gotStats := m2.LevelStats()
	if len(gotStats) != len(wantStats) {
		t.Fatalf("reopened levels = %d, want %d", len(gotStats), len(wantStats))
	}
	for i := range wantStats {
		if gotStats[i].Tables != wantStats[i].Tables {
			t.Errorf("level %d tables = %d, want %d", i, gotStats[i].Tables, wantStats[i].Tables)
		}
	}
	if m2.MaxSSTID() < 5 {
		t.Errorf("MaxSSTID = %d after recovery, want >= 5", m2.MaxSSTID())
	}

	v, _, ok, err := m2.Get(keys.UserKey("key-0030"))
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if !strings.HasPrefix(string(v), "durable") {
		t.Errorf("Get after reopen = %q", v)
	}
}

func TestManifestRejectsCorruptFile(t *testing.T) {
	opts := testOptions(t)
	path := filepath.Join(opts.Path, ManifestFileName)
	if err := os.WriteFile(path, []byte("not a manifest"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenManifest(opts, nil); err == nil {
		t.Error("OpenManifest accepted a corrupt file")
	}
}

func TestManifestRejectsMissingTable(t *testing.T) {
	opts := testOptions(t)
	m, err := OpenManifest(opts, nil)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	r := writeTable(t, opts, 1, bulkEntries("key", 40, "v"))
	if err := m.InstallTable(r, allocFrom(1)); err != nil {
		t.Fatalf("InstallTable: %v", err)
	}
	stats := m.LevelStats()
	m.Close()

	// Remove whichever table the manifest now references.
	var id uint64 = 1
	if stats[0].Tables == 0 {
		id = 2 // compaction output
	}
	if err := os.Remove(sstable.FileName(opts.Path, id)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := OpenManifest(opts, nil); err == nil {
		t.Error("OpenManifest succeeded with a missing table file")
	}
}
