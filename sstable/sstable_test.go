package sstable

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/twlk9/raftdb/compression"
	"github.com/twlk9/raftdb/keys"
)

type testEntry struct {
	key   string
	value string
	kind  keys.Kind
}

func orderedEntries(n int) []testEntry {
	entries := make([]testEntry, n)
	for i := range entries {
		entries[i] = testEntry{
			key:   fmt.Sprintf("key-%05d", i),
			value: fmt.Sprintf("value-%05d-%s", i, strings.Repeat("x", 40)),
			kind:  keys.KindSet,
		}
	}
	return entries
}

func buildTable(t *testing.T, opts SSTableOpts, entries []testEntry) *TableMeta {
	t.Helper()
	w, err := NewSSTableWriter(opts)
	if err != nil {
		t.Fatalf("NewSSTableWriter: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(keys.UserKey(e.key), []byte(e.value), e.kind); err != nil {
			t.Fatalf("Add(%q): %v", e.key, err)
		}
	}
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return meta
}

func TestSSTableRoundTrip(t *testing.T) {
	entries := orderedEntries(500)
	opts := SSTableOpts{Dir: t.TempDir(), ID: 1, BlockSize: 1024}
	meta := buildTable(t, opts, entries)

	if meta.NumEntries != 500 {
		t.Errorf("meta.NumEntries = %d, want 500", meta.NumEntries)
	}
	if meta.FirstKey.Compare(keys.UserKey(entries[0].key)) != 0 {
		t.Errorf("meta.FirstKey = %s, want %s", meta.FirstKey, entries[0].key)
	}
	if meta.LastKey.Compare(keys.UserKey(entries[499].key)) != 0 {
		t.Errorf("meta.LastKey = %s, want %s", meta.LastKey, entries[499].key)
	}

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	if len(r.index) < 2 {
		t.Fatalf("expected multiple data blocks with a 1KiB block size, got %d", len(r.index))
	}

	for _, e := range entries {
		v, kind, ok, err := r.Get(keys.UserKey(e.key))
		if err != nil {
			t.Fatalf("Get(%q): %v", e.key, err)
		}
		if !ok || kind != keys.KindSet {
			t.Fatalf("Get(%q) = ok=%v kind=%v, want set hit", e.key, ok, kind)
		}
		if string(v) != e.value {
			t.Fatalf("Get(%q) = %q, want %q", e.key, v, e.value)
		}
	}
}

func TestSSTableIterationMatchesInput(t *testing.T) {
	entries := orderedEntries(300)
	opts := SSTableOpts{Dir: t.TempDir(), ID: 2, BlockSize: 512}
	buildTable(t, opts, entries)

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	defer it.Close()

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if i >= len(entries) {
			t.Fatalf("iterator produced more than %d entries", len(entries))
		}
		if string(it.Key()) != entries[i].key {
			t.Fatalf("entry %d: key %q, want %q", i, it.Key(), entries[i].key)
		}
		if string(it.Value()) != entries[i].value {
			t.Fatalf("entry %d: value mismatch for %q", i, it.Key())
		}
		i++
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if i != len(entries) {
		t.Fatalf("iterator produced %d entries, want %d", i, len(entries))
	}
}

func TestSSTableCompressedRoundTrip(t *testing.T) {
	configs := map[string]compression.Config{
		"lz4":    compression.DefaultConfig(),
		"snappy": compression.SnappyConfig(),
		"zstd":   compression.ZstdConfig(),
		"s2":     compression.S2Config(),
	}
	entries := orderedEntries(200)

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			opts := SSTableOpts{Dir: t.TempDir(), ID: 3, BlockSize: 2048, Compression: cfg}
			buildTable(t, opts, entries)

			r, err := NewSSTableReader(opts)
			if err != nil {
				t.Fatalf("NewSSTableReader: %v", err)
			}
			defer r.Close()

			for _, e := range entries {
				v, _, ok, err := r.Get(keys.UserKey(e.key))
				if err != nil {
					t.Fatalf("Get(%q): %v", e.key, err)
				}
				if !ok || string(v) != e.value {
					t.Fatalf("Get(%q) = %q ok=%v, want %q", e.key, v, ok, e.value)
				}
			}

			it := r.NewIterator()
			defer it.Close()
			count := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				count++
			}
			if count != len(entries) {
				t.Fatalf("iterated %d entries, want %d", count, len(entries))
			}
		})
	}
}

func TestSSTableTombstones(t *testing.T) {
	entries := []testEntry{
		{key: "apple", value: "red", kind: keys.KindSet},
		{key: "banana", kind: keys.KindDelete},
		{key: "cherry", value: "dark", kind: keys.KindSet},
		{key: "durian", kind: keys.KindDelete},
	}
	opts := SSTableOpts{Dir: t.TempDir(), ID: 4}
	buildTable(t, opts, entries)

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	v, kind, ok, err := r.Get(keys.UserKey("banana"))
	if err != nil {
		t.Fatalf("Get(banana): %v", err)
	}
	if !ok || kind != keys.KindDelete || v != nil {
		t.Errorf("tombstone lookup = v=%q kind=%v ok=%v, want delete hit with nil value", v, kind, ok)
	}

	v, kind, ok, err = r.Get(keys.UserKey("cherry"))
	if err != nil || !ok || kind != keys.KindSet || string(v) != "dark" {
		t.Errorf("Get(cherry) = %q %v %v %v, want set hit", v, kind, ok, err)
	}

	// Tombstones must survive iteration so compaction can carry them
	// down the levels.
	it := r.NewIterator()
	defer it.Close()
	var kinds []keys.Kind
	for it.SeekToFirst(); it.Valid(); it.Next() {
		kinds = append(kinds, it.Kind())
	}
	want := []keys.Kind{keys.KindSet, keys.KindDelete, keys.KindSet, keys.KindDelete}
	if len(kinds) != len(want) {
		t.Fatalf("iterated %d entries, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("entry %d kind = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestSSTableSingleEntry(t *testing.T) {
	opts := SSTableOpts{Dir: t.TempDir(), ID: 5}
	buildTable(t, opts, []testEntry{{key: "only", value: "one", kind: keys.KindSet}})

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	if r.FirstKey().Compare(keys.UserKey("only")) != 0 {
		t.Errorf("FirstKey = %s, want only", r.FirstKey())
	}
	if r.LastKey().Compare(keys.UserKey("only")) != 0 {
		t.Errorf("LastKey = %s, want only", r.LastKey())
	}
	v, _, ok, err := r.Get(keys.UserKey("only"))
	if err != nil || !ok || string(v) != "one" {
		t.Errorf("Get(only) = %q %v %v", v, ok, err)
	}
}

func TestSSTableGetMissing(t *testing.T) {
	entries := orderedEntries(100)
	opts := SSTableOpts{Dir: t.TempDir(), ID: 6, BlockSize: 1024}
	buildTable(t, opts, entries)

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	for _, k := range []string{"aaa", "key-00050x", "zzz"} {
		_, _, ok, err := r.Get(keys.UserKey(k))
		if err != nil {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if ok {
			t.Errorf("Get(%q) found a binding for an absent key", k)
		}
	}
}

func TestSSTableIteratorSeek(t *testing.T) {
	entries := orderedEntries(200)
	opts := SSTableOpts{Dir: t.TempDir(), ID: 7, BlockSize: 512}
	buildTable(t, opts, entries)

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	defer it.Close()

	it.Seek(keys.UserKey("key-00100"))
	if !it.Valid() || string(it.Key()) != "key-00100" {
		t.Fatalf("Seek(exact) landed on %q", it.Key())
	}

	// Gap key lands on the next larger entry.
	it.Seek(keys.UserKey("key-00100a"))
	if !it.Valid() || string(it.Key()) != "key-00101" {
		t.Fatalf("Seek(gap) landed on %q, want key-00101", it.Key())
	}

	// Before the whole table.
	it.Seek(keys.UserKey("aaa"))
	if !it.Valid() || string(it.Key()) != "key-00000" {
		t.Fatalf("Seek(before first) landed on %q, want key-00000", it.Key())
	}

	// Past the whole table.
	it.Seek(keys.UserKey("zzz"))
	if it.Valid() {
		t.Fatalf("Seek(past end) still valid at %q", it.Key())
	}
}

func TestSSTableWriterRejectsOutOfOrder(t *testing.T) {
	w, err := NewSSTableWriter(SSTableOpts{Dir: t.TempDir(), ID: 8})
	if err != nil {
		t.Fatalf("NewSSTableWriter: %v", err)
	}
	if err := w.Add(keys.UserKey("m"), []byte("1"), keys.KindSet); err != nil {
		t.Fatalf("Add(m): %v", err)
	}
	if err := w.Add(keys.UserKey("a"), []byte("2"), keys.KindSet); err == nil {
		t.Error("Add accepted a key below the previous one")
	}
	if err := w.Add(keys.UserKey("m"), []byte("3"), keys.KindSet); err == nil {
		t.Error("Add accepted a duplicate key")
	}
}

func TestSSTableOpenTruncated(t *testing.T) {
	entries := orderedEntries(50)
	opts := SSTableOpts{Dir: t.TempDir(), ID: 9}
	buildTable(t, opts, entries)

	path := FileName(opts.Dir, opts.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := NewSSTableReader(opts); err == nil {
		t.Error("open succeeded on a truncated table")
	}
}

func TestSSTableLargeValues(t *testing.T) {
	big := bytes.Repeat([]byte("payload"), 8192)
	entries := []testEntry{
		{key: "big-1", value: string(big), kind: keys.KindSet},
		{key: "big-2", value: string(big), kind: keys.KindSet},
		{key: "small", value: "s", kind: keys.KindSet},
	}
	opts := SSTableOpts{Dir: t.TempDir(), ID: 10, BlockSize: 4096}
	buildTable(t, opts, entries)

	r, err := NewSSTableReader(opts)
	if err != nil {
		t.Fatalf("NewSSTableReader: %v", err)
	}
	defer r.Close()

	for _, e := range entries {
		v, _, ok, err := r.Get(keys.UserKey(e.key))
		if err != nil || !ok {
			t.Fatalf("Get(%q): ok=%v err=%v", e.key, ok, err)
		}
		if string(v) != e.value {
			t.Fatalf("Get(%q) returned %d bytes, want %d", e.key, len(v), len(e.value))
		}
	}
}
