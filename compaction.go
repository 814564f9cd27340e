package raftdb

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/twlk9/raftdb/keys"
	"github.com/twlk9/raftdb/sstable"
)

// compact runs size-tiered compaction over a not-yet-published
// version, bottom-up from L0, stopping at the first level under its
// threshold. The bottom level has nowhere to push data so it never
// compacts. Caller holds the manifest write lock; v is private to the
// caller until published.
func (m *Manifest) compact(v *Version, allocID func() uint64) error {
	for level := 0; level < len(v.levels) && level < m.opts.MaxLevels-1; level++ {
		if v.levelByteSize(level) <= m.opts.LevelMaxBytes(level) {
			break
		}
		if err := m.compactLevel(v, level, allocID()); err != nil {
			return err
		}
	}
	return nil
}

// compactLevel merges every table in the given level, plus the
// overlapping tables one level down, into a single new table, then
// splices the result into the lower level. The old tables stay open:
// earlier versions still reference them. When the destination is the
// bottom level there is nothing deeper left to shadow, so tombstones
// are dropped instead of rewritten.
func (m *Manifest) compactLevel(v *Version, level int, newID uint64) error {
	upper := v.levels[level]
	if len(upper) == 0 {
		return nil
	}

	start := time.Now()

	minKey := upper[0].FirstKey()
	maxKey := upper[0].LastKey()
	for _, t := range upper[1:] {
		if t.FirstKey().Compare(minKey) < 0 {
			minKey = t.FirstKey()
		}
		if t.LastKey().Compare(maxKey) > 0 {
			maxKey = t.LastKey()
		}
	}

	if level+1 >= len(v.levels) {
		v.levels = append(v.levels, nil)
	}
	lower := v.levels[level+1]

	// The lower level holds disjoint sorted ranges, so the overlap
	// with [minKey, maxKey] is one contiguous run.
	lo := sort.Search(len(lower), func(i int) bool {
		return lower[i].LastKey().Compare(minKey) >= 0
	})
	hi := sort.Search(len(lower), func(i int) bool {
		return lower[i].FirstKey().Compare(maxKey) > 0
	})
	overlapping := lower[lo:hi]

	// Merge inputs oldest first so the allocation counter ranks
	// recency: lower level before upper, upper in insertion order.
	inputs := make([]*sstable.SSTableReader, 0, len(overlapping)+len(upper))
	inputs = append(inputs, overlapping...)
	inputs = append(inputs, upper...)

	dropTombstones := level+1 == m.opts.MaxLevels-1

	meta, reader, err := m.mergeTables(inputs, newID, dropTombstones)
	if err != nil {
		return fmt.Errorf("compact level %d: %w", level, err)
	}

	v.levels[level] = nil
	merged := make([]*sstable.SSTableReader, 0, len(lower)-len(overlapping)+1)
	merged = append(merged, lower[:lo]...)
	var outEntries uint64
	var outBytes int64
	if reader != nil {
		if reader.ID() > m.maxSSTID {
			m.maxSSTID = reader.ID()
		}
		merged = append(merged, reader)
		outEntries = meta.NumEntries
		outBytes = meta.Size
	}
	merged = append(merged, lower[hi:]...)
	v.levels[level+1] = merged

	m.logger.Info("compacted level",
		"level", level,
		"input_tables", len(inputs),
		"output_table", newID,
		"output_entries", outEntries,
		"output_bytes", outBytes,
		"duration", time.Since(start))
	return nil
}

// mergeTables streams the inputs through a min-heap into one new
// table, collapsing duplicate keys so only the newest survives.
// Tombstones are normally carried through, since a deeper level may
// still hold an older value they need to keep shadowing; with
// dropTombstones set they are discarded after winning their key's
// collapse. If everything was a dropped tombstone no table is written
// and the returned reader is nil.
func (m *Manifest) mergeTables(inputs []*sstable.SSTableReader, newID uint64, dropTombstones bool) (*sstable.TableMeta, *sstable.SSTableReader, error) {
	w, err := sstable.NewSSTableWriter(m.opts.sstableOpts(newID, m.cache))
	if err != nil {
		return nil, nil, err
	}

	h := make(mergeHeap, 0, len(inputs))
	for i, t := range inputs {
		it := t.NewIterator()
		it.SeekToFirst()
		if !it.Valid() {
			if err := it.Error(); err != nil {
				it.Close()
				closeHeapIterators(h)
				return nil, nil, err
			}
			it.Close()
			continue
		}
		// Counter assigned at push: later inputs are newer and win
		// key ties.
		h = append(h, &mergeSource{it: it, counter: uint64(i), key: it.Key().Clone()})
	}
	heap.Init(&h)

	var written uint64
	var lastEmitted keys.UserKey
	for h.Len() > 0 {
		src := h[0]
		if lastEmitted == nil || src.key.Compare(lastEmitted) != 0 {
			// The newest binding won the collapse even when it is a
			// tombstone being dropped: older values of the key must
			// not resurface.
			if !dropTombstones || src.it.Kind() != keys.KindDelete {
				if err := w.Add(src.key, src.it.Value(), src.it.Kind()); err != nil {
					closeHeapIterators(h)
					w.Abort()
					return nil, nil, err
				}
				written++
			}
			lastEmitted = src.key
		}
		src.it.Next()
		if src.it.Valid() {
			src.key = src.it.Key().Clone()
			heap.Fix(&h, 0)
		} else {
			if err := src.it.Error(); err != nil {
				closeHeapIterators(h)
				w.Abort()
				return nil, nil, err
			}
			src.it.Close()
			heap.Pop(&h)
		}
	}

	if written == 0 {
		w.Abort()
		return nil, nil, nil
	}
	meta, err := w.Finish()
	if err != nil {
		return nil, nil, err
	}
	reader, err := sstable.NewSSTableReader(m.opts.sstableOpts(newID, m.cache))
	if err != nil {
		return nil, nil, err
	}
	return meta, reader, nil
}

func closeHeapIterators(h mergeHeap) {
	for _, src := range h {
		src.it.Close()
	}
}

// mergeSource is one input stream in a compaction merge. key is a
// copy of the iterator's current key: the iterator's own view dies
// when it crosses a block boundary.
type mergeSource struct {
	it      *sstable.Iterator
	counter uint64
	key     keys.UserKey
}

// mergeHeap orders sources by key ascending; on equal keys the higher
// counter (newer input) comes out first, so the duplicate collapse
// keeps the newest binding.
type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := h[i].key.Compare(h[j].key); c != 0 {
		return c < 0
	}
	return h[i].counter > h[j].counter
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	*h = old[:n-1]
	return src
}
