package memtable

import (
	"math/rand/v2"
	"sync"

	"github.com/twlk9/raftdb/keys"
)

const tMaxHeight = 12

const (
	posKoff   = iota // offset of the key in the data buffer
	posKlen          // length of the key
	posVoff          // offset of the value in the data buffer
	posVlen          // length of the value
	posKind          // set or tombstone
	posHeight        // height we are in the skiplist (number of next pointers)
	posNext          // first next pointer (level 0) (node + posNext + LEVEL is next pointer for LEVEL)
)

// MemTable is an ordered map from user key to value built on an
// arena-style skiplist. Node metadata lives in one int slice and all
// key/value bytes live in one byte slice, which keeps the whole thing
// to two allocations that just grow. Overwrites rebind the node to a
// freshly appended value; old value bytes stay dead in the arena
// until the table is flushed and dropped. Deletes insert a tombstone
// node rather than unlinking, so a flush carries the deletion down to
// the tables below it.
type MemTable struct {
	mu        sync.RWMutex
	rnd       *rand.Rand
	d         []byte // the actual data buffer
	md        []int  // meta data (data on where the data is in data)
	prev      [tMaxHeight]int
	maxHeight int
	n         int
	bytes     int64 // live key+value bytes, the flush trigger
}

// NewMemtable creates an empty memtable sized for roughly
// capacityHint bytes of key/value data.
func NewMemtable(capacityHint int) *MemTable {
	// Each entry uses posNext (6) header ints plus its next pointers,
	// about 1.33 on average; 9 ints per entry leaves headroom. Assume
	// 64-byte average key+value size for capacity estimation.
	estimatedEntries := capacityHint / 64
	estimatedMdCapacity := posNext + tMaxHeight + (estimatedEntries * 9)

	mt := &MemTable{
		rnd:       rand.New(rand.NewPCG(4, 8)),
		maxHeight: 1,
		d:         make([]byte, 0, capacityHint),
		md:        make([]int, posNext+tMaxHeight, estimatedMdCapacity),
	}
	mt.md[posHeight] = tMaxHeight
	return mt
}

func (mt *MemTable) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && mt.rnd.Int()%b == 0 {
		h++
	}
	return h
}

// findGE walks down the tower looking for the first node whose key is
// >= the search key. With prev set it also records the rightmost node
// strictly less than the key at every level so an insert can splice
// itself in.
func (mt *MemTable) findGE(key keys.UserKey, prev bool) (int, bool) {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			o := mt.md[next+posKoff]
			d := keys.UserKey(mt.d[o : o+mt.md[next+posKlen]])
			cmp = d.Compare(key)
		}
		if cmp < 0 { // If stored < search, continue forward
			node = next
		} else {
			if prev {
				mt.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

// Put inserts or overwrites a binding. An overwrite appends the new
// value to the arena and repoints the node at it, so the size
// accumulator moves by the value-length delta only.
func (mt *MemTable) Put(key keys.UserKey, value []byte) {
	mt.set(key, value, keys.KindSet)
}

// Delete records a tombstone for key. The node stays linked with
// KindDelete so the deletion survives a flush and shadows older
// tables during reads and compaction.
func (mt *MemTable) Delete(key keys.UserKey) {
	mt.set(key, nil, keys.KindDelete)
}

func (mt *MemTable) set(key keys.UserKey, value []byte, kind keys.Kind) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	node, exact := mt.findGE(key, true)
	if exact {
		voff := len(mt.d)
		mt.d = append(mt.d, value...)
		mt.bytes += int64(len(value)) - int64(mt.md[node+posVlen])
		mt.md[node+posVoff] = voff
		mt.md[node+posVlen] = len(value)
		mt.md[node+posKind] = int(kind)
		return
	}

	h := mt.randHeight()
	if h > mt.maxHeight {
		// Only initialize the NEW levels (mt.maxHeight to h-1) to point
		// to the header. Don't overwrite the existing levels that were
		// set by findGE.
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	koff := len(mt.d)
	mt.d = append(mt.d, key...)
	voff := len(mt.d)
	mt.d = append(mt.d, value...)
	node = len(mt.md)
	mt.md = append(mt.md, koff, len(key), voff, len(value), int(kind), h)
	for i, n := range mt.prev[:h] {
		m := n + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
	mt.bytes += int64(len(key)) + int64(len(value))
}

// Get returns the current binding for key. ok reports whether the
// table holds any record for the key at all; a tombstone comes back
// as ok with KindDelete so the caller knows to stop looking in older
// tables.
func (mt *MemTable) Get(key keys.UserKey) (value []byte, kind keys.Kind, ok bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, 0, false
	}

	node, exact := mt.findGE(key, false)
	if !exact {
		return nil, 0, false
	}
	o := mt.md[node+posVoff]
	return mt.d[o : o+mt.md[node+posVlen]], keys.Kind(mt.md[node+posKind]), true
}

// ByteSize returns the live key+value byte total. This is the number
// the engine compares against its flush threshold.
func (mt *MemTable) ByteSize() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.bytes
}

// Len returns the number of distinct keys (tombstones included).
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// MemoryUsage returns an approximation of arena memory in use.
func (mt *MemTable) MemoryUsage() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.d) + len(mt.md)*8
}

// MemTableIterator walks the table in ascending key order. Tombstone
// entries are surfaced with KindDelete; filtering them is the
// caller's business.
type MemTableIterator struct {
	mt    *MemTable
	node  int // current node index (0 = invalid/before first)
	key   keys.UserKey
	value []byte
	kind  keys.Kind
}

// NewIterator creates a new iterator over the memtable.
func (mt *MemTable) NewIterator() *MemTableIterator {
	return &MemTableIterator{mt: mt}
}

func (it *MemTableIterator) fill() {
	if it.node == 0 {
		it.key = nil
		it.value = nil
		it.kind = 0
		return
	}
	ko := it.mt.md[it.node+posKoff]
	it.key = it.mt.d[ko : ko+it.mt.md[it.node+posKlen]]
	vo := it.mt.md[it.node+posVoff]
	it.value = it.mt.d[vo : vo+it.mt.md[it.node+posVlen]]
	it.kind = keys.Kind(it.mt.md[it.node+posKind])
}

// SeekToFirst positions the iterator at the first element.
func (it *MemTableIterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[posNext]
	it.fill()
}

// Seek positions the iterator at the first element >= target.
func (it *MemTableIterator) Seek(target keys.UserKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node, _ = it.mt.findGE(target, false)
	it.fill()
}

// Valid returns true if the iterator is positioned at a valid element.
func (it *MemTableIterator) Valid() bool {
	return it.node != 0
}

// Next moves the iterator to the next element.
func (it *MemTableIterator) Next() {
	if it.node == 0 {
		return // Already invalid
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[it.node+posNext]
	it.fill()
}

// Key returns the current key.
func (it *MemTableIterator) Key() keys.UserKey {
	return it.key
}

// Value returns the current value. Empty for tombstones.
func (it *MemTableIterator) Value() []byte {
	return it.value
}

// Kind reports whether the current entry is a set or a tombstone.
func (it *MemTableIterator) Kind() keys.Kind {
	return it.kind
}

// Close releases any resources held by the iterator.
func (it *MemTableIterator) Close() error {
	return nil
}
