package raft

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/twlk9/raftdb/keys"
)

const (
	// LogCapacity is the fixed size of the in-memory ring. Appends
	// fail once index-start reaches it.
	LogCapacity = 1 << 18

	// MetaFileName holds the persisted committed index: a single
	// 8-byte little-endian integer, rewritten at shutdown.
	MetaFileName = "raft_log_meta"
)

// Entry is one replicated mutation. Kind distinguishes a set from a
// tombstone so deletes replicate the same way writes do.
type Entry struct {
	Index uint64    `json:"index"`
	Term  uint64    `json:"term"`
	Kind  keys.Kind `json:"kind"`
	Key   []byte    `json:"key"`
	Value []byte    `json:"value"`
}

// Applier is the state machine the log feeds, applied strictly in
// index order.
type Applier interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Log is the bounded replicated log: a fixed-capacity ring of
// entries plus the four indexes that drive replication. One mutex
// serializes append and truncate; the apply worker sleeps on a
// condition variable and wakes whenever the commit index moves.
type Log struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	applyCond *sync.Cond

	ring [LogCapacity]Entry

	// start is the index before the first entry the ring holds.
	// Entries at start+1 .. index are resident.
	start       uint64
	index       uint64
	committed   uint64
	lastApplied uint64

	stopped bool

	applier Applier
	applyWg sync.WaitGroup
}

// OpenLog recovers the committed index from dir and starts the apply
// worker. A missing meta file means a brand new log; everything
// starts at zero. The recovered committed index seeds all four
// positions: entries at or below it already live in the engine's
// tables, so the ring restarts empty just past them.
func OpenLog(dir string, applier Applier, logger *slog.Logger) (*Log, error) {
	l := &Log{
		dir:     dir,
		logger:  logger,
		applier: applier,
	}
	l.applyCond = sync.NewCond(&l.mu)

	path := filepath.Join(dir, MetaFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh log.
	case err != nil:
		return nil, err
	case len(data) != 8:
		return nil, fmt.Errorf("%s: %d bytes, want 8", path, len(data))
	default:
		committed := binary.LittleEndian.Uint64(data)
		l.start = committed
		l.index = committed
		l.committed = committed
		l.lastApplied = committed
		logger.Info("replicated log recovered", "committed", committed)
	}

	l.applyWg.Add(1)
	go l.applyLoop()
	return l, nil
}

// slot maps a log index onto its ring position.
func (l *Log) slot(index uint64) *Entry {
	return &l.ring[(index-l.start-1)%LogCapacity]
}

// Append assigns the next index to a new entry and pushes it onto
// the ring. The leader path.
func (l *Log) Append(key, value []byte, kind keys.Kind, term uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return 0, ErrStopped
	}
	if l.index-l.start >= LogCapacity {
		return 0, ErrLogFull
	}
	l.index++
	*l.slot(l.index) = Entry{
		Index: l.index,
		Term:  term,
		Kind:  kind,
		Key:   key,
		Value: value,
	}
	return l.index, nil
}

// AppendEntry pushes a pre-formed entry carrying its own index. The
// follower path; the caller has already checked the index lines up.
func (l *Log) AppendEntry(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if e.Index != l.index+1 {
		return fmt.Errorf("%w: append index %d after %d", ErrOutOfRange, e.Index, l.index)
	}
	if l.index-l.start >= LogCapacity {
		return ErrLogFull
	}
	l.index++
	*l.slot(l.index) = e
	return nil
}

// At returns the entry stored for index, valid while
// start < index <= l.index.
func (l *Log) At(index uint64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.start || index > l.index {
		return Entry{}, fmt.Errorf("%w: %d not in (%d, %d]", ErrOutOfRange, index, l.start, l.index)
	}
	return *l.slot(index), nil
}

// TruncateTo drops tail entries until the last index equals
// expected. Committed entries never truncate.
func (l *Log) TruncateTo(expected uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expected < l.committed {
		expected = l.committed
	}
	if l.index > expected {
		l.index = expected
	}
}

// UpdateCommit advances the commit index to
// min(index, max(committed, leaderCommit)) and wakes the applier.
func (l *Log) UpdateCommit(leaderCommit uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := max(l.committed, min(l.index, leaderCommit))
	// Broadcast: both the apply worker and WaitApplied callers sleep
	// on this condition.
	if next != l.committed {
		l.committed = next
		l.applyCond.Broadcast()
	}
}

// Index returns the last appended index.
func (l *Log) Index() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

// Committed returns the commit index.
func (l *Log) Committed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// LastApplied returns the highest index handed to the state machine.
func (l *Log) LastApplied() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastApplied
}

// applyLoop feeds committed entries to the state machine in index
// order, exactly once each. It sleeps on the condition variable
// while caught up; UpdateCommit and Close wake it.
func (l *Log) applyLoop() {
	defer l.applyWg.Done()

	for {
		l.mu.Lock()
		for l.lastApplied >= l.committed && !l.stopped {
			l.applyCond.Wait()
		}
		if l.lastApplied >= l.committed && l.stopped {
			l.mu.Unlock()
			return
		}
		next := l.lastApplied + 1
		e := *l.slot(next)
		l.mu.Unlock()

		var err error
		switch e.Kind {
		case keys.KindDelete:
			err = l.applier.Delete(e.Key)
		default:
			err = l.applier.Put(e.Key, e.Value)
		}
		if err != nil {
			// The engine refused a committed entry. Retrying is the
			// only move that preserves apply order.
			l.logger.Error("apply failed, retrying", "index", next, "error", err)
			continue
		}

		l.mu.Lock()
		l.lastApplied = next
		l.applyCond.Broadcast()
		l.mu.Unlock()
	}
}

// WaitApplied blocks until the applier has reached at least index or
// the log stops.
func (l *Log) WaitApplied(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.lastApplied < index {
		if l.stopped {
			return ErrStopped
		}
		l.applyCond.Wait()
	}
	return nil
}

// Close drains committed-but-unapplied entries, stops the apply
// worker and persists the committed index.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	committed := l.committed
	l.applyCond.Broadcast()
	l.mu.Unlock()
	l.applyWg.Wait()

	path := filepath.Join(l.dir, MetaFileName)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], committed)
	if err := os.WriteFile(path, buf[:], 0644); err != nil {
		return fmt.Errorf("persist log meta: %w", err)
	}
	l.logger.Info("replicated log closed", "committed", committed)
	return nil
}
