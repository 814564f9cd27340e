package raft

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twlk9/raftdb/keys"
)

var errMissing = errors.New("missing")

// memEngine is an in-memory state machine for exercising the log and
// node without a disk-backed engine.
type memEngine struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemEngine() *memEngine {
	return &memEngine{m: make(map[string]string)}
}

func (e *memEngine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[string(key)] = string(value)
	return nil
}

func (e *memEngine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.m, string(key))
	return nil
}

func (e *memEngine) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.m[string(key)]
	if !ok {
		return nil, errMissing
	}
	return []byte(v), nil
}

func (e *memEngine) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.m)
}

func openTestLog(t *testing.T, dir string, eng Applier) *Log {
	t.Helper()
	l, err := OpenLog(dir, eng, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAppendAssignsIndexes(t *testing.T) {
	l := openTestLog(t, t.TempDir(), newMemEngine())

	for i := 1; i <= 5; i++ {
		idx, err := l.Append([]byte(fmt.Sprintf("k%d", i)), []byte("v"), keys.KindSet, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), idx)
	}
	assert.Equal(t, uint64(5), l.Index())
	assert.Equal(t, uint64(0), l.Committed())

	e, err := l.At(3)
	require.NoError(t, err)
	assert.Equal(t, "k3", string(e.Key))
	assert.Equal(t, uint64(1), e.Term)

	_, err = l.At(0)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = l.At(6)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestLogAppendEntryChecksSequence(t *testing.T) {
	l := openTestLog(t, t.TempDir(), newMemEngine())

	require.NoError(t, l.AppendEntry(Entry{Index: 1, Term: 1, Key: []byte("a"), Value: []byte("1")}))
	err := l.AppendEntry(Entry{Index: 3, Term: 1, Key: []byte("c")})
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, uint64(1), l.Index())
}

func TestLogTruncateRespectsCommit(t *testing.T) {
	l := openTestLog(t, t.TempDir(), newMemEngine())

	for i := 1; i <= 10; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("k%d", i)), []byte("v"), keys.KindSet, 1)
		require.NoError(t, err)
	}
	l.UpdateCommit(4)

	l.TruncateTo(7)
	assert.Equal(t, uint64(7), l.Index())

	// Truncating below the commit index clamps at it.
	l.TruncateTo(2)
	assert.Equal(t, uint64(4), l.Index())
}

func TestLogUpdateCommitClampsToIndex(t *testing.T) {
	l := openTestLog(t, t.TempDir(), newMemEngine())

	_, err := l.Append([]byte("only"), []byte("v"), keys.KindSet, 1)
	require.NoError(t, err)

	l.UpdateCommit(99)
	assert.Equal(t, uint64(1), l.Committed())

	// Commit never regresses.
	l.UpdateCommit(0)
	assert.Equal(t, uint64(1), l.Committed())
}

func TestLogAppliesCommittedEntriesInOrder(t *testing.T) {
	eng := newMemEngine()
	l := openTestLog(t, t.TempDir(), eng)

	for i := 1; i <= 20; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i)), keys.KindSet, 1)
		require.NoError(t, err)
	}
	idx, err := l.Append([]byte("k05"), nil, keys.KindDelete, 1)
	require.NoError(t, err)

	l.UpdateCommit(idx)
	require.NoError(t, l.WaitApplied(idx))

	assert.Equal(t, uint64(idx), l.LastApplied())
	assert.Equal(t, 19, eng.len())
	_, err = eng.Get([]byte("k05"))
	assert.ErrorIs(t, err, errMissing)
	v, err := eng.Get([]byte("k17"))
	require.NoError(t, err)
	assert.Equal(t, "v17", string(v))
}

func TestLogMetaPersistence(t *testing.T) {
	dir := t.TempDir()
	eng := newMemEngine()

	l, err := OpenLog(dir, eng, testLogger())
	require.NoError(t, err)
	for i := 1; i <= 8; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("k%d", i)), []byte("v"), keys.KindSet, 2)
		require.NoError(t, err)
	}
	l.UpdateCommit(6)
	require.NoError(t, l.WaitApplied(6))
	require.NoError(t, l.Close())

	l2, err := OpenLog(dir, eng, testLogger())
	require.NoError(t, err)
	defer l2.Close()

	// Every position restarts at the persisted commit; the two
	// uncommitted tail entries are gone.
	assert.Equal(t, uint64(6), l2.Index())
	assert.Equal(t, uint64(6), l2.Committed())
	assert.Equal(t, uint64(6), l2.LastApplied())
	_, err = l2.At(6)
	assert.ErrorIs(t, err, ErrOutOfRange)

	idx, err := l2.Append([]byte("next"), []byte("v"), keys.KindSet, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), idx)
}

func TestLogRejectsOversizedMeta(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(filepath.Join(dir, MetaFileName), []byte("garbage!!")))

	_, err := OpenLog(dir, newMemEngine(), testLogger())
	assert.Error(t, err)
}

func TestLogCloseIsIdempotent(t *testing.T) {
	l, err := OpenLog(t.TempDir(), newMemEngine(), testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append([]byte("k"), []byte("v"), keys.KindSet, 1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLogFillsToCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("fills the full ring")
	}
	l := openTestLog(t, t.TempDir(), newMemEngine())

	key := []byte("k")
	for i := 0; i < LogCapacity; i++ {
		if _, err := l.Append(key, nil, keys.KindSet, 1); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	_, err := l.Append(key, nil, keys.KindSet, 1)
	assert.ErrorIs(t, err, ErrLogFull)
}

func TestLogWaitAppliedUnblocksOnCommit(t *testing.T) {
	eng := newMemEngine()
	l := openTestLog(t, t.TempDir(), eng)

	idx, err := l.Append([]byte("k"), []byte("v"), keys.KindSet, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.WaitApplied(idx) }()

	time.Sleep(20 * time.Millisecond)
	l.UpdateCommit(idx)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitApplied never returned")
	}
}
