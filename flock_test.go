package raftdb

import (
	"errors"
	"testing"
)

func TestDirLockIsExclusive(t *testing.T) {
	opts := testOptions(t)

	db1, err := Open(opts)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	// Same directory, same process: the flock is per file
	// description, so a second Open must refuse.
	_, err = Open(opts.Clone())
	if !errors.Is(err, ErrDBAlreadyOpen) {
		t.Fatalf("second open: want ErrDBAlreadyOpen, got %v", err)
	}

	if err := db1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Closing released the lock; the directory opens again.
	db2, err := Open(opts.Clone())
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	if err := db2.Close(); err != nil {
		t.Fatalf("close reopened: %v", err)
	}
}
