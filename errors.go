package raftdb

import "errors"

// Error definitions for the storage engine.
// Standard Go practice - define all your errors in one place so they're easy to find.
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrDBClosed is returned when operating on a closed database
	ErrDBClosed = errors.New("database is closed")

	// ErrDBAlreadyOpen is returned when another process holds the
	// data directory's lock file
	ErrDBAlreadyOpen = errors.New("database already open")

	// ErrInvalidKey is returned when a key is invalid
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned when a value is invalid
	ErrInvalidValue = errors.New("invalid value")

	// ErrCorruption is returned when on-disk data fails validation.
	// A table or manifest that trips this at open time refuses to
	// serve; we would rather not start than serve wrong answers.
	ErrCorruption = errors.New("data corruption detected")

	// Configuration validation errors
	ErrInvalidPath         = errors.New("invalid database path")
	ErrInvalidMemtableSize = errors.New("invalid memtable max size")
	ErrInvalidBlockSize    = errors.New("invalid block size")
	ErrInvalidMaxLevels    = errors.New("invalid max levels")
	ErrInvalidBloomFPRate  = errors.New("invalid bloom false positive rate")
)
