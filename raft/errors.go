package raft

import "errors"

var (
	// ErrLogFull means the ring buffer has no room for another
	// entry. The ring reclaims no space while the log is open: its
	// start index moves only when OpenLog recovers from the meta file.
	ErrLogFull = errors.New("replicated log is full")

	// ErrOutOfRange is returned for an index outside the window the
	// ring currently holds.
	ErrOutOfRange = errors.New("log index out of range")

	// ErrNotLeader is returned to client operations that need a
	// leader. The node's LeaderAddr reports where to retry.
	ErrNotLeader = errors.New("node is not the leader")

	// ErrStopped is returned once the node or log has shut down.
	ErrStopped = errors.New("raft node is stopped")

	// ErrNoQuorum is returned when a write could not reach a
	// majority before the node stopped or lost leadership.
	ErrNoQuorum = errors.New("no replication quorum")
)
