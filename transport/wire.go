// Package transport exposes a node over HTTP: a client surface for
// puts, gets and stats, and the peer RPC surface the raft nodes use
// among themselves. Both live on one listener per node.
package transport

import (
	"github.com/twlk9/raftdb"
	"github.com/twlk9/raftdb/raft"
)

// Client surface result codes. These travel in the response body;
// the HTTP status stays 200 for any well-formed request.
const (
	CodeOK        int32 = 0
	CodeNotFound  int32 = 1
	CodeFailure   int32 = -1
	CodeNotLeader int32 = -2
)

// PutRequest carries one write. Key and Value are raw bytes,
// base64-coded by the JSON layer.
type PutRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// PutResponse reports the outcome. Leader is set with CodeNotLeader
// when a redirect target is known.
type PutResponse struct {
	Code   int32         `json:"code"`
	Leader *raft.Address `json:"leader,omitempty"`
}

type GetRequest struct {
	Key            []byte `json:"key"`
	ReadFromLeader bool   `json:"read_from_leader"`
}

type GetResponse struct {
	Code   int32         `json:"code"`
	Value  []byte        `json:"value,omitempty"`
	Leader *raft.Address `json:"leader,omitempty"`
}

type DeleteRequest struct {
	Key []byte `json:"key"`
}

// StatsResponse is the node's self-description: consensus role plus
// the engine's level and cache counters.
type StatsResponse struct {
	NodeID int32         `json:"node_id"`
	State  string        `json:"state"`
	Term   uint64        `json:"term"`
	Leader *raft.Address `json:"leader,omitempty"`
	Engine raftdb.Stats  `json:"engine"`
}
