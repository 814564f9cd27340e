package raft

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twlk9/raftdb/keys"
)

// State is the role a node currently plays.
type State int32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// RPC result codes shared by both peer calls.
const (
	// CodeOK accepts the request.
	CodeOK int32 = 0
	// CodeReject denies a vote, or reports a term/log mismatch the
	// leader should answer by decrementing next_index.
	CodeReject int32 = -1
	// CodeAhead means the follower's log runs past the leader's
	// view and could not reconcile by truncating to its commit.
	CodeAhead int32 = -2
)

// RequestVoteRequest asks a peer for its vote this term.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  int32  `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
}

// RequestVoteResponse carries the receiver's term and a grant/deny
// code.
type RequestVoteResponse struct {
	Term uint64 `json:"term"`
	Code int32  `json:"code"`
}

// AppendEntriesRequest replicates entries or, with none, serves as a
// heartbeat.
type AppendEntriesRequest struct {
	Term         uint64  `json:"term"`
	LeaderID     int32   `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries,omitempty"`
	CommitIndex  uint64  `json:"commit_index"`
}

// AppendEntriesResponse reports the receiver's term, an accept code
// and its last log index so the leader can resynchronize next_index
// in one round trip.
type AppendEntriesResponse struct {
	Term         uint64 `json:"term"`
	Code         int32  `json:"code"`
	LastLogIndex uint64 `json:"last_log_index"`
}

// Transport delivers peer RPCs. Implementations own retries at the
// connection level; the node owns protocol-level retries.
type Transport interface {
	RequestVote(ctx context.Context, peer Address, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer Address, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// Engine is the local state machine: the log applies mutations
// through it and reads consult it directly.
type Engine interface {
	Applier
	Get(key []byte) ([]byte, error)
}

// peerState is the leader's view of one peer.
type peerState struct {
	addr       Address
	nextIndex  atomic.Uint64
	matchIndex atomic.Uint64
}

// Node runs the consensus state machine over a replicated log and a
// local engine. One mutex covers term, vote, role and leader
// identity; the last-contact timestamp is atomic so the election
// timer reads it without the lock.
type Node struct {
	cfg       *Config
	log       *Log
	engine    Engine
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	term     uint64
	votedFor int32
	leaderID int32

	// matchCond wakes Put waiters when replication progresses and
	// when leadership is lost.
	matchCond *sync.Cond

	// shipStop is closed on every step-down so the current
	// generation of shippers exits. Replaced on each election win.
	shipStop  chan struct{}
	shipperWg sync.WaitGroup

	peers []*peerState

	// lastContact is the unix-nano time of the last valid leader or
	// candidate contact.
	lastContact atomic.Int64

	done    chan struct{}
	stopped atomic.Bool
	loopWg  sync.WaitGroup
}

// NewNode wires a node together. Start kicks off the timer loop.
func NewNode(cfg *Config, log *Log, engine Engine, transport Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:       cfg,
		log:       log,
		engine:    engine,
		transport: transport,
		logger:    logger.With("node_id", cfg.Local.ID),
		state:     Follower,
		votedFor:  -1,
		leaderID:  -1,
		done:      make(chan struct{}),
	}
	n.matchCond = sync.NewCond(&n.mu)
	for _, addr := range cfg.Peers {
		n.peers = append(n.peers, &peerState{addr: addr})
	}
	n.lastContact.Store(time.Now().UnixNano())
	return n, nil
}

// Start launches the election/heartbeat loop.
func (n *Node) Start() {
	n.loopWg.Add(1)
	go n.electionLoop()
	n.logger.Info("raft node started", "peers", len(n.peers))
}

// Stop shuts the node down: election loop first, then shippers. Put
// waiters are released with ErrStopped.
func (n *Node) Stop() {
	if n.stopped.Swap(true) {
		return
	}
	close(n.done)
	n.loopWg.Wait()

	n.mu.Lock()
	n.stopShippersLocked()
	n.matchCond.Broadcast()
	n.mu.Unlock()
	n.shipperWg.Wait()
	n.logger.Info("raft node stopped")
}

// State returns the node's current role.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// ID returns the local node id.
func (n *Node) ID() int32 {
	return n.cfg.Local.ID
}

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	return n.State() == Leader
}

// LeaderAddr returns the believed leader's address for redirects.
func (n *Node) LeaderAddr() (Address, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Leader {
		return n.cfg.Local, true
	}
	for _, p := range n.peers {
		if p.addr.ID == n.leaderID {
			return p.addr, true
		}
	}
	return Address{}, false
}

// clusterSize counts every member, self included.
func (n *Node) clusterSize() int {
	return len(n.peers) + 1
}

// stepDownLocked moves the node to Follower for term. Caller holds
// n.mu.
func (n *Node) stepDownLocked(term uint64) {
	if term > n.term {
		n.term = term
		n.votedFor = -1
	}
	if n.state == Leader {
		n.stopShippersLocked()
	}
	if n.state != Follower {
		n.logger.Info("stepping down", "term", n.term, "was", n.state.String())
	}
	n.state = Follower
	n.matchCond.Broadcast()
}

// stopShippersLocked signals the current shipper generation to exit.
// Caller holds n.mu.
func (n *Node) stopShippersLocked() {
	if n.shipStop != nil {
		close(n.shipStop)
		n.shipStop = nil
	}
}

// resetElectionTimer records valid cluster contact.
func (n *Node) resetElectionTimer() {
	n.lastContact.Store(time.Now().UnixNano())
}

// electionTimeout picks this cycle's randomized timeout in
// [T, 1.5T].
func (n *Node) electionTimeout() time.Duration {
	t := n.cfg.ElectionTimeout
	return t + rand.N(t/2)
}

// HandleRequestVote answers a candidate. Grant when the candidate's
// term and log are at least as current as ours and our vote this
// term is free or already theirs.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.resetElectionTimer()

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return &RequestVoteResponse{Term: n.term, Code: CodeReject}
	}
	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	}
	if req.LastLogIndex < n.log.Index() {
		return &RequestVoteResponse{Term: n.term, Code: CodeReject}
	}
	if n.votedFor != -1 && n.votedFor != req.CandidateID {
		return &RequestVoteResponse{Term: n.term, Code: CodeReject}
	}

	n.votedFor = req.CandidateID
	n.logger.Info("vote granted", "candidate", req.CandidateID, "term", n.term)
	return &RequestVoteResponse{Term: n.term, Code: CodeOK}
}

// HandleAppendEntries answers the leader: adopt its term, record its
// identity, fold in its commit index, then try to append whatever it
// sent. Empty entries are a heartbeat.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.resetElectionTimer()

	n.mu.Lock()
	if req.Term < n.term {
		term := n.term
		n.mu.Unlock()
		return &AppendEntriesResponse{Term: term, Code: CodeReject, LastLogIndex: n.log.Index()}
	}
	if req.Term > n.term || n.state != Follower {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderID
	term := n.term
	n.mu.Unlock()

	n.log.UpdateCommit(req.CommitIndex)

	code := n.appendFromLeader(req)
	return &AppendEntriesResponse{Term: term, Code: code, LastLogIndex: n.log.Index()}
}

// appendFromLeader folds a batch into the local log. Entries the log
// already holds past the leader's view are truncated back as far as
// the commit index allows; a gap means the leader must back up.
func (n *Node) appendFromLeader(req *AppendEntriesRequest) int32 {
	for _, e := range req.Entries {
		last := n.log.Index()
		switch {
		case e.Index == last+1:
			// Lines up, fall through to append.
		case e.Index <= last:
			// Our tail runs past the leader. Uncommitted overhang
			// can be truncated away; a committed conflict cannot.
			n.log.TruncateTo(e.Index - 1)
			if e.Index != n.log.Index()+1 {
				return CodeAhead
			}
		default:
			// Gap: the leader needs to resend from earlier.
			return CodeReject
		}
		if err := n.log.AppendEntry(e); err != nil {
			n.logger.Warn("append from leader failed", "index", e.Index, "error", err)
			return CodeReject
		}
	}
	if len(req.Entries) > 0 {
		n.log.UpdateCommit(req.CommitIndex)
	}
	return CodeOK
}

// Put replicates a write through the log and returns once a
// majority holds it and the local engine has applied it, so a
// follow-up Get on this node observes the write.
func (n *Node) Put(key, value []byte) error {
	return n.replicate(key, value, keys.KindSet)
}

// Delete replicates a tombstone the same way Put replicates a value.
func (n *Node) Delete(key []byte) error {
	return n.replicate(key, nil, keys.KindDelete)
}

func (n *Node) replicate(key, value []byte, kind keys.Kind) error {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	term := n.term
	n.mu.Unlock()

	index, err := n.log.Append(key, value, kind, term)
	if err != nil {
		return err
	}

	if err := n.waitMajority(index, term); err != nil {
		return err
	}
	n.advanceCommit(term)
	return n.log.WaitApplied(index)
}

// waitMajority blocks until a majority of the cluster holds index.
// Shippers broadcast matchCond on every match advance; losing
// leadership or stopping releases waiters with an error.
func (n *Node) waitMajority(index uint64, term uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		if n.stopped.Load() {
			return ErrStopped
		}
		if n.state != Leader || n.term != term {
			return ErrNoQuorum
		}
		matches := 1 // self
		for _, p := range n.peers {
			if p.matchIndex.Load() >= index {
				matches++
			}
		}
		if matches*2 > n.clusterSize() {
			return nil
		}
		n.matchCond.Wait()
	}
}

// advanceCommit pushes the commit index to the highest N a majority
// has matched, provided entry N belongs to the current term.
func (n *Node) advanceCommit(term uint64) {
	last := n.log.Index()
	for idx := last; idx > n.log.Committed(); idx-- {
		matches := 1
		for _, p := range n.peers {
			if p.matchIndex.Load() >= idx {
				matches++
			}
		}
		if matches*2 <= n.clusterSize() {
			continue
		}
		e, err := n.log.At(idx)
		if err != nil || e.Term != term {
			continue
		}
		n.log.UpdateCommit(idx)
		return
	}
}

// Get serves a read from the local engine. With readFromLeader set,
// a non-leader refuses so the client can redirect.
func (n *Node) Get(key []byte, readFromLeader bool) ([]byte, error) {
	if readFromLeader && !n.IsLeader() {
		return nil, ErrNotLeader
	}
	return n.engine.Get(key)
}
