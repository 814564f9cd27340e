package raft

import (
	"context"
	"time"
)

// maxEntriesPerAppend bounds one AppendEntries batch. The protocol
// accepts any batch size; this just keeps a lagging follower's
// catch-up requests from ballooning.
const maxEntriesPerAppend = 64

// runShipper drives replication to one peer for one leadership
// generation. While the peer lags it ships batches back to back;
// once caught up it idles between heartbeat ticks. Exits when stop
// closes, the node shuts down, or a response reveals a newer term.
func (n *Node) runShipper(p *peerState, term uint64, stop chan struct{}) {
	defer n.shipperWg.Done()

	for {
		select {
		case <-stop:
			return
		case <-n.done:
			return
		default:
		}

		next := p.nextIndex.Load()
		if next > n.log.Index() {
			// Caught up. Sleep a heartbeat; the leader's timer loop
			// covers the actual heartbeat RPC.
			select {
			case <-stop:
				return
			case <-n.done:
				return
			case <-time.After(n.cfg.HeartbeatInterval):
			}
			continue
		}

		if !n.shipBatch(p, term, next) {
			return
		}
	}
}

// shipBatch sends entries [next, next+batch) to the peer and folds
// the response into next/match index state. Returns false when this
// shipper generation should exit.
func (n *Node) shipBatch(p *peerState, term uint64, next uint64) bool {
	last := n.log.Index()
	end := min(last, next+maxEntriesPerAppend-1)

	entries := make([]Entry, 0, end-next+1)
	for idx := next; idx <= end; idx++ {
		e, err := n.log.At(idx)
		if err != nil {
			// The window slid past next (only possible after a
			// truncate); resync from the commit index.
			p.nextIndex.Store(n.log.Committed() + 1)
			return true
		}
		entries = append(entries, e)
	}

	var prevTerm uint64
	if prev, err := n.log.At(next - 1); err == nil {
		prevTerm = prev.Term
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.cfg.Local.ID,
		PrevLogIndex: next - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  n.log.Committed(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	resp, err := n.transport.AppendEntries(ctx, p.addr, req)
	cancel()
	if err != nil {
		n.logger.Debug("append to peer failed", "peer", p.addr.ID, "error", err)
		select {
		case <-n.done:
			return false
		case <-time.After(n.cfg.HeartbeatInterval):
		}
		return true
	}

	if resp.Term > term {
		n.mu.Lock()
		n.stepDownLocked(resp.Term)
		n.mu.Unlock()
		return false
	}

	switch resp.Code {
	case CodeOK:
		p.nextIndex.Store(end + 1)
		p.matchIndex.Store(end)
		n.advanceCommit(term)
		n.matchCond.Broadcast()
	case CodeAhead:
		// The follower told us exactly where its log ends.
		p.nextIndex.Store(resp.LastLogIndex + 1)
	default:
		// Mismatch: back up one and retry next cycle.
		if next > 1 {
			p.nextIndex.Store(next - 1)
		}
	}
	return true
}

// sendHeartbeats pushes one empty AppendEntries to every peer,
// carrying the current term and commit index. Run from the timer
// loop while Leader.
func (n *Node) sendHeartbeats() {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	term := n.term
	n.mu.Unlock()

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.cfg.Local.ID,
		PrevLogIndex: n.log.Index(),
		CommitIndex:  n.log.Committed(),
	}
	for _, p := range n.peers {
		go func(peer Address) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.AppendEntries(ctx, peer, req)
			if err != nil {
				n.logger.Debug("heartbeat failed", "peer", peer.ID, "error", err)
				return
			}
			if resp.Term > term {
				n.mu.Lock()
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
			}
		}(p.addr)
	}
}
