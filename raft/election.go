package raft

import (
	"context"
	"sync"
	"time"
)

// electionLoop is the node's single timer goroutine. As Follower or
// Candidate it arms a randomized election timeout and starts an
// election when no leader contact arrived inside it; as Leader it
// ticks the heartbeat interval instead.
func (n *Node) electionLoop() {
	defer n.loopWg.Done()

	for {
		if n.State() == Leader {
			select {
			case <-n.done:
				return
			case <-time.After(n.cfg.HeartbeatInterval):
				n.sendHeartbeats()
			}
			continue
		}

		timeout := n.electionTimeout()
		select {
		case <-n.done:
			return
		case <-time.After(timeout):
		}

		// A heartbeat or vote request may have landed while we
		// slept; only a genuinely silent window triggers a vote.
		elapsed := time.Since(time.Unix(0, n.lastContact.Load()))
		if elapsed < timeout {
			continue
		}
		n.startElection()
	}
}

// startElection runs one candidacy: bump the term, vote for self,
// ask every peer in parallel, and take leadership on a strict
// majority. Any higher term observed ends the candidacy.
func (n *Node) startElection() {
	n.mu.Lock()
	n.state = Candidate
	n.term++
	n.votedFor = n.cfg.Local.ID
	term := n.term
	n.mu.Unlock()
	n.resetElectionTimer()

	lastIndex := n.log.Index()
	n.logger.Info("starting election", "term", term, "last_log_index", lastIndex)

	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.Local.ID,
		LastLogIndex: lastIndex,
	}

	var (
		mu    sync.Mutex
		votes = 1 // self
	)
	var wg sync.WaitGroup
	for _, p := range n.peers {
		wg.Add(1)
		go func(peer Address) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.RequestVote(ctx, peer, req)
			if err != nil {
				n.logger.Debug("vote request failed", "peer", peer.ID, "error", err)
				return
			}
			if resp.Term > term {
				n.mu.Lock()
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			if resp.Code == CodeOK {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}(p.addr)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Candidate || n.term != term {
		// Someone else won, or a higher term arrived mid-count.
		return
	}
	if votes*2 <= n.clusterSize() {
		n.logger.Info("election lost", "term", term, "votes", votes)
		n.state = Follower
		return
	}
	n.becomeLeaderLocked(term, votes)
}

// becomeLeaderLocked installs leadership state and starts one
// shipper per peer. Caller holds n.mu.
func (n *Node) becomeLeaderLocked(term uint64, votes int) {
	n.state = Leader
	n.leaderID = n.cfg.Local.ID
	n.logger.Info("won election", "term", term, "votes", votes)

	committed := n.log.Committed()
	n.shipStop = make(chan struct{})
	for _, p := range n.peers {
		p.nextIndex.Store(committed + 1)
		p.matchIndex.Store(0)
		n.shipperWg.Add(1)
		go n.runShipper(p, term, n.shipStop)
	}
}
