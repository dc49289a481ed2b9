package raft

import "sort"

// leaderRole replicates the log to every peer and advances commit_index
// once a quorum has matched an entry from the current term. Each peer
// has its own in-flight window and heartbeat deadline, driven entirely
// from tick rather than recursive retries or a fan-out goroutine pool.
type leaderRole struct {
	peers map[uint32]*PeerState
}

func (r *leaderRole) kind() RoleKind { return RoleLeader }

func (r *leaderRole) onEnter(e *Engine, now uint64, prev RoleKind) error {
	self := e.selfID
	e.leaderID = &self
	r.peers = make(map[uint32]*PeerState, len(e.peers))
	lastIndex := e.store.LastIndex()
	for _, p := range e.peers {
		r.peers[p] = &PeerState{
			NodeID:        p,
			NextIndex:     lastIndex + 1,
			MatchIndex:    0,
			WaitIndex:     0,
			NextHeartbeat: now,
		}
	}
	// Immediately broadcast empty AppendEntries to establish authority.
	for _, p := range e.peers {
		if err := r.sendAppend(e, now, r.peers[p]); err != nil {
			return err
		}
	}
	return nil
}

func (r *leaderRole) onLeave(e *Engine) {}

func (r *leaderRole) tick(e *Engine, now uint64) (uint64, error) {
	nextWake := now + e.heartbeatIntervalMS
	for _, peer := range r.peers {
		if peer.WaitIndex != 0 {
			if now >= peer.NextHeartbeat {
				if err := r.sendAppend(e, now, peer); err != nil { // retransmit, in-flight window elapsed
					return now, err
				}
			}
		} else {
			lastIndex := e.store.LastIndex()
			if now >= peer.NextHeartbeat || lastIndex >= peer.NextIndex {
				if err := r.sendAppend(e, now, peer); err != nil {
					return now, err
				}
			}
		}
		if peer.NextHeartbeat < nextWake {
			nextWake = peer.NextHeartbeat
		}
	}
	return nextWake, nil
}

// sendAppend reads prevLogTerm and the entry batch from the log store.
// Both reads are fatal on error: silently falling back to an empty
// batch would make a heartbeat look like a successful append. Both
// stores serve these reads from memory, so the error they can return
// is an index out of range, e.g. a PrevLogIndex beyond this leader's
// last index after a peer acknowledged more entries than it holds.
func (r *leaderRole) sendAppend(e *Engine, now uint64, peer *PeerState) error {
	prevLogIndex := peer.NextIndex - 1
	prevLogTerm, err := e.store.TermAt(prevLogIndex)
	if err != nil {
		return err
	}

	var entries []Entry
	lastIndex := e.store.LastIndex()
	if peer.NextIndex <= lastIndex {
		stop := peer.NextIndex + uint64(e.maxEntriesPerAppend) - 1
		if stop > lastIndex {
			stop = lastIndex
		}
		got, err := e.store.GetEntries(peer.NextIndex, stop, 0)
		if err != nil {
			return err
		}
		entries = got
	}

	req := &AppendEntriesReq{
		Term:         e.currentTerm,
		LeaderID:     e.selfID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: e.commitIndex,
	}
	e.emit(appendReqMsg(e.selfID, peer.NodeID, req))

	peer.WaitIndex = prevLogIndex + uint64(len(entries))
	peer.NextHeartbeat = now + e.heartbeatIntervalMS
	return nil
}

func (r *leaderRole) handleMessage(e *Engine, now uint64, msg Message) error {
	switch msg.Type {
	case AppendEntriesResponse:
		return r.handleAppendResponse(e, now, msg.From, msg.AppendResp)
	case AppendEntriesRequest:
		return r.handleAppendEntries(e, now, msg)
	case RequestVoteRequest:
		return r.handleRequestVote(e, now, msg)
	default:
		return nil
	}
}

func (r *leaderRole) handleAppendResponse(e *Engine, now uint64, from uint32, resp *AppendEntriesResp) error {
	if resp.Term > e.currentTerm {
		return e.observeTerm(resp.Term, now)
	}
	peer, ok := r.peers[from]
	if !ok {
		return nil
	}
	if resp.Success {
		if resp.AckIndex > peer.MatchIndex {
			peer.MatchIndex = resp.AckIndex
		}
		peer.NextIndex = peer.MatchIndex + 1
		peer.WaitIndex = 0
		return r.recomputeCommitIndex(e)
	}
	if peer.NextIndex > 1 {
		peer.NextIndex--
	}
	peer.WaitIndex = 0
	return nil
}

// recomputeCommitIndex finds the largest c with at least quorum members
// of {match_index[q]} ∪ {last_index} at or above c, then applies the
// current-term safety rule: a leader only commits entries from its own
// term by counting replicas, never an older term's entries directly.
func (r *leaderRole) recomputeCommitIndex(e *Engine) error {
	matches := make([]uint64, 0, len(r.peers)+1)
	matches = append(matches, e.store.LastIndex())
	for _, peer := range r.peers {
		matches = append(matches, peer.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	c := matches[e.quorum-1]
	if c <= e.commitIndex {
		return nil
	}
	termAtC, err := e.store.TermAt(c)
	if err != nil {
		return err
	}
	if termAtC == e.currentTerm {
		e.commitIndex = c
	}
	return nil
}

func (r *leaderRole) handleAppendEntries(e *Engine, now uint64, msg Message) error {
	req := msg.AppendReq
	if req.Term >= e.currentTerm {
		if err := e.transitionTo(&followerRole{}, now); err != nil {
			return err
		}
		return e.role.handleMessage(e, now, msg)
	}
	e.emit(appendRespMsg(e.selfID, msg.From, &AppendEntriesResp{
		Term: e.currentTerm, Success: false, AckIndex: e.store.LastIndex(),
	}))
	return nil
}

func (r *leaderRole) handleRequestVote(e *Engine, now uint64, msg Message) error {
	req := msg.VoteReq
	if req.Term > e.currentTerm {
		if err := e.observeTerm(req.Term, now); err != nil {
			return err
		}
		return e.role.handleMessage(e, now, msg)
	}
	e.emit(voteRespMsg(e.selfID, msg.From, &RequestVoteResp{Term: e.currentTerm, Granted: false}))
	return nil
}
