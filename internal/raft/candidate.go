package raft

// candidateRole runs a leader election: vote for self, solicit votes
// from every peer, and become Leader once a quorum grants.
type candidateRole struct {
	voteDeadline uint64
	votes        map[uint32]bool
}

func (r *candidateRole) kind() RoleKind { return RoleCandidate }

func (r *candidateRole) onEnter(e *Engine, now uint64, prev RoleKind) error {
	self := e.selfID
	if err := e.setTerm(e.currentTerm+1, &self); err != nil {
		return err
	}
	e.leaderID = nil
	r.votes = map[uint32]bool{e.selfID: true}
	r.voteDeadline = now + e.randomVoteTimeout()

	req := &RequestVoteReq{
		Term:         e.currentTerm,
		CandidateID:  e.selfID,
		LastLogIndex: e.store.LastIndex(),
		LastLogTerm:  e.store.LastTerm(),
	}
	for _, peer := range e.peers {
		e.emit(voteReqMsg(e.selfID, peer, req))
	}
	return nil
}

func (r *candidateRole) onLeave(e *Engine) {}

func (r *candidateRole) tick(e *Engine, now uint64) (uint64, error) {
	if now >= r.voteDeadline {
		if err := e.transitionTo(&candidateRole{}, now); err != nil {
			return now, err
		}
		return e.role.tick(e, now)
	}
	return r.voteDeadline, nil
}

func (r *candidateRole) handleMessage(e *Engine, now uint64, msg Message) error {
	switch msg.Type {
	case RequestVoteResponse:
		return r.handleVoteResponse(e, now, msg.From, msg.VoteResp)
	case AppendEntriesRequest:
		return r.handleAppendEntries(e, now, msg)
	case RequestVoteRequest:
		return r.handleRequestVote(e, now, msg.From, msg.VoteReq)
	default:
		return nil
	}
}

func (r *candidateRole) handleVoteResponse(e *Engine, now uint64, from uint32, resp *RequestVoteResp) error {
	if resp.Term > e.currentTerm {
		return e.observeTerm(resp.Term, now)
	}
	if resp.Term == e.currentTerm && resp.Granted {
		r.votes[from] = true
		if len(r.votes) >= e.quorum {
			return e.transitionTo(&leaderRole{}, now)
		}
	}
	return nil
}

func (r *candidateRole) handleAppendEntries(e *Engine, now uint64, msg Message) error {
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

func (r *candidateRole) handleRequestVote(e *Engine, now uint64, from uint32, req *RequestVoteReq) error {
	if req.Term > e.currentTerm {
		if err := e.observeTerm(req.Term, now); err != nil {
			return err
		}
		return e.role.handleMessage(e, now, Message{From: from, To: e.selfID, Type: RequestVoteRequest, VoteReq: req})
	}
	// Already voted for self this term; refuse without changing state.
	e.emit(voteRespMsg(e.selfID, from, &RequestVoteResp{Term: e.currentTerm, Granted: false}))
	return nil
}
