package raft

// followerRole is the passive role: it accepts AppendEntries from a
// leader and votes in elections, resetting its election deadline
// whenever it hears from a leader it recognizes or grants a vote.
type followerRole struct {
	nextElection uint64
}

func (r *followerRole) kind() RoleKind { return RoleFollower }

func (r *followerRole) onEnter(e *Engine, now uint64, prev RoleKind) error {
	r.resetElectionDeadline(e, now)
	return nil
}

func (r *followerRole) onLeave(e *Engine) {}

func (r *followerRole) resetElectionDeadline(e *Engine, now uint64) {
	r.nextElection = now + e.electionTimeoutMS
}

func (r *followerRole) tick(e *Engine, now uint64) (uint64, error) {
	if now >= r.nextElection {
		if err := e.transitionTo(&candidateRole{}, now); err != nil {
			return now, err
		}
		return e.role.tick(e, now)
	}
	return r.nextElection, nil
}

func (r *followerRole) handleMessage(e *Engine, now uint64, msg Message) error {
	switch msg.Type {
	case AppendEntriesRequest:
		return r.handleAppendEntries(e, now, msg.From, msg.AppendReq)
	case RequestVoteRequest:
		return r.handleRequestVote(e, now, msg.From, msg.VoteReq)
	default:
		// Stale responses addressed to a former candidate/leader
		// incarnation of this node; a passive Follower has nothing to
		// do with them.
		return nil
	}
}

// handleAppendEntries runs the AppendEntries acceptance checks in order:
// stale term, missing prev-log entry, conflicting prev-log term, then
// reconciles the new entries and advances commit_index. A log-store
// failure while persisting the term or reconciling entries is fatal
// and returned rather than turned into an ordinary rejection reply,
// since the follower cannot safely claim success or failure without
// knowing whether its state actually landed on disk.
func (r *followerRole) handleAppendEntries(e *Engine, now uint64, from uint32, req *AppendEntriesReq) error {
	if req.Term < e.currentTerm {
		e.emit(appendRespMsg(e.selfID, from, &AppendEntriesResp{
			Term:     e.currentTerm,
			Success:  false,
			AckIndex: e.store.LastIndex(),
		}))
		return nil
	}
	if req.Term > e.currentTerm {
		if err := e.setTerm(req.Term, nil); err != nil {
			return err
		}
	}

	leader := req.LeaderID
	e.leaderID = &leader
	r.resetElectionDeadline(e, now)

	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex > e.store.LastIndex() {
			e.emit(appendRespMsg(e.selfID, from, &AppendEntriesResp{
				Term: e.currentTerm, Success: false, AckIndex: e.store.LastIndex(),
			}))
			return nil
		}
		prevTerm, err := e.store.TermAt(req.PrevLogIndex)
		if err != nil {
			return err
		}
		if prevTerm != req.PrevLogTerm {
			e.emit(appendRespMsg(e.selfID, from, &AppendEntriesResp{
				Term: e.currentTerm, Success: false, AckIndex: e.store.LastIndex(),
			}))
			return nil
		}
	}

	if len(req.Entries) > 0 {
		if err := reconcileEntries(e, req.Entries); err != nil {
			return err
		}
	}

	if req.LeaderCommit > e.commitIndex {
		last := e.store.LastIndex()
		if req.LeaderCommit < last {
			e.commitIndex = req.LeaderCommit
		} else {
			e.commitIndex = last
		}
	}

	e.emit(appendRespMsg(e.selfID, from, &AppendEntriesResp{
		Term:     e.currentTerm,
		Success:  true,
		AckIndex: e.store.LastIndex(),
	}))
	return nil
}

// reconcileEntries applies the log-matching rule: the first incoming
// entry whose term disagrees with what's already stored at that index
// causes everything from that index onward to be discarded and
// replaced, so a leader's log always wins over a stale follower's. Its
// only failure paths are log-store I/O errors: every index it touches
// has already been bounds-checked by the caller.
func reconcileEntries(e *Engine, entries []Entry) error {
	for i, ent := range entries {
		if ent.Index <= e.store.LastIndex() {
			existingTerm, err := e.store.TermAt(ent.Index)
			if err != nil {
				return err
			}
			if existingTerm == ent.Term {
				continue // already present and matching, skip
			}
			if err := e.store.RemoveSuffix(ent.Index); err != nil {
				return err
			}
		}
		return e.store.Append(entries[i:])
	}
	return nil
}

// handleRequestVote grants a vote only if this term hasn't already gone
// to a different candidate and the candidate's log is at least as
// up to date as this node's own. A failed persist of the term or vote
// is fatal: granting (or refusing) a vote that was never durably
// recorded risks a double vote across a restart.
func (r *followerRole) handleRequestVote(e *Engine, now uint64, from uint32, req *RequestVoteReq) error {
	if req.Term < e.currentTerm {
		e.emit(voteRespMsg(e.selfID, from, &RequestVoteResp{Term: e.currentTerm, Granted: false}))
		return nil
	}
	if req.Term > e.currentTerm {
		if err := e.setTerm(req.Term, nil); err != nil {
			return err
		}
	}

	canVote := e.votedFor == nil || *e.votedFor == req.CandidateID
	upToDate := e.logUpToDate(req.LastLogIndex, req.LastLogTerm)

	if canVote && upToDate {
		candidate := req.CandidateID
		if err := e.setTerm(e.currentTerm, &candidate); err != nil {
			return err
		}
		r.resetElectionDeadline(e, now)
		e.emit(voteRespMsg(e.selfID, from, &RequestVoteResp{Term: e.currentTerm, Granted: true}))
		return nil
	}
	e.emit(voteRespMsg(e.selfID, from, &RequestVoteResp{Term: e.currentTerm, Granted: false}))
	return nil
}
