package raft

import (
	"math/rand"

	"github.com/rs/zerolog/log"
)

// StateMachineSink consumes committed entries in strict, contiguous
// index order, exactly once. It must not call back into the Engine.
type StateMachineSink func(index uint64, value []byte)

// Engine is the tick-driven Raft consensus engine. It owns current_term,
// voted_for, leader_id, commit_index, last_applied, the active role, the
// log store handle, the state-machine sink, the peer set, timing
// parameters, and the RNG. A host drives it by calling Update in a loop;
// between calls the engine is quiescent and does nothing on its own.
type Engine struct {
	selfID uint32
	peers  []uint32 // other node ids, fixed for the engine's lifetime
	quorum int

	store LogStore
	sink  StateMachineSink

	electionTimeoutMS   uint64
	voteTimeoutLowMS    uint64
	voteTimeoutHighMS   uint64
	heartbeatIntervalMS uint64
	maxEntriesPerAppend uint32
	maxApplyPerUpdate   uint32

	rng *rand.Rand

	currentTerm uint64
	votedFor    *uint32
	leaderID    *uint32
	commitIndex uint64
	lastApplied uint64

	role roleState

	outbox []Message
}

// EngineSnapshot is a read-only, value-copy view of the engine's observer
// fields, safe to read from another goroutine between Update calls.
type EngineSnapshot struct {
	NodeID      uint32
	CurrentTerm uint64
	VotedFor    *uint32
	LeaderID    *uint32
	CommitIndex uint64
	LastApplied uint64
	Role        RoleKind
}

// start moves the engine out of construction and into its initial role.
func (e *Engine) start(now uint64) error {
	return e.transitionTo(&replayRole{}, now)
}

// Update is the engine's single driver: dispatch any inbound messages
// to the active role, run the role's tick, then run the apply pipeline.
// It returns the next time the host should call Update again, and any
// outbound messages generated in this call. A non-nil error is a fatal
// log-store I/O failure; the caller should stop driving this engine
// rather than retry, since current_term/voted_for or the log itself may
// not have durably reflected what this call was about to acknowledge.
func (e *Engine) Update(now uint64, inbound []Message) (nextWake uint64, outbound []Message, err error) {
	e.outbox = e.outbox[:0]

	for _, msg := range inbound {
		if msg.To != e.selfID {
			continue
		}
		if hErr := e.role.handleMessage(e, now, msg); hErr != nil {
			return now, e.outbox, hErr
		}
	}

	wake, tErr := e.role.tick(e, now)
	if tErr != nil {
		return now, e.outbox, tErr
	}

	if applyErr := e.runApplyPipeline(); applyErr != nil {
		return now, e.outbox, applyErr
	}
	if e.lastApplied < e.commitIndex {
		wake = now
	}

	return wake, e.outbox, nil
}

// runApplyPipeline applies up to maxApplyPerUpdate committed-but-unapplied
// entries to the state machine sink in strict index order. Partial
// progress is allowed so a single Update call never blocks arbitrarily
// long on a large backlog.
func (e *Engine) runApplyPipeline() error {
	applied := uint32(0)
	for e.lastApplied < e.commitIndex && applied < e.maxApplyPerUpdate {
		start := e.lastApplied + 1
		stop := e.commitIndex
		entries, err := e.store.GetEntries(start, stop, 0)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, ent := range entries {
			if applied >= e.maxApplyPerUpdate {
				break
			}
			if ent.Index != e.lastApplied+1 {
				break
			}
			e.sink(ent.Index, ent.Value)
			e.lastApplied = ent.Index
			applied++
		}
	}
	return nil
}

// Propose appends a client command to the local log under the current
// term, if and only if this engine is currently Leader. Replication
// happens on the next Update call.
func (e *Engine) Propose(value []byte) (uint64, error) {
	if e.role.kind() != RoleLeader {
		return 0, &ErrNotLeader{LeaderID: e.leaderID}
	}
	idx := e.store.LastIndex() + 1
	entry := Entry{Index: idx, Term: e.currentTerm, Value: value}
	if err := e.store.Append([]Entry{entry}); err != nil {
		return 0, err
	}
	return idx, nil
}

// Snapshot returns a value copy of the engine's observer fields.
func (e *Engine) Snapshot() EngineSnapshot {
	return EngineSnapshot{
		NodeID:      e.selfID,
		CurrentTerm: e.currentTerm,
		VotedFor:    e.votedFor,
		LeaderID:    e.leaderID,
		CommitIndex: e.commitIndex,
		LastApplied: e.lastApplied,
		Role:        e.role.kind(),
	}
}

func (e *Engine) CurrentTerm() uint64  { return e.currentTerm }
func (e *Engine) LeaderID() *uint32    { return e.leaderID }
func (e *Engine) VotedFor() *uint32    { return e.votedFor }
func (e *Engine) CommitIndex() uint64  { return e.commitIndex }
func (e *Engine) LastApplied() uint64  { return e.lastApplied }
func (e *Engine) Role() RoleKind       { return e.role.kind() }
func (e *Engine) NodeID() uint32       { return e.selfID }

// transitionTo replaces the active role, invoking onLeave/onEnter in
// order. If onEnter returns a fatal error (a log-store write failed),
// the role has already been swapped in but its entry work is
// incomplete; the error propagates to the caller of Update rather than
// being treated as though the transition succeeded.
func (e *Engine) transitionTo(next roleState, now uint64) error {
	prevKind := RoleReplay
	if e.role != nil {
		prevKind = e.role.kind()
		e.role.onLeave(e)
	}
	e.role = next
	log.Debug().
		Uint32("node", e.selfID).
		Str("from", prevKind.String()).
		Str("to", next.kind().String()).
		Uint64("term", e.currentTerm).
		Msg("raft: role transition")
	return next.onEnter(e, now, prevKind)
}

// emit appends an outbound message to this Update call's result.
func (e *Engine) emit(msg Message) {
	e.outbox = append(e.outbox, msg)
}

// setTerm advances current_term and persists it alongside voted_for.
// Callers clear voted_for whenever the term advances to a term this
// engine has not voted in yet.
func (e *Engine) setTerm(term uint64, votedFor *uint32) error {
	e.currentTerm = term
	e.votedFor = votedFor
	if persister, ok := e.store.(interface {
		SetTermVote(uint64, *uint32) error
	}); ok {
		return persister.SetTermVote(term, votedFor)
	}
	return nil
}

// observeTerm steps down to Follower whenever a higher term is seen
// anywhere in the protocol. current_term only ever increases. A failed
// persist of the new term is fatal and returned to the caller instead
// of being silently absorbed.
func (e *Engine) observeTerm(term uint64, now uint64) error {
	if term <= e.currentTerm {
		return nil
	}
	if err := e.setTerm(term, nil); err != nil {
		return err
	}
	if e.role.kind() != RoleFollower {
		return e.transitionTo(&followerRole{}, now)
	}
	return nil
}

// logUpToDate is the RequestVote up-to-date check: is the candidate's
// log at least as up to date as ours.
func (e *Engine) logUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	ourLastTerm := e.store.LastTerm()
	ourLastIndex := e.store.LastIndex()
	if lastLogTerm != ourLastTerm {
		return lastLogTerm > ourLastTerm
	}
	return lastLogIndex >= ourLastIndex
}

func (e *Engine) randomVoteTimeout() uint64 {
	lo, hi := e.voteTimeoutLowMS, e.voteTimeoutHighMS
	if hi <= lo {
		return lo
	}
	return lo + uint64(e.rng.Int63n(int64(hi-lo+1)))
}
