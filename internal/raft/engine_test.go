package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, id uint32, peers []uint32, store LogStore, applied *[]uint64) *Engine {
	t.Helper()
	sink := func(index uint64, value []byte) {
		*applied = append(*applied, index)
	}
	e, err := NewBuilder().
		WithNodeID(id).
		WithOtherNodeIDs(peers).
		WithLogStore(store).
		WithStateMachineSink(sink).
		WithElectionTimeoutMS(100).
		WithRandomSeed(42).
		Build(0)
	require.NoError(t, err)
	return e
}

// An empty log on startup replays instantly and settles into Follower.
func TestScenarioReplayEmpty(t *testing.T) {
	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, NewMemLogStore(), &applied)

	_, _, err := e.Update(0, nil)
	require.NoError(t, err)

	assert.Equal(t, RoleFollower, e.Role())
	assert.Equal(t, uint64(0), e.CommitIndex())
	assert.Equal(t, uint64(0), e.LastApplied())
}

// A non-empty log on startup applies every entry before settling into Follower.
func TestScenarioReplayThree(t *testing.T) {
	store := NewMemLogStore()
	require.NoError(t, store.Append([]Entry{
		{Index: 1, Term: 1, Value: []byte("a")},
		{Index: 2, Term: 1, Value: []byte("b")},
		{Index: 3, Term: 1, Value: []byte("c")},
	}))

	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, store, &applied)

	for i := 0; i < 5 && e.Role() != RoleFollower; i++ {
		_, _, err := e.Update(0, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, RoleFollower, e.Role())
	assert.Equal(t, []uint64{1, 2, 3}, applied)
}

// An election timeout promotes a Follower to Candidate; a granted quorum of votes promotes it to Leader.
func TestScenarioElection(t *testing.T) {
	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, NewMemLogStore(), &applied)

	_, _, err := e.Update(0, nil) // Replay -> Follower
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, e.Role())

	_, out, err := e.Update(100, nil) // election timeout -> Candidate
	require.NoError(t, err)
	assert.Equal(t, RoleCandidate, e.Role())
	assert.Equal(t, uint64(1), e.CurrentTerm())

	require.Len(t, out, 2)
	for _, m := range out {
		assert.Equal(t, RequestVoteRequest, m.Type)
		require.NotNil(t, m.VoteReq)
		assert.Equal(t, uint64(1), m.VoteReq.Term)
		assert.Equal(t, uint32(1), m.VoteReq.CandidateID)
		assert.Equal(t, uint64(0), m.VoteReq.LastLogIndex)
		assert.Equal(t, uint64(0), m.VoteReq.LastLogTerm)
	}

	_, _, err = e.Update(101, []Message{
		voteRespMsg(2, 1, &RequestVoteResp{Term: 1, Granted: true}),
	})
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, e.Role())
}

// An AppendEntries from a lower term is rejected without changing role.
func TestScenarioStaleAppendRejected(t *testing.T) {
	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, NewMemLogStore(), &applied)
	e.currentTerm = 5
	e.transitionTo(&leaderRole{}, 0)

	_, out, err := e.Update(0, []Message{
		appendReqMsg(2, 1, &AppendEntriesReq{Term: 3, LeaderID: 2}),
	})
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, e.Role())
	require.Len(t, out, 1)
	assert.Equal(t, AppendEntriesResponse, out[0].Type)
	assert.False(t, out[0].AppendResp.Success)
	assert.Equal(t, uint64(5), out[0].AppendResp.Term)
	assert.Equal(t, e.store.LastIndex(), out[0].AppendResp.AckIndex)
}

// A leader's AppendEntries that disagrees with a follower's log truncates the conflicting suffix and appends the leader's entries.
func TestScenarioLogConflictTruncation(t *testing.T) {
	store := NewMemLogStore()
	require.NoError(t, store.Append([]Entry{
		{Index: 1, Term: 1, Value: []byte("x")},
		{Index: 2, Term: 1, Value: []byte("y")},
		{Index: 3, Term: 1, Value: []byte("z")},
	}))

	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, store, &applied)
	e.transitionTo(&followerRole{}, 0)
	e.currentTerm = 1

	_, out, err := e.Update(0, []Message{
		appendReqMsg(2, 1, &AppendEntriesReq{
			Term:         2,
			LeaderID:     2,
			PrevLogIndex: 1,
			PrevLogTerm:  1,
			Entries: []Entry{
				{Index: 2, Term: 2, Value: []byte("y'")},
				{Index: 3, Term: 2, Value: []byte("z'")},
			},
			LeaderCommit: 0,
		}),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].AppendResp.Success)
	assert.Equal(t, uint64(3), out[0].AppendResp.AckIndex)

	entries, err := store.GetEntries(1, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), entries[0].Value)
	assert.Equal(t, uint64(2), entries[1].Term)
	assert.Equal(t, []byte("y'"), entries[1].Value)
	assert.Equal(t, uint64(2), entries[2].Term)
	assert.Equal(t, []byte("z'"), entries[2].Value)
}

// Once a quorum of peers acknowledges an entry from the current term, commit_index advances and the entry is applied.
func TestScenarioCommitAdvancement(t *testing.T) {
	store := NewMemLogStore()
	entries := make([]Entry, 0, 5)
	for i := uint64(1); i <= 5; i++ {
		entries = append(entries, Entry{Index: i, Term: 1, Value: []byte{byte(i)}})
	}
	require.NoError(t, store.Append(entries))

	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, store, &applied)
	e.currentTerm = 1
	e.commitIndex = 0 // Build presumes the boot log committed; start from nothing committed
	e.transitionTo(&leaderRole{}, 0)

	_, _, err := e.Update(1, []Message{
		appendRespMsg(2, 1, &AppendEntriesResp{Term: 1, Success: true, AckIndex: 5}),
		appendRespMsg(3, 1, &AppendEntriesResp{Term: 1, Success: true, AckIndex: 5}),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(5), e.CommitIndex())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, applied)
}

func TestProposeRejectedWhenNotLeader(t *testing.T) {
	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, NewMemLogStore(), &applied)

	_, err := e.Propose([]byte("x"))
	require.Error(t, err)
	var notLeader *ErrNotLeader
	assert.ErrorAs(t, err, &notLeader)
}

func TestProposeAppendsWhenLeader(t *testing.T) {
	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, NewMemLogStore(), &applied)
	e.transitionTo(&leaderRole{}, 0)

	idx, err := e.Propose([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, uint64(1), e.store.LastIndex())
}

func TestCurrentTermMonotoneAndVotedForResetOnAdvance(t *testing.T) {
	var applied []uint64
	e := newTestEngine(t, 1, []uint32{2, 3}, NewMemLogStore(), &applied)
	e.transitionTo(&followerRole{}, 0)
	self := uint32(1)
	require.NoError(t, e.setTerm(1, &self))

	_, _, err := e.Update(0, []Message{
		voteReqMsg(2, 1, &RequestVoteReq{Term: 5, CandidateID: 2, LastLogIndex: 0, LastLogTerm: 0}),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.CurrentTerm())
	require.NotNil(t, e.VotedFor())
	assert.Equal(t, uint32(2), *e.VotedFor())
}
