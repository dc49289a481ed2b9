package raft

import (
	"errors"
	"math/rand"
)

// Default timing parameters.
const (
	DefaultElectionTimeoutMS   = 150
	DefaultVoteTimeoutLowMS    = 150
	DefaultVoteTimeoutHighMS   = 300
	DefaultHeartbeatIntervalMS = 50
	DefaultMaxEntriesPerAppend = 64
	DefaultMaxApplyPerUpdate   = 10
)

// Builder constructs an Engine. Every configuration option is a fluent
// setter so callers read naturally:
// raft.NewBuilder().WithNodeID(1)....Build().
type Builder struct {
	nodeID            uint32
	nodeIDSet         bool
	otherNodeIDs      []uint32
	store             LogStore
	sink              StateMachineSink
	electionTimeoutMS uint64
	voteTimeoutLowMS  uint64
	voteTimeoutHighMS uint64
	heartbeatMS       uint64
	maxEntries        uint32
	maxApply          uint32
	randomSeed        uint64
	seedSet           bool
}

// NewBuilder returns a Builder pre-populated with the default timing
// parameters.
func NewBuilder() *Builder {
	return &Builder{
		electionTimeoutMS: DefaultElectionTimeoutMS,
		voteTimeoutLowMS:  DefaultVoteTimeoutLowMS,
		voteTimeoutHighMS: DefaultVoteTimeoutHighMS,
		heartbeatMS:       DefaultHeartbeatIntervalMS,
		maxEntries:        DefaultMaxEntriesPerAppend,
		maxApply:          DefaultMaxApplyPerUpdate,
	}
}

func (b *Builder) WithNodeID(id uint32) *Builder {
	b.nodeID = id
	b.nodeIDSet = true
	return b
}

func (b *Builder) WithOtherNodeIDs(ids []uint32) *Builder {
	b.otherNodeIDs = append([]uint32(nil), ids...)
	return b
}

func (b *Builder) WithLogStore(store LogStore) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithStateMachineSink(sink StateMachineSink) *Builder {
	b.sink = sink
	return b
}

func (b *Builder) WithElectionTimeoutMS(ms uint32) *Builder {
	b.electionTimeoutMS = uint64(ms)
	return b
}

func (b *Builder) WithVoteTimeoutMS(lo, hi uint32) *Builder {
	b.voteTimeoutLowMS = uint64(lo)
	b.voteTimeoutHighMS = uint64(hi)
	return b
}

func (b *Builder) WithHeartbeatIntervalMS(ms uint32) *Builder {
	b.heartbeatMS = uint64(ms)
	return b
}

func (b *Builder) WithMaxEntriesPerAppend(n uint32) *Builder {
	b.maxEntries = n
	return b
}

func (b *Builder) WithMaxApplyPerUpdate(n uint32) *Builder {
	b.maxApply = n
	return b
}

func (b *Builder) WithRandomSeed(seed uint64) *Builder {
	b.randomSeed = seed
	b.seedSet = true
	return b
}

// Build validates the configuration and constructs an Engine, started
// at the given time (entering Replay).
func (b *Builder) Build(now uint64) (*Engine, error) {
	if !b.nodeIDSet {
		return nil, errors.New("raft: node id is required")
	}
	if len(b.otherNodeIDs) == 0 {
		return nil, errors.New("raft: other_node_ids must be non-empty")
	}
	for _, id := range b.otherNodeIDs {
		if id == b.nodeID {
			return nil, errors.New("raft: other_node_ids must not contain node_id")
		}
	}
	if b.store == nil {
		return nil, errors.New("raft: log_store is required")
	}
	if b.sink == nil {
		return nil, errors.New("raft: state_machine_sink is required")
	}

	seed := int64(b.randomSeed)
	n := len(b.otherNodeIDs) + 1
	quorum := n/2 + 1

	currentTerm, votedFor := uint64(0), (*uint32)(nil)
	if persister, ok := b.store.(interface {
		TermVote() (uint64, *uint32)
	}); ok {
		currentTerm, votedFor = persister.TermVote()
	}

	e := &Engine{
		selfID:              b.nodeID,
		peers:               append([]uint32(nil), b.otherNodeIDs...),
		quorum:              quorum,
		store:               b.store,
		sink:                b.sink,
		electionTimeoutMS:   b.electionTimeoutMS,
		voteTimeoutLowMS:    b.voteTimeoutLowMS,
		voteTimeoutHighMS:   b.voteTimeoutHighMS,
		heartbeatIntervalMS: b.heartbeatMS,
		maxEntriesPerAppend: b.maxEntries,
		maxApplyPerUpdate:   b.maxApply,
		rng:                 rand.New(rand.NewSource(seed)),
		currentTerm:         currentTerm,
		votedFor:            votedFor,
		commitIndex:         b.store.LastIndex(),
	}
	if err := e.start(now); err != nil {
		return nil, err
	}
	return e, nil
}
