package raft

// PeerState is the leader's per-follower bookkeeping.
type PeerState struct {
	NodeID uint32

	// NextIndex is the next log index the leader will send to this peer.
	NextIndex uint64
	// MatchIndex is the highest index known replicated on this peer.
	MatchIndex uint64
	// WaitIndex is the highest index sent and not yet acknowledged; zero
	// means no AppendEntries is currently in flight to this peer.
	WaitIndex uint64
	// NextHeartbeat is the deadline by which the leader must send a
	// (possibly empty) AppendEntries, even if nothing new has been
	// replicated, and by which an in-flight request is considered lost
	// and retransmitted.
	NextHeartbeat uint64
}
