package main

import (
	"sync"

	"github.com/btmorr/raftd/internal/raft"
)

// Transport is the demo harness's in-process message bus: buffered
// per-node inboxes instead of a wire protocol. This is intentionally
// the simplest thing that lets several engines talk to each other in
// one process; a real deployment swaps this for gRPC or any other
// carrier without touching internal/raft at all. See DESIGN.md for why
// this repo doesn't also ship a gRPC transport.
type Transport struct {
	mu      sync.Mutex
	inboxes map[uint32][]raft.Message
}

func NewTransport(nodeIDs []uint32) *Transport {
	t := &Transport{inboxes: make(map[uint32][]raft.Message, len(nodeIDs))}
	for _, id := range nodeIDs {
		t.inboxes[id] = nil
	}
	return t
}

// Send delivers msg to the recipient's inbox for the next Drain.
func (t *Transport) Send(to uint32, msg raft.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inboxes[to] = append(t.inboxes[to], msg)
}

// Drain returns and clears everything queued for a node since the last
// Drain — the messages that node's next Update call should see as
// inbound.
func (t *Transport) Drain(node uint32) []raft.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.inboxes[node]
	t.inboxes[node] = nil
	return msgs
}
