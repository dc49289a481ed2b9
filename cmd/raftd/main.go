// Command raftd boots a small in-process multi-node Raft cluster and
// serves each node's read-only HTTP status surface over gin. Nodes
// exchange messages over an in-process bus (see transport.go) rather
// than a network transport, since wire transport is out of the core
// engine's scope entirely.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/btmorr/raftd/internal/httpapi"
	"github.com/btmorr/raftd/internal/kvstore"
	"github.com/btmorr/raftd/internal/raft"
)

func main() {
	nodeCount := flag.Int("nodes", 3, "number of nodes in the demo cluster")
	basePort := flag.Int("base-port", 8080, "first node's status port; node i listens on base-port+i")
	tickMS := flag.Int("tick-ms", 20, "host driver loop period in milliseconds")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ids := make([]uint32, *nodeCount)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	transport := NewTransport(ids)

	cluster := make([]*node, 0, len(ids))
	for _, id := range ids {
		n, err := newNode(id, ids, transport)
		if err != nil {
			log.Fatal().Err(err).Uint32("node", id).Msg("raftd: failed to start node")
		}
		cluster = append(cluster, n)
	}

	servers := make([]*http.Server, 0, len(cluster))
	for i, n := range cluster {
		port := *basePort + i
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: httpapi.WithCORS(httpapi.NewEngine(n.engine.Snapshot)),
		}
		servers = append(servers, srv)
		go func(srv *http.Server, id uint32, port int) {
			log.Info().Uint32("node", id).Int("port", port).Msg("raftd: status server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Uint32("node", id).Msg("raftd: status server failed")
			}
		}(srv, n.id, port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(time.Duration(*tickMS) * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	now := func() uint64 { return uint64(time.Since(start).Milliseconds()) }

	log.Info().Int("nodes", len(cluster)).Msg("raftd: cluster started")

driveLoop:
	for {
		select {
		case <-ctx.Done():
			break driveLoop
		case <-ticker.C:
			for _, n := range cluster {
				n.drive(now())
			}
		}
	}

	log.Info().Msg("raftd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

// node bundles one engine with its transport wiring and applied state
// machine.
type node struct {
	id         uint32
	engine     *raft.Engine
	store      *kvstore.StateMachine
	transport  *Transport
	driveCount uint64
}

func newNode(id uint32, allIDs []uint32, transport *Transport) (*node, error) {
	others := make([]uint32, 0, len(allIDs)-1)
	for _, other := range allIDs {
		if other != id {
			others = append(others, other)
		}
	}

	logStore := raft.NewMemLogStore()
	sm := kvstore.New()

	engine, err := raft.NewBuilder().
		WithNodeID(id).
		WithOtherNodeIDs(others).
		WithLogStore(logStore).
		WithStateMachineSink(sm.Sink()).
		WithRandomSeed(uint64(id)).
		Build(0)
	if err != nil {
		return nil, err
	}

	return &node{id: id, engine: engine, store: sm, transport: transport}, nil
}

// proposeIntervalTicks is how often the leader proposes a demo write,
// measured in drive calls rather than wall-clock time so it scales with
// -tick-ms.
const proposeIntervalTicks = 50

func (n *node) drive(now uint64) {
	inbound := n.transport.Drain(n.id)
	_, outbound, err := n.engine.Update(now, inbound)
	if err != nil {
		log.Error().Err(err).Uint32("node", n.id).Msg("raftd: engine update failed")
		return
	}
	for _, msg := range outbound {
		n.transport.Send(msg.To, msg)
	}

	n.driveCount++
	if n.engine.Role() == raft.RoleLeader && n.driveCount%proposeIntervalTicks == 0 {
		key := fmt.Sprintf("demo-%d", n.driveCount/proposeIntervalTicks)
		value := fmt.Sprintf("tick-%d", now)
		if idx, err := n.engine.Propose(kvstore.EncodeSet(key, value)); err != nil {
			log.Error().Err(err).Uint32("node", n.id).Msg("raftd: demo propose failed")
		} else {
			log.Info().Uint32("node", n.id).Uint64("index", idx).Str("key", key).Msg("raftd: demo propose")
		}
	}
}
