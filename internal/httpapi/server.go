// Package httpapi exposes a read-only status surface for a raft.Engine
// using gin-gonic/gin and rs/cors. It never mutates the engine: it only
// reads the EngineSnapshot the host hands it, since the engine may only
// safely be touched between Update calls.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/btmorr/raftd/internal/raft"
)

// SnapshotFunc returns the current engine snapshot. The host supplies
// this rather than a *raft.Engine directly, keeping this package from
// ever being tempted to call Update or Propose itself.
type SnapshotFunc func() raft.EngineSnapshot

// statusResponse is the JSON body for GET /status.
type statusResponse struct {
	NodeID      uint32  `json:"node_id"`
	Role        string  `json:"role"`
	CurrentTerm uint64  `json:"current_term"`
	VotedFor    *uint32 `json:"voted_for,omitempty"`
	LeaderID    *uint32 `json:"leader_id,omitempty"`
	CommitIndex uint64  `json:"commit_index"`
	LastApplied uint64  `json:"last_applied"`
}

// NewEngine builds a *gin.Engine serving /status and /healthz for the
// given node.
func NewEngine(snapshot SnapshotFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/status", func(c *gin.Context) {
		snap := snapshot()
		c.JSON(http.StatusOK, statusResponse{
			NodeID:      snap.NodeID,
			Role:        snap.Role.String(),
			CurrentTerm: snap.CurrentTerm,
			VotedFor:    snap.VotedFor,
			LeaderID:    snap.LeaderID,
			CommitIndex: snap.CommitIndex,
			LastApplied: snap.LastApplied,
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		snap := snapshot()
		if snap.Role == raft.RoleReplay {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusOK)
	})

	return router
}

// WithCORS wraps a handler with a permissive-by-default CORS policy,
// suitable for a local multi-node demo where every node's status page
// is polled from one dashboard.
func WithCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(handler)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("httpapi: request")
	}
}
