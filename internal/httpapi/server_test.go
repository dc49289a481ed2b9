package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/raftd/internal/raft"
)

func TestStatusReportsSnapshot(t *testing.T) {
	leader := uint32(2)
	snap := raft.EngineSnapshot{
		NodeID:      1,
		CurrentTerm: 3,
		LeaderID:    &leader,
		CommitIndex: 5,
		LastApplied: 5,
		Role:        raft.RoleFollower,
	}
	router := NewEngine(func() raft.EngineSnapshot { return snap })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint32(1), body.NodeID)
	assert.Equal(t, "follower", body.Role)
	assert.Equal(t, uint64(3), body.CurrentTerm)
	require.NotNil(t, body.LeaderID)
	assert.Equal(t, uint32(2), *body.LeaderID)
}

func TestHealthzUnavailableDuringReplay(t *testing.T) {
	router := NewEngine(func() raft.EngineSnapshot {
		return raft.EngineSnapshot{Role: raft.RoleReplay}
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzOKOnceFollower(t *testing.T) {
	router := NewEngine(func() raft.EngineSnapshot {
		return raft.EngineSnapshot{Role: raft.RoleFollower}
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
