package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/causal"
	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer runs an httptest server that answers with a sealed envelope
// from its own clock.
func testPeer(t *testing.T, peerID string, status int, payload any) (string, *clock.VectorClock) {
	t.Helper()
	peerClock := clock.New(peerID)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, err := causal.Seal(peerClock, types.MessageKindSync, payload)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(env))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), peerClock
}

func TestSyncMetadataMergesPeerClock(t *testing.T) {
	peerMeta := &types.BrokerMetadata{BrokerID: "b2", SyncSequence: 7}
	endpoint, peerClock := testPeer(t, "b2", http.StatusOK, peerMeta)

	clk := clock.New("b1")
	c := New(clk)

	got, err := c.SyncMetadata(context.Background(), endpoint, &types.BrokerMetadata{BrokerID: "b1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b2", got.BrokerID)
	assert.Equal(t, uint64(7), got.SyncSequence)

	// the reply clock covered the peer's send event, so after the
	// round trip our snapshot must dominate it
	snap := clk.Snapshot()
	assert.GreaterOrEqual(t, snap.Get("b2"), peerClock.Snapshot().Get("b2"))
	assert.NotZero(t, snap.Get("b1"))
}

func TestSyncMetadataTimeoutDoesNotMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()
	endpoint := strings.TrimPrefix(srv.URL, "http://")

	clk := clock.New("b1")
	c := New(clk)
	before := clk.Snapshot()

	_, err := c.SyncMetadata(context.Background(), endpoint, &types.BrokerMetadata{BrokerID: "b1"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPeerTimeout)

	// only our own send tick advanced; no foreign components appeared
	after := clk.Snapshot()
	assert.Equal(t, before.Get("b1")+1, after.Get("b1"))
	assert.Len(t, after, 1)
}

func TestSubmitResultAlreadyAccepted(t *testing.T) {
	endpoint, _ := testPeer(t, "e1", http.StatusConflict, &types.SubmitResultResponse{Status: "already-accepted"})

	c := New(clock.New("e2"))
	_, err := c.SubmitResult(context.Background(), endpoint, "j1",
		&types.SubmitResultRequest{Result: []byte("late"), ExecutorID: "e2"}, time.Second)
	assert.ErrorIs(t, err, types.ErrAlreadyAccepted)
}

func TestRejectedStatusStillMergesClock(t *testing.T) {
	// a well-formed rejection is still a causal event: the peer saw
	// our message and replied
	endpoint, peerClock := testPeer(t, "b2", http.StatusRequestEntityTooLarge, nil)

	clk := clock.New("b1")
	c := New(clk)
	err := c.DispatchJob(context.Background(), endpoint, "j1", &types.DispatchJobRequest{}, time.Second)
	assert.ErrorIs(t, err, types.ErrQueueSaturated)
	assert.GreaterOrEqual(t, clk.Snapshot().Get("b2"), peerClock.Snapshot().Get("b2"))
}

func TestMalformedReplyDoesNotMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// missing sender_id
		json.NewEncoder(w).Encode(map[string]any{
			"vector_clock": map[string]uint64{"evil": 999},
			"message_kind": "sync",
		})
	}))
	defer srv.Close()
	endpoint := strings.TrimPrefix(srv.URL, "http://")

	clk := clock.New("b1")
	c := New(clk)
	_, err := c.SyncMetadata(context.Background(), endpoint, &types.BrokerMetadata{BrokerID: "b1"}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMalformedEnvelope)
	assert.Zero(t, clk.Snapshot().Get("evil"))
}

func TestHeartbeatUnknownExecutor(t *testing.T) {
	// a 404 from the heartbeat endpoint names the executor, not a job
	endpoint, _ := testPeer(t, "b1", http.StatusNotFound, nil)

	c := New(clock.New("e1"))
	_, err := c.Heartbeat(context.Background(), endpoint, "e1", &types.HeartbeatRequest{}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnknownExecutor)
	assert.NotErrorIs(t, err, types.ErrUnknownJob)
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusOK, nil},
		{http.StatusAccepted, nil},
		{http.StatusNotFound, types.ErrUnknownJob},
		{http.StatusConflict, types.ErrAlreadyAccepted},
		{http.StatusPreconditionFailed, types.ErrNoCapableExecutor},
		{http.StatusRequestEntityTooLarge, types.ErrQueueSaturated},
		{http.StatusServiceUnavailable, types.ErrPeerUnhealthy},
	}
	for _, tt := range tests {
		err := statusError(tt.code)
		if tt.want == nil {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, tt.want)
		}
	}
}

func TestProbeHealthyPeer(t *testing.T) {
	endpoint, _ := testPeer(t, "b2", http.StatusOK, &types.CoordinationStatusResponse{
		BrokerID: "b2",
		Peers:    []types.PeerStatus{{ID: "b1", State: types.PeerStateHealthy}},
	})

	c := New(clock.New("b1"))
	status, err := c.Probe(context.Background(), endpoint, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b2", status.BrokerID)
	require.Len(t, status.Peers, 1)
}
