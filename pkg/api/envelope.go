package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/lattice/pkg/causal"
	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/types"
)

// readEnvelope decodes and opens the request envelope, merging its
// clock. Malformed envelopes are rejected without a merge, so garbage
// on the wire cannot inflate logical time.
func readEnvelope(r *http.Request, clk *clock.VectorClock) (*causal.Envelope, error) {
	var env causal.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return nil, types.ErrMalformedEnvelope
	}
	if _, err := causal.Open(clk, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// writeEnvelope seals payload into a reply envelope and writes it with
// the given status. The emergency context, when present, rides along
// so every exchange propagates fleet emergencies.
func writeEnvelope(w http.ResponseWriter, status int, clk *clock.VectorClock, kind types.MessageKind, payload any, em *types.EmergencyContext) {
	env, err := causal.SealWithEmergency(clk, kind, payload, em)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to write reply envelope")
	}
}

// errStatus maps the error taxonomy onto the stable HTTP codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrUnknownJob), errors.Is(err, types.ErrUnknownExecutor):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateSubmission), errors.Is(err, types.ErrAlreadyAccepted):
		return http.StatusConflict
	case errors.Is(err, types.ErrNoCapableExecutor):
		return http.StatusPreconditionFailed
	case errors.Is(err, types.ErrQueueSaturated):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrPeerUnhealthy), errors.Is(err, types.ErrPeerTimeout),
		errors.Is(err, types.ErrExecutorFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrMalformedEnvelope):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// errorBody is the payload of error replies.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, clk *clock.VectorClock, err error, em *types.EmergencyContext) {
	writeEnvelope(w, errStatus(err), clk, types.MessageKindNormal, errorBody{Error: err.Error()}, em)
}
