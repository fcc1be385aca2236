package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/causal"
	"github.com/cuemby/lattice/pkg/executor"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/types"
)

// ExecutorServer exposes an executor over the HTTP reference
// transport.
type ExecutorServer struct {
	exec   *executor.Executor
	srv    *http.Server
	logger zerolog.Logger
}

// NewExecutorServer wires the executor endpoints onto a router.
func NewExecutorServer(bindAddr string, e *executor.Executor) *ExecutorServer {
	s := &ExecutorServer{
		exec:   e,
		logger: log.WithComponent("api").With().Str("node_id", e.ID()).Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/jobs/{id}/submit", s.handleReceiveJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/result", s.handleSubmitResult).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         bindAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *ExecutorServer) Router() http.Handler {
	return s.srv.Handler
}

func (s *ExecutorServer) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("Executor API listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *ExecutorServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// open reads the request envelope against the executor clock and
// applies any piggybacked emergency context through causal resolution,
// so a stale cleared marker cannot cancel a newer declaration.
func (s *ExecutorServer) open(r *http.Request) (*causal.Envelope, error) {
	env, err := readEnvelope(r, s.exec.Clock())
	if err != nil {
		return nil, err
	}
	s.exec.ApplyEmergency(env.Emergency)
	return env, nil
}

func (s *ExecutorServer) fail(w http.ResponseWriter, err error) {
	writeError(w, s.exec.Clock(), err, s.exec.Emergency())
}

func (s *ExecutorServer) handleReceiveJob(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.DispatchJobRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.exec.ReceiveJob(mux.Vars(r)["id"], &req); err != nil {
		s.fail(w, err)
		return
	}
	writeEnvelope(w, http.StatusAccepted, s.exec.Clock(), types.MessageKindNormal,
		map[string]string{"status": "accepted"}, s.exec.Emergency())
}

func (s *ExecutorServer) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.SubmitResultRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}

	_, err = s.exec.SubmitResult(mux.Vars(r)["id"], req.Result, req.ExecutorID)
	status := http.StatusOK
	resp := &types.SubmitResultResponse{Status: "accepted", ClockSnapshot: s.exec.Clock().Snapshot()}
	if err != nil {
		// the FCFS reject
		status = errStatus(err)
		resp.Status = "already-accepted"
	}
	writeEnvelope(w, status, s.exec.Clock(), types.MessageKindResult, resp, s.exec.Emergency())
}

func (s *ExecutorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, s.exec.Clock(), types.MessageKindNormal,
		s.exec.Status(), s.exec.Emergency())
}
