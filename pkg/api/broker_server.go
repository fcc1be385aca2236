package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/broker"
	"github.com/cuemby/lattice/pkg/causal"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/recovery"
	"github.com/cuemby/lattice/pkg/types"
)

// BrokerServer exposes a broker and its recovery manager over the
// HTTP reference transport.
type BrokerServer struct {
	broker   *broker.Broker
	recovery *recovery.Manager
	srv      *http.Server
	logger   zerolog.Logger
}

// NewBrokerServer wires the broker endpoints onto a router.
func NewBrokerServer(bindAddr string, b *broker.Broker, rec *recovery.Manager) *BrokerServer {
	s := &BrokerServer{
		broker:   b,
		recovery: rec,
		logger:   log.WithComponent("api").With().Str("node_id", b.ID()).Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/result", s.handleRecordResult).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/failed", s.handleJobFailed).Methods(http.MethodPost)
	r.HandleFunc("/executors/register/{id}", s.handleRegister).Methods(http.MethodPut)
	r.HandleFunc("/executors/heartbeat/{id}", s.handleHeartbeat).Methods(http.MethodPut)
	r.HandleFunc("/broker/sync-metadata", s.handleSyncMetadata).Methods(http.MethodPost)
	r.HandleFunc("/broker/coordination-status", s.handleCoordinationStatus).Methods(http.MethodGet)
	r.HandleFunc("/broker/declare-emergency", s.handleDeclareEmergency).Methods(http.MethodPost)
	r.HandleFunc("/broker/clear-emergency", s.handleClearEmergency).Methods(http.MethodPost)
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
func (s *BrokerServer) Router() http.Handler {
	return s.srv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *BrokerServer) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("Broker API listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *BrokerServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// open reads the request envelope against the broker clock and applies
// any piggybacked emergency context.
func (s *BrokerServer) open(r *http.Request) (*causal.Envelope, error) {
	env, err := readEnvelope(r, s.broker.Clock())
	if err != nil {
		return nil, err
	}
	if env.Emergency != nil {
		s.broker.InstallEmergency(env.Emergency)
	}
	return env, nil
}

func (s *BrokerServer) reply(w http.ResponseWriter, status int, payload any) {
	writeEnvelope(w, status, s.broker.Clock(), types.MessageKindNormal, payload, s.broker.Emergency())
}

func (s *BrokerServer) fail(w http.ResponseWriter, err error) {
	writeError(w, s.broker.Clock(), err, s.broker.Emergency())
}

func (s *BrokerServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.SubmitJobRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}
	ack, err := s.broker.SubmitJob(&req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusAccepted, ack)
}

func (s *BrokerServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.broker.JobStatus(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, status)
}

func (s *BrokerServer) handleRecordResult(w http.ResponseWriter, r *http.Request) {
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
	resp, err := s.broker.RecordResult(mux.Vars(r)["id"], req.Result, req.ExecutorID, env.Clock)
	if err != nil {
		if resp != nil {
			// FCFS reject still answers with the winning record's status
			writeEnvelope(w, errStatus(err), s.broker.Clock(), types.MessageKindResult, resp, s.broker.Emergency())
			return
		}
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, resp)
}

func (s *BrokerServer) handleJobFailed(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.JobFailedRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.broker.HandleJobFailed(mux.Vars(r)["id"], req.ExecutorID, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *BrokerServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.RegisterExecutorRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}
	executorID := mux.Vars(r)["id"]
	resp, err := s.broker.RegisterExecutor(executorID, &req, env.Clock)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.recovery != nil {
		s.recovery.Register(executorID)
	}
	s.reply(w, http.StatusOK, resp)
}

func (s *BrokerServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.HeartbeatRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}
	executorID := mux.Vars(r)["id"]
	resp, err := s.broker.Heartbeat(executorID, &req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.recovery != nil {
		s.recovery.Heartbeat(executorID)
	}
	writeEnvelope(w, http.StatusOK, s.broker.Clock(), types.MessageKindHeartbeat, resp, s.broker.Emergency())
}

func (s *BrokerServer) handleSyncMetadata(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var remote types.BrokerMetadata
	if err := env.Decode(&remote); err != nil {
		s.fail(w, err)
		return
	}
	s.broker.Reconcile(&remote)
	writeEnvelope(w, http.StatusOK, s.broker.Clock(), types.MessageKindSync, s.broker.Metadata(), s.broker.Emergency())
}

func (s *BrokerServer) handleCoordinationStatus(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, s.broker.Clock(), types.MessageKindSync,
		s.broker.CoordinationStatus(), s.broker.Emergency())
}

func (s *BrokerServer) handleDeclareEmergency(w http.ResponseWriter, r *http.Request) {
	env, err := s.open(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req types.DeclareEmergencyRequest
	if err := env.Decode(&req); err != nil {
		s.fail(w, err)
		return
	}
	var ctx *types.EmergencyContext
	if s.recovery != nil {
		ctx = s.recovery.DeclareFleetEmergency(req.Kind, req.Level, req.Location)
	} else {
		ctx = s.broker.DeclareEmergency(req.Kind, req.Level, req.Location)
	}
	writeEnvelope(w, http.StatusOK, s.broker.Clock(), types.MessageKindEmergency, ctx, s.broker.Emergency())
}

func (s *BrokerServer) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	if _, err := s.open(r); err != nil {
		s.fail(w, err)
		return
	}
	if s.recovery != nil {
		s.recovery.ClearFleetEmergency()
	} else {
		s.broker.ClearEmergency()
	}
	s.reply(w, http.StatusOK, map[string]string{"status": "cleared"})
}
