package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/client"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/types"
)

// AgentConfig holds the broker attachment settings.
type AgentConfig struct {
	// BrokerEndpoint is the host:port of the owning broker.
	BrokerEndpoint string
	// AdvertiseAddr is the endpoint the broker dials back for dispatch.
	AdvertiseAddr string

	HeartbeatPeriod time.Duration
	CallTimeout     time.Duration
}

// Agent keeps an executor attached to its broker. It registers on
// start, heartbeats on a fixed period, and reports job outcomes back.
// Reply envelopes carry fleet emergency context, which the agent
// applies to the executor, so heartbeats double as the emergency
// propagation channel.
type Agent struct {
	exec   *Executor
	rpc    *client.Client
	cfg    AgentConfig
	logger zerolog.Logger

	mu         sync.Mutex
	registered bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAgent wires an agent to an executor and installs itself as the
// executor's outcome reporter.
func NewAgent(exec *Executor, cfg AgentConfig) *Agent {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	a := &Agent{
		exec:   exec,
		rpc:    client.New(exec.Clock()),
		cfg:    cfg,
		logger: log.WithComponent("agent").With().Str("node_id", exec.ID()).Logger(),
		stopCh: make(chan struct{}),
	}
	a.rpc.SetEmergencyProvider(exec.Emergency)
	a.rpc.SetEmergencyHandler(exec.ApplyEmergency)
	exec.SetReporters(a, a)
	return a
}

// Start launches the registration and heartbeat loop.
func (a *Agent) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop halts the loop. In-flight calls run to their timeout.
func (a *Agent) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Agent) loop() {
	defer a.wg.Done()

	a.tryRegister(context.Background())
	ticker := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.beat(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) tryRegister(ctx context.Context) {
	req := &types.RegisterExecutorRequest{
		Endpoint:     a.cfg.AdvertiseAddr,
		Capabilities: a.exec.Capabilities(),
	}
	resp, err := a.rpc.RegisterExecutor(ctx, a.cfg.BrokerEndpoint, a.exec.ID(), req, a.cfg.CallTimeout)
	if err != nil {
		a.logger.Warn().Str("broker", a.cfg.BrokerEndpoint).Err(err).Msg("Registration failed, will retry")
		return
	}
	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	a.logger.Info().Str("broker", resp.BrokerID).Msg("Registered with broker")
}

func (a *Agent) beat(ctx context.Context) {
	a.mu.Lock()
	registered := a.registered
	a.mu.Unlock()
	if !registered {
		a.tryRegister(ctx)
		return
	}

	req := &types.HeartbeatRequest{
		Capabilities:  a.exec.Capabilities(),
		Clock:         a.exec.Clock().Snapshot(),
		EmergencyMode: a.exec.EmergencyMode(),
		RunningJobs:   a.exec.RunningCount(),
	}
	_, err := a.rpc.Heartbeat(ctx, a.cfg.BrokerEndpoint, a.exec.ID(), req, a.cfg.CallTimeout)
	if err == nil {
		return
	}
	// the broker no longer knows this executor, typically after it
	// was FAILED and dropped; re-register on the next beat
	if errors.Is(err, types.ErrUnknownExecutor) {
		a.mu.Lock()
		a.registered = false
		a.mu.Unlock()
		a.logger.Warn().Msg("Broker dropped this executor, re-registering")
		return
	}
	a.logger.Warn().Err(err).Msg("Heartbeat failed")
}

// Registered reports whether the last registration attempt succeeded.
func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// ReportJobFailed implements FailureReporter against the owning broker.
func (a *Agent) ReportJobFailed(ctx context.Context, jobID, executorID, reason string) error {
	return a.rpc.NotifyJobFailed(ctx, a.cfg.BrokerEndpoint, jobID,
		&types.JobFailedRequest{ExecutorID: executorID, Reason: reason}, a.cfg.CallTimeout)
}

// ReportResult implements ResultReporter against the owning broker.
func (a *Agent) ReportResult(ctx context.Context, jobID, executorID string, result []byte) error {
	_, err := a.rpc.SubmitResult(ctx, a.cfg.BrokerEndpoint, jobID,
		&types.SubmitResultRequest{Result: result, ExecutorID: executorID}, a.cfg.CallTimeout)
	// the broker already holding a result is convergence, not an error
	if errors.Is(err, types.ErrAlreadyAccepted) {
		return nil
	}
	return err
}
