package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/lattice/pkg/causal"
	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/types"
)

// Client performs causal HTTP calls to peer brokers and executors.
// Every request body is a sealed envelope; every successful reply's
// envelope is opened (merged) into the local clock. Timeouts and
// transport failures never merge, so a dead peer cannot advance
// logical time here.
type Client struct {
	clk  *clock.VectorClock
	http *http.Client

	emergency   func() *types.EmergencyContext
	onEmergency func(*types.EmergencyContext)
}

// New creates a client bound to the node's clock.
func New(clk *clock.VectorClock) *Client {
	return &Client{
		clk:  clk,
		http: &http.Client{},
	}
}

// SetEmergencyProvider installs a function consulted on every send;
// when it returns a live context, the context rides along on the
// envelope so peers and executors learn of fleet emergencies.
func (c *Client) SetEmergencyProvider(f func() *types.EmergencyContext) {
	c.emergency = f
}

// SetEmergencyHandler installs a callback invoked when a reply
// envelope carries an emergency context.
func (c *Client) SetEmergencyHandler(f func(*types.EmergencyContext)) {
	c.onEmergency = f
}

// exchange seals payload into an envelope, POSTs/PUTs it, and opens
// the reply envelope. The reply payload is decoded into out when out
// is non-nil.
func (c *Client) exchange(ctx context.Context, method, url string, kind types.MessageKind, payload, out any) error {
	var em *types.EmergencyContext
	if c.emergency != nil {
		em = c.emergency()
	}
	env, err := causal.SealWithEmergency(c.clk, kind, payload, em)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s", types.ErrPeerTimeout, method, url)
		}
		return fmt.Errorf("%w: %v", types.ErrPeerUnhealthy, err)
	}
	defer resp.Body.Close()

	var reply causal.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedEnvelope, err)
	}
	if _, err := causal.Open(c.clk, &reply); err != nil {
		return err
	}
	if reply.Emergency != nil && c.onEmergency != nil {
		c.onEmergency(reply.Emergency)
	}

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		return reply.Decode(out)
	}
	return nil
}

// statusError maps the stable HTTP status codes back to error kinds.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return types.ErrUnknownJob
	case code == http.StatusConflict:
		return types.ErrAlreadyAccepted
	case code == http.StatusPreconditionFailed:
		return types.ErrNoCapableExecutor
	case code == http.StatusRequestEntityTooLarge:
		return types.ErrQueueSaturated
	case code == http.StatusServiceUnavailable:
		return types.ErrPeerUnhealthy
	}
	return fmt.Errorf("unexpected status %d", code)
}

// SubmitJob submits a job to a broker's queue.
func (c *Client) SubmitJob(ctx context.Context, endpoint string, req *types.SubmitJobRequest, timeout time.Duration) (*types.SubmitJobResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out types.SubmitJobResponse
	url := fmt.Sprintf("http://%s/jobs", endpoint)
	if err := c.exchange(ctx, http.MethodPost, url, types.MessageKindNormal, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobStatus fetches a job's state from a broker.
func (c *Client) JobStatus(ctx context.Context, endpoint, jobID string, timeout time.Duration) (*types.JobStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/jobs/%s", endpoint, jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrPeerTimeout, endpoint)
		}
		return nil, fmt.Errorf("%w: %v", types.ErrPeerUnhealthy, err)
	}
	defer resp.Body.Close()

	var reply causal.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedEnvelope, err)
	}
	if _, err := causal.Open(c.clk, &reply); err != nil {
		return nil, err
	}
	if reply.Emergency != nil && c.onEmergency != nil {
		c.onEmergency(reply.Emergency)
	}
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}
	var status types.JobStatusResponse
	if err := reply.Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DeclareEmergency declares a fleet emergency through a broker.
func (c *Client) DeclareEmergency(ctx context.Context, endpoint string, req *types.DeclareEmergencyRequest, timeout time.Duration) (*types.EmergencyContext, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out types.EmergencyContext
	url := fmt.Sprintf("http://%s/broker/declare-emergency", endpoint)
	if err := c.exchange(ctx, http.MethodPost, url, types.MessageKindEmergency, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearEmergency lifts the fleet emergency through a broker.
func (c *Client) ClearEmergency(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/broker/clear-emergency", endpoint)
	return c.exchange(ctx, http.MethodPost, url, types.MessageKindEmergency, struct{}{}, nil)
}

// SyncMetadata exchanges broker metadata with a peer and returns the
// peer's metadata.
func (c *Client) SyncMetadata(ctx context.Context, endpoint string, meta *types.BrokerMetadata, timeout time.Duration) (*types.BrokerMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var peerMeta types.BrokerMetadata
	url := fmt.Sprintf("http://%s/broker/sync-metadata", endpoint)
	if err := c.exchange(ctx, http.MethodPost, url, types.MessageKindSync, meta, &peerMeta); err != nil {
		return nil, err
	}
	return &peerMeta, nil
}

// Probe performs a one-shot health probe of a peer broker.
func (c *Client) Probe(ctx context.Context, endpoint string, timeout time.Duration) (*types.CoordinationStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/broker/coordination-status", endpoint), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: probe %s", types.ErrPeerTimeout, endpoint)
		}
		return nil, fmt.Errorf("%w: %v", types.ErrPeerUnhealthy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: probe status %d", types.ErrPeerUnhealthy, resp.StatusCode)
	}

	var reply causal.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedEnvelope, err)
	}
	if _, err := causal.Open(c.clk, &reply); err != nil {
		return nil, err
	}
	if reply.Emergency != nil && c.onEmergency != nil {
		c.onEmergency(reply.Emergency)
	}
	var status types.CoordinationStatusResponse
	if err := reply.Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DispatchJob sends a job to an executor's submit endpoint.
func (c *Client) DispatchJob(ctx context.Context, endpoint, jobID string, req *types.DispatchJobRequest, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kind := types.MessageKindNormal
	if req.IsEmergency {
		kind = types.MessageKindEmergency
	}
	url := fmt.Sprintf("http://%s/jobs/%s/submit", endpoint, jobID)
	return c.exchange(ctx, http.MethodPost, url, kind, req, nil)
}

// SubmitResult submits a job result to an executor, subject to FCFS.
func (c *Client) SubmitResult(ctx context.Context, endpoint, jobID string, req *types.SubmitResultRequest, timeout time.Duration) (*types.SubmitResultResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out types.SubmitResultResponse
	url := fmt.Sprintf("http://%s/jobs/%s/result", endpoint, jobID)
	err := c.exchange(ctx, http.MethodPost, url, types.MessageKindResult, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyJobFailed reports a sandbox failure to the owning broker.
func (c *Client) NotifyJobFailed(ctx context.Context, endpoint, jobID string, req *types.JobFailedRequest, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/jobs/%s/failed", endpoint, jobID)
	return c.exchange(ctx, http.MethodPost, url, types.MessageKindNormal, req, nil)
}

// RegisterExecutor registers an executor with a broker.
func (c *Client) RegisterExecutor(ctx context.Context, endpoint, executorID string, req *types.RegisterExecutorRequest, timeout time.Duration) (*types.RegisterExecutorResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out types.RegisterExecutorResponse
	url := fmt.Sprintf("http://%s/executors/register/%s", endpoint, executorID)
	if err := c.exchange(ctx, http.MethodPut, url, types.MessageKindNormal, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat sends an executor heartbeat to a broker.
func (c *Client) Heartbeat(ctx context.Context, endpoint, executorID string, req *types.HeartbeatRequest, timeout time.Duration) (*types.HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out types.HeartbeatResponse
	url := fmt.Sprintf("http://%s/executors/heartbeat/%s", endpoint, executorID)
	if err := c.exchange(ctx, http.MethodPut, url, types.MessageKindHeartbeat, req, &out); err != nil {
		// a 404 from this endpoint means the broker dropped the
		// executor's record, not that a job is missing
		if errors.Is(err, types.ErrUnknownJob) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownExecutor, executorID)
		}
		return nil, err
	}
	return &out, nil
}
