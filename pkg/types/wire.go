package types

import "time"

// Wire shapes for the HTTP reference transport. Every request and
// response body is a causal envelope (pkg/causal) whose payload is one
// of the shapes below.

// SubmitJobRequest is the body of POST /jobs
type SubmitJobRequest struct {
	JobID string   `json:"job_id,omitempty"` // assigned by broker when empty
	Info  *JobInfo `json:"info"`
}

// SubmitJobResponse acknowledges a queued job with the broker's clock
type SubmitJobResponse struct {
	JobID         string        `json:"job_id"`
	ClockSnapshot ClockSnapshot `json:"clock_snapshot"`
	IsEmergency   bool          `json:"is_emergency"`
	PriorityScore float64       `json:"priority_score"`
}

// JobStatusResponse is the body of GET /jobs/{id}
type JobStatusResponse struct {
	JobID      string        `json:"job_id"`
	State      JobState      `json:"state"`
	AssignedTo string        `json:"assigned_to,omitempty"`
	Result     *ResultRecord `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RegisterExecutorRequest is the body of PUT /executors/register/{id}
type RegisterExecutorRequest struct {
	Endpoint     string        `json:"endpoint"`
	Capabilities *Capabilities `json:"capabilities"`
}

// RegisterExecutorResponse carries the broker clock back to the executor
type RegisterExecutorResponse struct {
	BrokerID      string        `json:"broker_id"`
	ClockSnapshot ClockSnapshot `json:"clock_snapshot"`
}

// HeartbeatRequest is the body of PUT /executors/heartbeat/{id}
type HeartbeatRequest struct {
	Capabilities  *Capabilities `json:"capabilities,omitempty"`
	Clock         ClockSnapshot `json:"clock"`
	EmergencyMode bool          `json:"emergency_mode"`
	RunningJobs   int           `json:"running_jobs"`
}

// HeartbeatResponse acknowledges a heartbeat
type HeartbeatResponse struct {
	Status        string        `json:"status"`
	ClockSnapshot ClockSnapshot `json:"clock_snapshot"`
}

// DispatchJobRequest is the body of POST /jobs/{id}/submit on an executor
type DispatchJobRequest struct {
	Info          *JobInfo      `json:"info"`
	IsEmergency   bool          `json:"is_emergency"`
	EmergencyKind string        `json:"emergency_kind,omitempty"`
	PriorityScore float64       `json:"priority_score"`
	SubmitClock   ClockSnapshot `json:"submit_clock"`
	BrokerID      string        `json:"broker_id"`
}

// SubmitResultRequest is the body of POST /jobs/{id}/result
type SubmitResultRequest struct {
	Result     []byte `json:"result,omitempty"`
	ExecutorID string `json:"executor_id"`
}

// SubmitResultResponse reports the FCFS outcome
type SubmitResultResponse struct {
	Status        string        `json:"status"` // "accepted" or "already-accepted"
	ClockSnapshot ClockSnapshot `json:"clock_snapshot"`
}

// JobFailedRequest notifies the owning broker of a sandbox failure
type JobFailedRequest struct {
	ExecutorID string `json:"executor_id"`
	Reason     string `json:"reason"`
}

// DeclareEmergencyRequest is the body of POST /broker/declare-emergency
type DeclareEmergencyRequest struct {
	Kind     string         `json:"kind"`
	Level    EmergencyLevel `json:"level"`
	Location string         `json:"location,omitempty"`
}

// ExecutorStatusResponse is the body of GET /status on an executor
type ExecutorStatusResponse struct {
	ExecutorID    string        `json:"executor_id"`
	Clock         ClockSnapshot `json:"clock"`
	Running       []string      `json:"running,omitempty"`
	QueuedNormal  int           `json:"queued_normal"`
	QueuedEmerg   int           `json:"queued_emergency"`
	EmergencyMode bool          `json:"emergency_mode"`
	Strategy      string        `json:"strategy"`
}

// PeerStatus is one entry of the coordination-status diagnostic
type PeerStatus struct {
	ID       string    `json:"id"`
	Endpoint string    `json:"endpoint"`
	State    PeerState `json:"state"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

// CoordinationStatusResponse is the body of GET /broker/coordination-status
type CoordinationStatusResponse struct {
	BrokerID     string            `json:"broker_id"`
	Clock        ClockSnapshot     `json:"clock"`
	Peers        []PeerStatus      `json:"peers,omitempty"`
	Executors    int               `json:"executors"`
	QueueDepth   int               `json:"queue_depth"`
	Emergency    *EmergencyContext `json:"emergency,omitempty"`
	SyncSequence uint64            `json:"sync_sequence"`
}
