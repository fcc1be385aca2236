package types

import (
	"errors"
	"time"
)

// NodeRole defines the role of a node in the fabric
type NodeRole string

const (
	NodeRoleBroker   NodeRole = "broker"
	NodeRoleExecutor NodeRole = "executor"
)

// ClockSnapshot is an immutable value-copy of a node's vector clock,
// suitable for embedding in messages. Absent keys are treated as zero.
type ClockSnapshot map[string]uint64

// Get returns the counter for a node id (zero if absent).
func (s ClockSnapshot) Get(nodeID string) uint64 {
	return s[nodeID]
}

// Clone returns a deep copy of the snapshot.
func (s ClockSnapshot) Clone() ClockSnapshot {
	out := make(ClockSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// EmergencyLevel ranks the severity of an emergency context
type EmergencyLevel string

const (
	EmergencyLevelLow      EmergencyLevel = "low"
	EmergencyLevelMedium   EmergencyLevel = "medium"
	EmergencyLevelHigh     EmergencyLevel = "high"
	EmergencyLevelCritical EmergencyLevel = "critical"
)

// Rank returns a comparable ordering of levels (critical highest).
func (l EmergencyLevel) Rank() int {
	switch l {
	case EmergencyLevelLow:
		return 1
	case EmergencyLevelMedium:
		return 2
	case EmergencyLevelHigh:
		return 3
	case EmergencyLevelCritical:
		return 4
	}
	return 0
}

// Preemptive reports whether the level suppresses admission of
// non-emergency work (HIGH and CRITICAL).
func (l EmergencyLevel) Preemptive() bool {
	return l == EmergencyLevelHigh || l == EmergencyLevelCritical
}

// EmergencyContext is the fleet-wide emergency record. A node holding a
// non-cleared context is "in emergency mode".
type EmergencyContext struct {
	Kind       string         `json:"kind"`
	Level      EmergencyLevel `json:"level"`
	Location   string         `json:"location,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
	// DeclaredClock is the declaring node's clock at declaration time
	DeclaredClock ClockSnapshot `json:"declared_clock"`
	DeclaredBy    string        `json:"declared_by"`
	Cleared       bool          `json:"cleared,omitempty"`
}

// MessageKind identifies the payload of a causal envelope
type MessageKind string

const (
	MessageKindNormal    MessageKind = "normal"
	MessageKindEmergency MessageKind = "emergency"
	MessageKindHeartbeat MessageKind = "heartbeat"
	MessageKindSync      MessageKind = "sync"
	MessageKindResult    MessageKind = "result"
)

// Known reports whether the kind is one the fabric understands.
// Receivers drop envelopes with unknown kinds without merging clocks.
func (k MessageKind) Known() bool {
	switch k {
	case MessageKindNormal, MessageKindEmergency, MessageKindHeartbeat,
		MessageKindSync, MessageKindResult:
		return true
	}
	return false
}

// Capabilities describes what an executor can run and how much of it
type Capabilities struct {
	Labels      []string `json:"labels,omitempty"` // e.g. "wasm", "gpu"
	CPUCores    int      `json:"cpu_cores"`
	MemoryBytes int64    `json:"memory_bytes"`
	IOWeight    int      `json:"io_weight"`
}

// Satisfies reports whether these capabilities cover the requirement.
func (c *Capabilities) Satisfies(req *CapabilitiesRequired) bool {
	if req == nil {
		return true
	}
	if c == nil {
		return len(req.Labels) == 0 && req.CPUCores == 0 && req.MemoryBytes == 0
	}
	for _, want := range req.Labels {
		found := false
		for _, have := range c.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return c.CPUCores >= req.CPUCores && c.MemoryBytes >= req.MemoryBytes
}

// CapabilitiesRequired is the structured capability requirement of a job
type CapabilitiesRequired struct {
	Labels      []string `json:"labels,omitempty"`
	CPUCores    int      `json:"cpu_cores,omitempty"`
	MemoryBytes int64    `json:"memory_bytes,omitempty"`
	IOWeight    int      `json:"io_weight,omitempty"`
}

// JobInfo describes work submitted to the fabric. The payload is opaque
// to the coordination core; only the classifier scans it for keywords.
type JobInfo struct {
	Payload      []byte                `json:"payload,omitempty"`
	Kind         string                `json:"kind,omitempty"`
	Requires     *CapabilitiesRequired `json:"requires,omitempty"`
	UserPriority int                   `json:"user_priority"` // 0..10
	Urgency      float64               `json:"urgency"`       // 0..1 deadline urgency
	Weight       float64               `json:"weight"`        // computational weight
	Deadline     time.Time             `json:"deadline,omitempty"`
	DependsOn    []string              `json:"depends_on,omitempty"`
}

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateDispatched JobState = "dispatched"
	JobStateRunning    JobState = "running"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// JobSubmission is a broker-side queue entry
type JobSubmission struct {
	ID             string        `json:"id"`
	Info           *JobInfo      `json:"info"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	SubmitClock    ClockSnapshot `json:"submit_clock"`
	IsEmergency    bool          `json:"is_emergency"`
	EmergencyKind  string        `json:"emergency_kind,omitempty"`
	PriorityScore  float64       `json:"priority_score"`
	State          JobState      `json:"state"`
	AssignedTo     string        `json:"assigned_to,omitempty"`
	DispatchCount  int           `json:"dispatch_count"`
	FailureMessage string        `json:"failure_message,omitempty"`
}

// ExecutorHealth represents the broker's view of an executor's liveness
type ExecutorHealth string

const (
	ExecutorHealthy ExecutorHealth = "healthy"
	ExecutorSuspect ExecutorHealth = "suspect"
	ExecutorFailed  ExecutorHealth = "failed"
)

// ExecutorRecord is a broker-side registry entry. Records flow between
// brokers during metadata sync and are reconciled by causal order.
type ExecutorRecord struct {
	ID            string         `json:"id"`
	Endpoint      string         `json:"endpoint"`
	Capabilities  *Capabilities  `json:"capabilities,omitempty"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	LastClock     ClockSnapshot  `json:"last_clock,omitempty"`
	EmergencyMode bool           `json:"emergency_mode"`
	Health        ExecutorHealth `json:"health"`
	RunningJobs   int            `json:"running_jobs"`
}

// PeerState is the broker-side state machine for a peer broker
type PeerState string

const (
	PeerStateUnknown   PeerState = "unknown"
	PeerStateProbing   PeerState = "probing"
	PeerStateHealthy   PeerState = "healthy"
	PeerStateUnhealthy PeerState = "unhealthy"
)

// PeerRecord is an entry in a broker's peer table
type PeerRecord struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	State        PeerState `json:"state"`
	LastSync     time.Time `json:"last_sync,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	FailedProbes int       `json:"failed_probes,omitempty"`
}

// BrokerMetadata is the pairwise sync payload exchanged between brokers
type BrokerMetadata struct {
	BrokerID     string                     `json:"broker_id"`
	Clock        ClockSnapshot              `json:"clock"`
	Executors    map[string]*ExecutorRecord `json:"executors,omitempty"`
	Peers        map[string]*PeerRecord     `json:"peers,omitempty"`
	Emergency    *EmergencyContext          `json:"emergency,omitempty"`
	JobCounts    map[string]int             `json:"job_counts,omitempty"` // executor id -> total jobs
	SyncSequence uint64                     `json:"sync_sequence"`
}

// ResultRecord is the executor-side immutable record of an accepted result
type ResultRecord struct {
	JobID       string        `json:"job_id"`
	Result      []byte        `json:"result,omitempty"`
	ExecutorID  string        `json:"executor_id"`
	CompletedAt time.Time     `json:"completed_at"`
	Clock       ClockSnapshot `json:"clock"`
}

// Error kinds (spec'd taxonomy). Callers match with errors.Is.
var (
	ErrDuplicateSubmission = errors.New("duplicate-submission")
	ErrAlreadyAccepted     = errors.New("already-accepted")
	ErrNoCapableExecutor   = errors.New("no-capable-executor")
	ErrQueueSaturated      = errors.New("queue-saturated")
	ErrPeerTimeout         = errors.New("peer-timeout")
	ErrPeerUnhealthy       = errors.New("peer-unhealthy")
	ErrExecutorFailed      = errors.New("executor-failed")
	ErrJobFailed           = errors.New("job-failed")
	ErrUnknownJob          = errors.New("unknown-job")
	ErrUnknownExecutor     = errors.New("unknown-executor")
	ErrMalformedEnvelope   = errors.New("transport-malformed")
)
