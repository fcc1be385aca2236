package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/lattice/pkg/emergency"
)

// Config is the startup configuration of a Lattice node. Flags override
// file values; zero values are filled with defaults by Validate.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	// Peer coordination
	SyncPeriodSeconds      int      `yaml:"sync_period_seconds"`
	DiscoveryPeriodSeconds int      `yaml:"discovery_period_seconds"`
	SyncTimeoutSeconds     int      `yaml:"sync_timeout_seconds"`
	ProbeTimeoutSeconds    int      `yaml:"probe_timeout_seconds"`
	StaticPeers            []string `yaml:"static_peers,omitempty"`

	// Failure detection
	HeartbeatPeriodSeconds     int `yaml:"heartbeat_period_seconds"`
	HeartbeatFailureMultiplier int `yaml:"heartbeat_failure_multiplier"`
	FailedGraceSeconds         int `yaml:"failed_grace_seconds"`

	// Dispatch
	MaxConcurrentJobs      int    `yaml:"max_concurrent_jobs"`
	QueueCapacity          int    `yaml:"queue_capacity"`
	ConflictStrategy       string `yaml:"conflict_strategy"`
	DispatchDeadlineSecs   int    `yaml:"dispatch_deadline_seconds"`
	MaxRedispatchAttempts  int    `yaml:"max_redispatch_attempts"`
	DispatchPeriodSeconds  int    `yaml:"dispatch_period_seconds"`

	// Scoring and classification
	PriorityWeights   *emergency.Weights `yaml:"priority_weights,omitempty"`
	EmergencyKeywords map[string]string  `yaml:"emergency_keywords,omitempty"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

// Load reads a YAML configuration file and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.fillDefaults()
	switch c.ConflictStrategy {
	case "causal", "priority", "emergency_first", "resource_optimal", "fcfs":
	default:
		return fmt.Errorf("invalid conflict_strategy %q", c.ConflictStrategy)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if c.HeartbeatFailureMultiplier < 1 {
		return fmt.Errorf("heartbeat_failure_multiplier must be at least 1")
	}
	return nil
}

func (c *Config) fillDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:7410"
	}
	if c.DataDir == "" {
		c.DataDir = "./lattice-data"
	}
	if c.SyncPeriodSeconds == 0 {
		c.SyncPeriodSeconds = 60
	}
	if c.DiscoveryPeriodSeconds == 0 {
		c.DiscoveryPeriodSeconds = 30
	}
	if c.SyncTimeoutSeconds == 0 {
		c.SyncTimeoutSeconds = 10
	}
	if c.ProbeTimeoutSeconds == 0 {
		c.ProbeTimeoutSeconds = 5
	}
	if c.HeartbeatPeriodSeconds == 0 {
		c.HeartbeatPeriodSeconds = 5
	}
	if c.HeartbeatFailureMultiplier == 0 {
		c.HeartbeatFailureMultiplier = 5
	}
	if c.FailedGraceSeconds == 0 {
		c.FailedGraceSeconds = 60
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 10000
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = "causal"
	}
	if c.DispatchDeadlineSecs == 0 {
		c.DispatchDeadlineSecs = 120
	}
	if c.MaxRedispatchAttempts == 0 {
		c.MaxRedispatchAttempts = 3
	}
	if c.DispatchPeriodSeconds == 0 {
		c.DispatchPeriodSeconds = 1
	}
	if c.PriorityWeights == nil {
		c.PriorityWeights = emergency.DefaultWeights()
	}
	if c.EmergencyKeywords == nil {
		c.EmergencyKeywords = emergency.DefaultKeywords()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// SyncPeriod returns the peer sync interval.
func (c *Config) SyncPeriod() time.Duration {
	return time.Duration(c.SyncPeriodSeconds) * time.Second
}

// DiscoveryPeriod returns the peer discovery interval.
func (c *Config) DiscoveryPeriod() time.Duration {
	return time.Duration(c.DiscoveryPeriodSeconds) * time.Second
}

// SyncTimeout returns the per-peer sync call timeout.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the peer health probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// HeartbeatPeriod returns the expected executor heartbeat interval.
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatPeriodSeconds) * time.Second
}

// HeartbeatTimeout returns the gap after which an executor is FAILED.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatFailureMultiplier) * c.HeartbeatPeriod()
}

// FailedGrace returns the window during which a failed executor is
// excluded from redispatch.
func (c *Config) FailedGrace() time.Duration {
	return time.Duration(c.FailedGraceSeconds) * time.Second
}

// DispatchDeadline returns how long a job may wait at the queue head
// before failing with no-capable-executor.
func (c *Config) DispatchDeadline() time.Duration {
	return time.Duration(c.DispatchDeadlineSecs) * time.Second
}

// DispatchPeriod returns the broker dispatch loop interval.
func (c *Config) DispatchPeriod() time.Duration {
	return time.Duration(c.DispatchPeriodSeconds) * time.Second
}
