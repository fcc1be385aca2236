package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_jobs_queued_total",
			Help: "Total number of jobs admitted to the broker queue by class",
		},
		[]string{"class"},
	)

	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to executors",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_jobs_completed_total",
			Help: "Total number of jobs with an accepted result",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_jobs_failed_total",
			Help: "Total number of failed jobs by reason",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_queue_depth",
			Help: "Current broker job queue depth",
		},
	)

	QueueSaturatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_queue_saturated_total",
			Help: "Total number of submissions rejected at queue capacity",
		},
	)

	// FCFS metrics
	ResultsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_results_accepted_total",
			Help: "Total number of results accepted first",
		},
	)

	ResultsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_results_rejected_total",
			Help: "Total number of late results rejected by the FCFS rule",
		},
	)

	// Coordination metrics
	SyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_sync_cycles_total",
			Help: "Total number of completed peer sync cycles",
		},
	)

	SyncFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_sync_failures_total",
			Help: "Total number of failed peer sync attempts",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_sync_duration_seconds",
			Help:    "Duration of pairwise metadata sync in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_peers_total",
			Help: "Known peer brokers by state",
		},
		[]string{"state"},
	)

	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_executors_total",
			Help: "Registered executors by health",
		},
		[]string{"health"},
	)

	HeartbeatsObservedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_heartbeats_observed_total",
			Help: "Total number of executor heartbeats observed",
		},
	)

	// Emergency metrics
	EmergencyMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_emergency_mode",
			Help: "Whether a fleet emergency context is installed (1 = yes)",
		},
	)

	// Executor metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_dispatch_latency_seconds",
			Help:    "Time from job admission to start of execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_running_jobs",
			Help: "Jobs currently running on this executor",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsQueuedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueSaturatedTotal)
	prometheus.MustRegister(ResultsAcceptedTotal)
	prometheus.MustRegister(ResultsRejectedTotal)
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncFailuresTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(ExecutorsTotal)
	prometheus.MustRegister(HeartbeatsObservedTotal)
	prometheus.MustRegister(EmergencyMode)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(RunningJobs)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
