package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics (control plane)
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microvmd_nodes_total",
			Help: "Total number of registered nodes by health",
		},
		[]string{"healthy"},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microvmd_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	// VM lifecycle metrics (node agent)
	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microvmd_vms_total",
			Help: "Total number of VMs in the local catalog by state",
		},
		[]string{"state"},
	)

	VMBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmd_vm_boot_duration_seconds",
			Help:    "Time from boot request to SSH readiness",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600},
		},
	)

	VMStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmd_vm_stop_duration_seconds",
			Help:    "Time to stop a VM including process-group teardown",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_vm_boots_total",
			Help: "Total VM boot attempts by outcome",
		},
		[]string{"outcome"},
	)

	VMReconciledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_vm_reconciled_total",
			Help: "VMRecords flipped running->stopped by the catalog liveness probe",
		},
	)

	// SSH cache metrics (node agent)
	SSHCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_ssh_cache_hits_total",
			Help: "SSH cache lookups satisfied by a live cached session",
		},
	)

	SSHCacheRegenerations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_ssh_cache_regenerations_total",
			Help: "SSH cache entries rebuilt after a miss or failed liveness probe",
		},
	)

	SSHConnectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmd_ssh_connect_duration_seconds",
			Help:    "SSH handshake latency when building a cache entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microvmd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics (control plane)
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmd_scheduling_latency_seconds",
			Help:    "Time to admit a container and choose a node",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainersScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_containers_scheduled_total",
			Help: "Total containers successfully scheduled",
		},
	)

	ContainersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_containers_rejected_total",
			Help: "Containers rejected at admission by reason",
		},
		[]string{"reason"},
	)

	SchedulerFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_scheduler_fallbacks_total",
			Help: "Placements that fell back to a best-effort random node",
		},
	)

	// Reconciler metrics (control plane)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmd_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes",
		},
	)

	ReconcilerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_reconciler_actions_total",
			Help: "Start/stop actions dispatched by the reconciler",
		},
		[]string{"action"},
	)

	// Editor metrics
	EditorActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_editor_actions_total",
			Help: "Editor protocol actions by type and outcome",
		},
		[]string{"action", "outcome"},
	)

	EditorConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmd_editor_conflicts_total",
			Help: "Optimistic writes rejected on prev_rev mismatch",
		},
	)

	// Console metrics
	ConsoleSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "microvmd_console_sessions_active",
			Help: "Currently open PTY bridge sessions",
		},
	)

	ConsoleBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_console_bytes_total",
			Help: "Bytes pumped through the PTY bridge by direction",
		},
		[]string{"direction"},
	)

	// File transfer metrics (node agent)
	UploadFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmd_upload_files_total",
			Help: "Files uploaded into guests by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(VMBootDuration)
	prometheus.MustRegister(VMStopDuration)
	prometheus.MustRegister(VMBootsTotal)
	prometheus.MustRegister(VMReconciledTotal)
	prometheus.MustRegister(SSHCacheHits)
	prometheus.MustRegister(SSHCacheRegenerations)
	prometheus.MustRegister(SSHConnectDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ContainersScheduled)
	prometheus.MustRegister(ContainersRejected)
	prometheus.MustRegister(SchedulerFallbacksTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconcilerActionsTotal)
	prometheus.MustRegister(EditorActionsTotal)
	prometheus.MustRegister(EditorConflictsTotal)
	prometheus.MustRegister(ConsoleSessionsActive)
	prometheus.MustRegister(ConsoleBytesTotal)
	prometheus.MustRegister(UploadFilesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
