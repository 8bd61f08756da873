/*
Package metrics provides Prometheus metrics collection and exposition for
the node agent and the control plane.

All metrics are registered on the default registry at package init and
exposed through Handler() (promhttp). The two binaries mount it at
/metrics; the same package serves both, each process simply never touches
the other's gauges.

# Metric Categories

Fleet (control plane, refreshed by Collector every 15s):

	microvmd_nodes_total{healthy}        registered nodes by health
	microvmd_containers_total{status}    containers by observed status

VM lifecycle (node agent):

	microvmd_vms_total{state}                  catalog entries by state
	microvmd_vm_boot_duration_seconds          boot request -> SSH ready
	microvmd_vm_stop_duration_seconds          stop including group kill
	microvmd_vm_boots_total{outcome}           boot attempts, ok/error
	microvmd_vm_reconciled_total               liveness-probe demotions

SSH cache (node agent):

	microvmd_ssh_cache_hits_total              probe-validated cache hits
	microvmd_ssh_cache_regenerations_total     rebuilds on miss/dead probe
	microvmd_ssh_connect_duration_seconds      handshake latency

Scheduler and reconciler (control plane):

	microvmd_scheduling_latency_seconds
	microvmd_containers_scheduled_total
	microvmd_containers_rejected_total{reason}
	microvmd_scheduler_fallbacks_total
	microvmd_reconciliation_duration_seconds
	microvmd_reconciliation_cycles_total
	microvmd_reconciler_actions_total{action}

Interactive layer:

	microvmd_editor_actions_total{action,outcome}
	microvmd_editor_conflicts_total
	microvmd_console_sessions_active
	microvmd_console_bytes_total{direction}
	microvmd_upload_files_total{outcome}

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	// ... boot the VM ...
	timer.ObserveDuration(metrics.VMBootDuration)
	metrics.VMBootsTotal.WithLabelValues("ok").Inc()

Exposing the endpoint:

	mux.Handle("/metrics", metrics.Handler())

# Health Endpoints

Beyond Prometheus metrics, this package also keeps a process-local
component health registry (health.go): long-running components call
RegisterComponent/UpdateComponent and the HTTP surface serves
HealthHandler (liveness plus component detail) and ReadyHandler
(readiness; 503 until every registered component reports healthy).
*/
package metrics
