/*
Package metrics provides Prometheus metrics and process-health endpoints
for Kiln.

All collectors are package-level variables registered with the default
Prometheus registry at init, so any package can instrument its hot path
without holding a handle. The API server mounts Handler() at /metrics
and the health handlers at /health, /ready and /live.

# Metrics Catalog

Fleet:

	kiln_printers_total{status}        gauge    registered printers by status
	kiln_jobs_total{status}            gauge    jobs by status
	kiln_assignments_total             counter  successful assignments
	kiln_assignment_failures_total     counter  failed assignment attempts

Safety:

	kiln_safety_blocks_total{tool,stage}   counter  gate refusals by stage
	                                                (auth, rate_limit, gcode,
	                                                preflight, validation)
	kiln_safety_escalations_total{tool}    counter  refusals during cooldown
	kiln_confirmations_pending             gauge    parked operations

Health:

	kiln_health_checks_total           counter  checks executed
	kiln_health_alerts_total{severity} counter  findings by severity
	kiln_monitor_sessions_active       gauge    running monitor sessions

Recovery:

	kiln_recovery_attempts_total{strategy}  counter  executions by strategy
	kiln_checkpoints_saved_total            counter  checkpoints saved

Tools and events:

	kiln_tool_invocations_total{tool,outcome}  counter    by tool and outcome
	kiln_tool_duration_seconds{tool}           histogram  invocation latency
	kiln_events_published_total{type}          counter    bus publishes by type

Status and severity labels reuse the enum strings from pkg/types, which
keeps cardinality bounded.

# Usage

	metrics.AssignmentsTotal.Inc()
	metrics.PrintersTotal.WithLabelValues("IDLE").Set(3)

	timer := metrics.NewTimer()
	// ... run the tool ...
	timer.ObserveDurationVec(metrics.ToolDuration, "start_print")

The fleet orchestrator package owns the periodic collector that samples
printer and job gauges; everything else increments counters inline.

# Process Health

The health side of the package tracks named components reported via
RegisterComponent. Critical components (storage, api) gate readiness
and force "unhealthy" when down; auxiliary components only degrade the
overall status. cmd/kiln registers each component as it boots and the
API server exposes the three handlers.
*/
package metrics
