/*
Package types defines the core data structures used throughout Kiln.

This package contains all fundamental types that represent Kiln's domain
model, including jobs, printers, health sessions, checkpoints, audit
entries, and events. These types are used by all other packages for
state management, tool responses, and orchestration logic.

# Architecture

The types package is the foundation of Kiln's data model. It defines:

  - Print jobs and their status lattice
  - Printer records, capabilities, and adapter type tags
  - Live printer state (connection, status, temperatures, progress)
  - Health sessions, reports, metrics, and issues
  - Recovery checkpoints, failure types, and strategies
  - Safety levels, audit entries, and the coded error taxonomy
  - Fleet events and their type enumeration

All types are designed to be:
  - Serializable (JSON with stable snake_case keys)
  - Copyable (Clone helpers for lock-free readers)
  - Self-documenting (clear field names and comments)
  - Validated (typed string constants for enums)

# Core Types

Job lifecycle:
  - Job: One unit of printable work with attempt accounting
  - JobStatus: Queued, assigned, printing, completed, failed, cancelled
  - AssignmentResult: Outcome of pairing a job with a printer

Printer model:
  - PrinterRecord: A registered backend with capabilities and status
  - AdapterType: serial, octoprint, moonraker, bambu, prusaconnect
  - PrinterStatus: Idle, printing, paused, cancelling, busy, error,
    offline, unknown
  - PrinterState / JobProgress: Point-in-time views from the adapter
  - SafetyProfile: Per-model temperature ceilings, feedrate, volume

Health monitoring:
  - HealthSession: One monitoring window with append-only history
  - MonitorPolicy: Delay, count, interval, auto-pause, drift, stall
  - HealthReport / Metric: A measurement bundle with severity
  - Severity: OK < WARNING < CRITICAL

Recovery:
  - Checkpoint / CheckpointState: Durable resume waypoints
  - FailureType: Thermal runaway, bed adhesion, power loss, ...
  - RecoveryStrategy: Abort, resume from checkpoint, retry, ...
  - Recommendation / RecoveryResult: Planner outputs

Safety and audit:
  - SafetyLevel: safe < caution < confirm < emergency
  - AuditEntry: Immutable record of every gated operation
  - Error / ErrorCode: The coded taxonomy behind the error envelope

# Job State Machine

Jobs follow a state machine owned by the fleet orchestrator:

	QUEUED → ASSIGNED → PRINTING → COMPLETED
	  ↑         ↓           ↓
	  └───── (retry)      FAILED

	Any non-terminal state → CANCELLED

Valid transitions:
  - QUEUED → ASSIGNED (selector picked an idle printer; attempt++)
  - ASSIGNED → PRINTING (print started on the device)
  - PRINTING → COMPLETED (print finished)
  - ASSIGNED/PRINTING → QUEUED (reassignable failure, attempt budget left)
  - ASSIGNED/PRINTING → FAILED (attempt budget exhausted)
  - QUEUED/ASSIGNED/PRINTING → CANCELLED (caller request)

Invariants:
  - Terminal statuses (COMPLETED, FAILED, CANCELLED) are sticky.
  - Attempt count never decreases.
  - The failed-printer set only grows.
  - Exactly one printer is bound while ASSIGNED or PRINTING.

# Design Patterns

Enumeration pattern:

	All enums use typed string constants whose values match the
	agent-visible wire form:
	  type JobStatus string
	  const (
	      JobStatusQueued   JobStatus = "QUEUED"
	      JobStatusPrinting JobStatus = "PRINTING"
	  )

Optional fields:

	Backend readings that may be absent use pointers:
	  - *Temperature: nil = backend does not report the sensor
	  - *float64 Completion: nil = no progress information

Metadata bags:

	Job.Metadata, Event.Data, and AuditEntry.Details are opaque
	map[string]any containers. They are passed through to callers,
	never introspected.

# Thread Safety

Types here carry no locks. Mutations are synchronized by their owning
component (orchestrator, registry, monitor manager, safety gate), and
readers outside those locks receive Clone copies.

# See Also

  - pkg/storage for persistence of jobs, checkpoints, and audit rows
  - pkg/fleet for the orchestration state machine
  - pkg/adapter for how PrinterState is produced per backend
*/
package types
