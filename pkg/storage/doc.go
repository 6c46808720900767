/*
Package storage provides persistent state management for Kiln using BoltDB.

The storage package implements the Store interface with an embedded
BoltDB key/value database. It persists jobs, job history, printer
registrations, recovery checkpoints, audit entries, and loaded-material
records, so fleet state survives process restarts without any external
database dependency.

# Architecture

Kiln's storage layer is a single-file embedded database with one bucket
per entity:

	┌──────────────────── STORAGE LAYER ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Store Interface                  │          │
	│  │  - Entity-typed CRUD methods                │          │
	│  │  - Implemented by BoltStore                 │          │
	│  │  - Injected into fleet/safety/recovery      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              BoltDB (kiln.db)               │          │
	│  │                                              │          │
	│  │  Buckets:                                    │          │
	│  │  - jobs:        active job records           │          │
	│  │  - job_history: terminal jobs, time-keyed    │          │
	│  │  - printers:    registered backends          │          │
	│  │  - checkpoints: recovery waypoints           │          │
	│  │  - audit:       gated-operation log          │          │
	│  │  - materials:   loaded filament per printer  │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Key Encoding

Active entities are keyed by their ID. Append-only streams (job
history, checkpoints, audit) are keyed by a zero-padded UnixNano
timestamp plus the entity ID:

	00001776412345678901234_a1b2c3d4-...

Because BoltDB iterates keys lexically, a forward cursor walks these
buckets oldest-first and a backward cursor newest-first, with no
sorting pass. The padding keeps lexical order identical to
chronological order.

# Semantics

  - Create and Update are both upserts; callers own uniqueness.
  - Get on a missing job returns a coded JOB_NOT_FOUND error; other
    entities return NOT_FOUND.
  - GetMaterial and LatestCheckpoint return (nil, nil) when no record
    exists, because absence is an expected state for them.
  - Values are stored as JSON with stable snake_case field names, which
    keeps the database debuggable with plain tools and lets
    kiln-migrate rewrite rows schema-by-schema.

# Usage

Opening a store:

	store, err := storage.NewBoltStore("/var/lib/kiln")
	if err != nil {
		return err
	}
	defer store.Close()

Persisting a job:

	job := &types.Job{
		ID:          uuid.New().String(),
		SourceFile:  "benchy.gcode",
		Status:      types.JobStatusQueued,
		MaxAttempts: 3,
		SubmittedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		return err
	}

Reading history newest-first:

	recent, err := store.ListJobHistory(50)

Appending audit entries:

	entry := &types.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		ToolName:  "start_print",
		Action:    "executed",
	}
	_ = store.AppendAudit(entry) // best-effort by contract

# Integration Points

This package integrates with:

  - pkg/fleet: persists jobs and printer registrations
  - pkg/recovery: persists checkpoints and reads them back for resume
  - pkg/safety: appends audit entries for every gated operation
  - pkg/tools: serves job_history and safety_audit queries
  - cmd/kiln-migrate: rewrites buckets across schema versions

# Concurrency

BoltDB allows one writer and many readers; transactions provide
isolation. The Store methods each run in their own transaction, so
callers never compose multi-entity atomic updates through this
interface. The orchestrator serialises its own read-modify-write cycles
behind its mutex instead.

# Performance Considerations

  - Reads are memory-mapped; Get/List cost is dominated by JSON decode.
  - List methods decode every row in the bucket; the active buckets
    stay small (jobs in flight, registered printers).
  - Append-only buckets grow unbounded; purge_completed and the
    migrate tool's prune mode are the maintenance paths.

# See Also

  - pkg/types for the persisted data model
  - cmd/kiln-migrate for schema migrations
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
