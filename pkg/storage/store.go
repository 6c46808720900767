package storage

import (
	"github.com/kilnlabs/kiln/pkg/types"
)

// Store defines the interface for fleet state storage
// Implemented by BoltDB-backed storage and an in-memory variant for tests
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Job history holds terminal jobs, ordered by completion time.
	AppendJobHistory(job *types.Job) error
	ListJobHistory(limit int) ([]*types.Job, error)

	// Printers
	CreatePrinter(printer *types.PrinterRecord) error
	GetPrinter(id string) (*types.PrinterRecord, error)
	ListPrinters() ([]*types.PrinterRecord, error)
	UpdatePrinter(printer *types.PrinterRecord) error
	DeletePrinter(id string) error

	// Checkpoints are append-only per job.
	SaveCheckpoint(cp *types.Checkpoint) error
	ListCheckpoints(jobID string) ([]*types.Checkpoint, error)
	// LatestCheckpoint returns (nil, nil) when the job has none.
	LatestCheckpoint(jobID string) (*types.Checkpoint, error)

	// Audit entries are append-only, ordered by timestamp.
	AppendAudit(entry *types.AuditEntry) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	// Materials track what filament is loaded per printer.
	SetMaterial(material *types.Material) error
	// GetMaterial returns (nil, nil) when no record exists.
	GetMaterial(printerID string) (*types.Material, error)
	DeleteMaterial(printerID string) error

	// Utility
	Close() error
}
