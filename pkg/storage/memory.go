package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/kilnlabs/kiln/pkg/types"
)

// MemoryStore is a map-backed Store for tests and ephemeral runs. It
// mirrors BoltStore semantics: returned records are independent copies,
// list order is stable (lexical by ID), and history listings come back
// newest-first.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*types.Job
	history     []*types.Job
	printers    map[string]*types.PrinterRecord
	checkpoints map[string][]*types.Checkpoint // jobID -> chronological
	audit       []*types.AuditEntry
	materials   map[string]*types.Material
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*types.Job),
		printers:    make(map[string]*types.PrinterRecord),
		checkpoints: make(map[string][]*types.Checkpoint),
		materials:   make(map[string]*types.Material),
	}
}

// CreateJob stores a job
func (s *MemoryStore) CreateJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, types.NewError(types.CodeJobNotFound, "job not found: %s", id)
	}
	return job.Clone(), nil
}

// ListJobs returns all jobs in lexical ID order
func (s *MemoryStore) ListJobs() ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// UpdateJob updates a job (upsert, same as create)
func (s *MemoryStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

// DeleteJob removes a job
func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// AppendJobHistory records a terminal job in the history log
func (s *MemoryStore) AppendJobHistory(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := job.Clone()
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now().UTC()
	}
	s.history = append(s.history, entry)
	return nil
}

// ListJobHistory returns terminal jobs newest-first, up to limit
func (s *MemoryStore) ListJobHistory(limit int) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Job, 0, len(s.history))
	for _, job := range s.history {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreatePrinter stores a printer record
func (s *MemoryStore) CreatePrinter(printer *types.PrinterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printers[printer.ID] = printer.Clone()
	return nil
}

// GetPrinter retrieves a printer by ID
func (s *MemoryStore) GetPrinter(id string) (*types.PrinterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	printer, ok := s.printers[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "printer not found: %s", id)
	}
	return printer.Clone(), nil
}

// ListPrinters returns all printers in lexical ID order
func (s *MemoryStore) ListPrinters() ([]*types.PrinterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	printers := make([]*types.PrinterRecord, 0, len(s.printers))
	for _, printer := range s.printers {
		printers = append(printers, printer.Clone())
	}
	sort.Slice(printers, func(i, j int) bool { return printers[i].ID < printers[j].ID })
	return printers, nil
}

// UpdatePrinter updates a printer record (upsert)
func (s *MemoryStore) UpdatePrinter(printer *types.PrinterRecord) error {
	return s.CreatePrinter(printer)
}

// DeletePrinter removes a printer record
func (s *MemoryStore) DeletePrinter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.printers, id)
	return nil
}

// SaveCheckpoint appends a checkpoint for a job
func (s *MemoryStore) SaveCheckpoint(cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.checkpoints[cp.JobID] = append(s.checkpoints[cp.JobID], &c)
	return nil
}

// ListCheckpoints returns a job's checkpoints oldest-first
func (s *MemoryStore) ListCheckpoints(jobID string) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[jobID]
	out := make([]*types.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LatestCheckpoint returns the most recent checkpoint, or nil when none exist
func (s *MemoryStore) LatestCheckpoint(jobID string) (*types.Checkpoint, error) {
	cps, err := s.ListCheckpoints(jobID)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[len(cps)-1], nil
}

// AppendAudit records an audit entry
func (s *MemoryStore) AppendAudit(entry *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.audit = append(s.audit, &e)
	return nil
}

// ListAudit returns audit entries newest-first, up to limit
func (s *MemoryStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.AuditEntry, 0, len(s.audit))
	for _, entry := range s.audit {
		e := *entry
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetMaterial records the loaded material for a printer
func (s *MemoryStore) SetMaterial(material *types.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *material
	s.materials[material.PrinterID] = &m
	return nil
}

// GetMaterial returns the loaded material, or nil when none is recorded
func (s *MemoryStore) GetMaterial(printerID string) (*types.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	material, ok := s.materials[printerID]
	if !ok {
		return nil, nil
	}
	m := *material
	return &m, nil
}

// DeleteMaterial clears the loaded material for a printer
func (s *MemoryStore) DeleteMaterial(printerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.materials, printerID)
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
