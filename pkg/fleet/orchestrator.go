package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// DefaultMaxAttempts bounds how many printers a job may burn through
// before it fails for good.
const DefaultMaxAttempts = 3

// noIdlePrinterReason is the verdict when the fleet has nothing to
// offer a queued job.
const noIdlePrinterReason = "no suitable idle printer"

// SubmitOptions carries the optional knobs of a job submission.
type SubmitOptions struct {
	Priority         int
	MaxAttempts      int
	PreferredPrinter string
	SubmittedBy      string
	Metadata         map[string]any
}

// Orchestrator owns the job queue and the job-to-printer bindings. All
// transitions run under one mutex; adapters and the store are called
// inside it, which keeps the state machine serial at the cost of
// holding the lock across persistence.
//
// Printer status comes exclusively from the registry's poll cache, so
// assignment never blocks on a printer transport. A printer bound to an
// ASSIGNED job is reserved even while its cached status still reads
// idle.
type Orchestrator struct {
	store    storage.Store
	registry *adapter.Registry
	broker   *events.Broker
	selector Selector
	logger   zerolog.Logger

	mu          sync.Mutex
	jobs        map[string]*types.Job
	printerJobs map[string]string // printer ID -> job ID holding the reservation
}

// NewOrchestrator builds an orchestrator and reloads persisted jobs.
// Jobs found mid-flight (ASSIGNED or PRINTING) from a previous run are
// requeued, since their printer bindings did not survive the restart.
func NewOrchestrator(store storage.Store, registry *adapter.Registry, broker *events.Broker) (*Orchestrator, error) {
	o := &Orchestrator{
		store:       store,
		registry:    registry,
		broker:      broker,
		selector:    DefaultSelector{},
		logger:      log.WithComponent("fleet"),
		jobs:        make(map[string]*types.Job),
		printerJobs: make(map[string]string),
	}

	persisted, err := store.ListJobs()
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "could not load persisted jobs")
	}
	for _, job := range persisted {
		if job.Status.Active() {
			job.Status = types.JobStatusQueued
			job.AssignedPrinter = ""
			if err := store.UpdateJob(job); err != nil {
				return nil, types.WrapError(types.CodeInternal, err, "could not requeue job %s", job.ID)
			}
			o.logger.Warn().Str("job_id", job.ID).Msg("Requeued in-flight job after restart")
		}
		o.jobs[job.ID] = job
	}
	return o, nil
}

// SetSelector swaps the placement strategy. Call before any assignment
// traffic; the field is not guarded.
func (o *Orchestrator) SetSelector(s Selector) {
	o.selector = s
}

// Submit enqueues a new job.
func (o *Orchestrator) Submit(sourceFile string, opts SubmitOptions) (*types.Job, error) {
	if sourceFile == "" {
		return nil, types.NewError(types.CodeValidationError, "job needs a source file")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := &types.Job{
		ID:               uuid.NewString(),
		SourceFile:       sourceFile,
		SubmittedBy:      opts.SubmittedBy,
		Priority:         opts.Priority,
		Status:           types.JobStatusQueued,
		MaxAttempts:      maxAttempts,
		PreferredPrinter: opts.PreferredPrinter,
		SubmittedAt:      time.Now().UTC(),
		Metadata:         opts.Metadata,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.CreateJob(job); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "could not persist job")
	}
	o.jobs[job.ID] = job

	o.broker.Emit(types.EventJobSubmitted, "fleet", map[string]any{
		"job_id":      job.ID,
		"source_file": job.SourceFile,
		"priority":    job.Priority,
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("source_file", sourceFile).
		Int("priority", job.Priority).
		Msg("Job submitted")
	return job.Clone(), nil
}

// Assign binds one queued job to a printer. A fleet with no suitable
// idle printer is not an error; the result carries the reason.
func (o *Orchestrator) Assign(jobID string) (*types.AssignmentResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.assignLocked(jobID, nil)
}

// AssignAll drains the queue in priority order, highest priority first
// and oldest submission breaking ties. Once the fleet runs out of idle
// printers the remaining jobs are reported unassigned without another
// selector pass.
func (o *Orchestrator) AssignAll() []*types.AssignmentResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	var queued []*types.Job
	for _, job := range o.jobs {
		if job.Status == types.JobStatusQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].SubmittedAt.Before(queued[j].SubmittedAt)
	})

	results := make([]*types.AssignmentResult, 0, len(queued))
	exhausted := false
	for _, job := range queued {
		if exhausted {
			results = append(results, &types.AssignmentResult{
				JobID:  job.ID,
				Reason: noIdlePrinterReason,
			})
			metrics.AssignmentFailures.Inc()
			continue
		}
		result, err := o.assignLocked(job.ID, &exhausted)
		if err != nil {
			result = &types.AssignmentResult{JobID: job.ID, Reason: err.Error()}
		}
		results = append(results, result)
	}
	return results
}

// assignLocked performs one assignment under the caller's lock. When
// exhausted is non-nil it is set once the fleet has no free idle
// printer at all, letting AssignAll stop probing.
func (o *Orchestrator) assignLocked(jobID string, exhausted *bool) (*types.AssignmentResult, error) {
	job, exists := o.jobs[jobID]
	if !exists {
		return nil, types.NewError(types.CodeNotFound, "job not found: %s", jobID)
	}
	if job.Status != types.JobStatusQueued {
		return nil, types.NewError(types.CodeConflict,
			"job %s is %s, only queued jobs can be assigned", jobID, job.Status)
	}

	free := 0
	var candidates []string
	for _, id := range o.registry.IdlePrinters() {
		if _, reserved := o.printerJobs[id]; reserved {
			continue
		}
		free++
		if job.HasFailedOn(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	if exhausted != nil && free == 0 {
		*exhausted = true
	}

	printerID, ok := o.selector.Select(job, candidates)
	if !ok {
		metrics.AssignmentFailures.Inc()
		return &types.AssignmentResult{JobID: jobID, Reason: noIdlePrinterReason}, nil
	}

	job.Status = types.JobStatusAssigned
	job.AssignedPrinter = printerID
	job.Attempt++
	if err := o.store.UpdateJob(job); err != nil {
		job.Status = types.JobStatusQueued
		job.AssignedPrinter = ""
		job.Attempt--
		return nil, types.WrapError(types.CodeInternal, err, "could not persist assignment for job %s", jobID)
	}
	o.printerJobs[printerID] = jobID

	metrics.AssignmentsTotal.Inc()
	o.broker.Emit(types.EventJobStarted, "fleet", map[string]any{
		"job_id":     jobID,
		"printer_id": printerID,
		"attempt":    job.Attempt,
	})
	o.logger.Info().
		Str("job_id", jobID).
		Str("printer_id", printerID).
		Int("attempt", job.Attempt).
		Msg("Job assigned")
	return &types.AssignmentResult{JobID: jobID, Success: true, PrinterID: printerID}, nil
}

// MarkPrinting records that the assigned printer accepted the print.
func (o *Orchestrator) MarkPrinting(jobID string) (*types.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, exists := o.jobs[jobID]
	if !exists {
		return nil, types.NewError(types.CodeNotFound, "job not found: %s", jobID)
	}
	if job.Status != types.JobStatusAssigned {
		return nil, types.NewError(types.CodeConflict,
			"job %s is %s, only assigned jobs can start printing", jobID, job.Status)
	}

	job.Status = types.JobStatusPrinting
	job.StartedAt = time.Now().UTC()
	if err := o.store.UpdateJob(job); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "could not persist job %s", jobID)
	}

	o.broker.Emit(types.EventPrintStarted, "fleet", map[string]any{
		"job_id":     jobID,
		"printer_id": job.AssignedPrinter,
	})
	o.logger.Info().
		Str("job_id", jobID).
		Str("printer_id", job.AssignedPrinter).
		Msg("Job printing")
	return job.Clone(), nil
}

// MarkCompleted finishes a printing job and releases its printer.
func (o *Orchestrator) MarkCompleted(jobID string) (*types.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, exists := o.jobs[jobID]
	if !exists {
		return nil, types.NewError(types.CodeNotFound, "job not found: %s", jobID)
	}
	if job.Status != types.JobStatusPrinting {
		return nil, types.NewError(types.CodeConflict,
			"job %s is %s, only printing jobs can complete", jobID, job.Status)
	}

	printerID := job.AssignedPrinter
	job.Status = types.JobStatusCompleted
	job.CompletedAt = time.Now().UTC()
	o.releaseLocked(job)
	if err := o.finishLocked(job); err != nil {
		return nil, err
	}

	o.broker.Emit(types.EventJobCompleted, "fleet", map[string]any{
		"job_id":     jobID,
		"printer_id": printerID,
	})
	o.logger.Info().
		Str("job_id", jobID).
		Str("printer_id", printerID).
		Msg("Job completed")
	return job.Clone(), nil
}

// MarkFailed records a failure on the bound printer. The job returns
// to the queue with the printer excluded until its attempts run out,
// then fails for good.
func (o *Orchestrator) MarkFailed(jobID, reason string) (*types.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, exists := o.jobs[jobID]
	if !exists {
		return nil, types.NewError(types.CodeNotFound, "job not found: %s", jobID)
	}
	if !job.Status.Active() {
		return nil, types.NewError(types.CodeConflict,
			"job %s is %s, only active jobs can fail", jobID, job.Status)
	}

	failedPrinter := job.AssignedPrinter
	job.RecordFailedPrinter(failedPrinter)
	o.releaseLocked(job)

	if job.Attempt < job.MaxAttempts {
		job.Status = types.JobStatusQueued
		job.AssignedPrinter = ""
		if err := o.store.UpdateJob(job); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "could not persist job %s", jobID)
		}

		o.broker.Emit(types.EventJobFailed, "fleet", map[string]any{
			"job_id":     jobID,
			"printer_id": failedPrinter,
			"reason":     reason,
			"attempt":    job.Attempt,
			"will_retry": true,
		})
		o.logger.Warn().
			Str("job_id", jobID).
			Str("printer_id", failedPrinter).
			Str("reason", reason).
			Int("attempt", job.Attempt).
			Msg("Job failed, requeued")
		return job.Clone(), nil
	}

	job.Status = types.JobStatusFailed
	job.Error = reason
	job.CompletedAt = time.Now().UTC()
	if err := o.finishLocked(job); err != nil {
		return nil, err
	}

	o.broker.Emit(types.EventJobFailed, "fleet", map[string]any{
		"job_id":     jobID,
		"printer_id": failedPrinter,
		"reason":     reason,
		"attempt":    job.Attempt,
		"will_retry": false,
	})
	o.logger.Error().
		Str("job_id", jobID).
		Str("printer_id", failedPrinter).
		Str("reason", reason).
		Msg("Job failed permanently")
	return job.Clone(), nil
}

// Cancel moves a job to CANCELLED, recording reason in its error
// field. Cancelling a terminal job is a no-op reported as false
// rather than an error. The orchestrator never touches hardware: when
// the job was PRINTING, printerID names the printer the caller must
// stop.
func (o *Orchestrator) Cancel(jobID, reason string) (cancelled bool, printerID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelLocked(jobID, reason)
}

func (o *Orchestrator) cancelLocked(jobID, reason string) (bool, string, error) {
	job, exists := o.jobs[jobID]
	if !exists {
		return false, "", types.NewError(types.CodeNotFound, "job not found: %s", jobID)
	}
	if job.Status.Terminal() {
		return false, "", nil
	}

	printerID := ""
	if job.Status == types.JobStatusPrinting {
		printerID = job.AssignedPrinter
	}

	o.releaseLocked(job)
	job.Status = types.JobStatusCancelled
	job.AssignedPrinter = ""
	job.Error = reason
	job.CompletedAt = time.Now().UTC()
	if err := o.finishLocked(job); err != nil {
		return false, "", err
	}

	o.broker.Emit(types.EventJobCancelled, "fleet", map[string]any{
		"job_id":     jobID,
		"printer_id": printerID,
		"reason":     reason,
	})
	o.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("Job cancelled")
	return true, printerID, nil
}

// CancelAllQueued cancels every queued job with the same reason and
// reports how many. Queued jobs hold no printer, so there is nothing
// for the caller to stop.
func (o *Orchestrator) CancelAllQueued(reason string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []string
	for _, job := range o.jobs {
		if job.Status == types.JobStatusQueued {
			ids = append(ids, job.ID)
		}
	}
	sort.Strings(ids)

	cancelled := 0
	for _, id := range ids {
		done, _, err := o.cancelLocked(id, reason)
		if err != nil {
			return cancelled, err
		}
		if done {
			cancelled++
		}
	}
	return cancelled, nil
}

// Job returns a copy of one job.
func (o *Orchestrator) Job(jobID string) (*types.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, exists := o.jobs[jobID]
	if !exists {
		return nil, types.NewError(types.CodeNotFound, "job not found: %s", jobID)
	}
	return job.Clone(), nil
}

// Jobs returns every tracked job, newest submission first.
func (o *Orchestrator) Jobs() []*types.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*types.Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// JobForPrinter returns the job currently bound to a printer, if any.
func (o *Orchestrator) JobForPrinter(printerID string) (*types.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	jobID, bound := o.printerJobs[printerID]
	if !bound {
		return nil, false
	}
	return o.jobs[jobID].Clone(), true
}

// History lists finished jobs from the store, newest first.
func (o *Orchestrator) History(limit int) ([]*types.Job, error) {
	return o.store.ListJobHistory(limit)
}

// JobCounts tallies tracked jobs by status.
func (o *Orchestrator) JobCounts() map[types.JobStatus]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	counts := make(map[types.JobStatus]int)
	for _, job := range o.jobs {
		counts[job.Status]++
	}
	return counts
}

// Utilization summarizes printers and jobs at this instant. The ratio
// counts busy printers against the reachable fleet; a fleet that is
// entirely offline reports zero.
func (o *Orchestrator) Utilization() *types.FleetUtilization {
	printerCounts := o.registry.StatusCounts()

	total, busy, offline := 0, 0, 0
	for status, n := range printerCounts {
		total += n
		if status.Busy() {
			busy += n
		}
		if status == types.PrinterStatusOffline {
			offline += n
		}
	}

	pct := 0.0
	if reachable := total - offline; reachable > 0 {
		pct = float64(busy) / float64(reachable) * 100
	}

	return &types.FleetUtilization{
		TotalPrinters:    total,
		PrintersByStatus: printerCounts,
		JobsByStatus:     o.JobCounts(),
		UtilizationPct:   pct,
	}
}

// PurgeCompleted drops terminal jobs that finished at least age ago
// from the active set. A zero age purges every terminal job. History
// records remain either way.
func (o *Orchestrator) PurgeCompleted(age time.Duration) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)
	purged := 0
	for id, job := range o.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.CompletedAt.After(cutoff) {
			continue
		}
		if err := o.store.DeleteJob(id); err != nil {
			return purged, types.WrapError(types.CodeInternal, err, "could not purge job %s", id)
		}
		delete(o.jobs, id)
		purged++
	}
	return purged, nil
}

// releaseLocked frees the printer reservation held by a job.
func (o *Orchestrator) releaseLocked(job *types.Job) {
	if job.AssignedPrinter == "" {
		return
	}
	if o.printerJobs[job.AssignedPrinter] == job.ID {
		delete(o.printerJobs, job.AssignedPrinter)
	}
}

// finishLocked persists a terminal job and appends its history record.
func (o *Orchestrator) finishLocked(job *types.Job) error {
	if err := o.store.UpdateJob(job); err != nil {
		return types.WrapError(types.CodeInternal, err, "could not persist job %s", job.ID)
	}
	if err := o.store.AppendJobHistory(job); err != nil {
		o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("History append failed")
	}
	return nil
}
