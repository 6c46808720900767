package recovery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// progressPivot is the completion percentage above which a failed
// print is worth resuming from a checkpoint instead of retrying the
// step. At or below the pivot, rerunning the step is cheaper.
const progressPivot = 10.0

// DefaultMaxRetries is the per-job recovery budget when none is
// configured.
const DefaultMaxRetries = 3

// rule is one row of the failure policy table.
type rule struct {
	primary        types.RecoveryStrategy
	alternatives   []types.RecoveryStrategy
	safetyCritical bool
	autoRecover    bool
	reason         string
}

// policyTable maps simple failures to strategies. POWER_LOSS,
// PRINTER_ERROR and SOFTWARE_CRASH are handled in code because their
// outcome depends on progress or checkpoint availability.
var policyTable = map[types.FailureType]rule{
	types.FailureUserCancelled: {
		primary: types.StrategyAbort,
		reason:  "the operator asked for this print to stop",
	},
	types.FailureThermalRunaway: {
		primary:        types.StrategyEmergencyStop,
		safetyCritical: true,
		reason:         "uncontrolled heating must be halted before anything else",
	},
	types.FailureBedAdhesion: {
		primary:        types.StrategyAbort,
		alternatives:   []types.RecoveryStrategy{types.StrategyCancelAndRetry},
		safetyCritical: true,
		reason:         "a detached part can jam the toolhead or spill molten plastic",
	},
	types.FailureLayerShift: {
		primary:      types.StrategyAbort,
		alternatives: []types.RecoveryStrategy{types.StrategyCancelAndRetry},
		reason:       "shifted layers cannot be corrected mid-print",
	},
	types.FailureFirstLayer: {
		primary:      types.StrategyCancelAndRetry,
		alternatives: []types.RecoveryStrategy{types.StrategyAbort},
		autoRecover:  true,
		reason:       "a bad first layer is recoverable by restarting with fresh adhesion",
	},
	types.FailureFilamentRunout: {
		primary:      types.StrategyPauseAndIntervene,
		alternatives: []types.RecoveryStrategy{types.StrategyAbort},
		reason:       "a spool change resumes the print where it paused",
	},
	types.FailureNozzleClog: {
		primary:      types.StrategyPauseAndIntervene,
		alternatives: []types.RecoveryStrategy{types.StrategyAbort},
		reason:       "the clog must be cleared by hand before extrusion can continue",
	},
	types.FailureNetworkDisconnect: {
		primary:     types.StrategyRetryCurrentStep,
		autoRecover: true,
		reason:      "the printer keeps printing through control-channel outages",
	},
	types.FailureTimeout: {
		primary:     types.StrategyRetryCurrentStep,
		autoRecover: true,
		reason:      "a timed-out command is safe to reissue",
	},
}

// Planner maps failures onto recovery strategies and tracks per-job
// retry budgets. Checkpoints persist through the injected store; the
// retry counters are process-local.
type Planner struct {
	store      storage.Store
	maxRetries int
	logger     zerolog.Logger

	mu      sync.Mutex
	retries map[string]int // job ID -> recovery executions consumed
}

// NewPlanner builds a planner with the given per-job retry budget.
func NewPlanner(store storage.Store, maxRetries int) *Planner {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Planner{
		store:      store,
		maxRetries: maxRetries,
		logger:     log.WithComponent("recovery"),
		retries:    make(map[string]int),
	}
}

// SaveCheckpoint appends a durable waypoint for a job. Checkpoints are
// never overwritten; the latest one wins at resume time.
func (p *Planner) SaveCheckpoint(jobID, printerID, phase string, progressPct float64, state types.CheckpointState) (*types.Checkpoint, error) {
	if jobID == "" {
		return nil, types.NewError(types.CodeValidationError, "checkpoint needs a job id")
	}
	if progressPct < 0 || progressPct > 100 {
		return nil, types.NewError(types.CodeValidationError, "progress %.1f%% is outside 0-100", progressPct)
	}

	cp := &types.Checkpoint{
		ID:          uuid.NewString(),
		JobID:       jobID,
		PrinterID:   printerID,
		Timestamp:   time.Now().UTC(),
		Phase:       phase,
		ProgressPct: progressPct,
		State:       state,
	}
	if err := p.store.SaveCheckpoint(cp); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "could not persist checkpoint for job %s", jobID)
	}

	metrics.CheckpointsSavedTotal.Inc()
	p.logger.Info().
		Str("job_id", jobID).
		Str("printer_id", printerID).
		Float64("progress", progressPct).
		Msg("Checkpoint saved")
	return cp, nil
}

// Checkpoints lists a job's checkpoints, oldest first.
func (p *Planner) Checkpoints(jobID string) ([]*types.Checkpoint, error) {
	return p.store.ListCheckpoints(jobID)
}

// PlanRecovery recommends a strategy for a failure. progressPct is the
// print completion at failure time; it steers the PRINTER_ERROR rule.
// Checkpoint-dependent strategies appear only when the job has one.
func (p *Planner) PlanRecovery(jobID string, failure types.FailureType, progressPct float64) (*types.Recommendation, error) {
	latest, err := p.store.LatestCheckpoint(jobID)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "could not read checkpoints for job %s", jobID)
	}
	hasCheckpoint := latest != nil

	rec := &types.Recommendation{
		JobID:         jobID,
		FailureType:   failure,
		HasCheckpoint: hasCheckpoint,
	}

	switch failure {
	case types.FailurePowerLoss:
		if hasCheckpoint {
			rec.Primary = types.StrategyResumeFromCheckpoint
			rec.Alternatives = []types.RecoveryStrategy{types.StrategyRestartFromBeginning}
			rec.Reason = "power is back and a checkpoint marks where the print stopped"
		} else {
			rec.Primary = types.StrategyRestartFromBeginning
			rec.Reason = "no checkpoint survives the outage, the print starts over"
		}

	case types.FailurePrinterError:
		if progressPct > progressPivot && hasCheckpoint {
			rec.Primary = types.StrategyResumeFromCheckpoint
			rec.Alternatives = []types.RecoveryStrategy{types.StrategyRestartFromBeginning}
			rec.Reason = "enough progress is banked that a checkpoint resume beats starting over"
		} else if progressPct > progressPivot {
			rec.Primary = types.StrategyRestartFromBeginning
			rec.Reason = "past the retry pivot but no checkpoint exists to resume from"
		} else {
			rec.Primary = types.StrategyRetryCurrentStep
			rec.AutoRecoverable = true
			rec.Reason = "little progress is lost by retrying from the current step"
		}

	case types.FailureSoftwareCrash:
		rec.AutoRecoverable = true
		if hasCheckpoint {
			rec.Primary = types.StrategyResumeFromCheckpoint
			rec.Alternatives = []types.RecoveryStrategy{types.StrategyRestartFromBeginning}
			rec.Reason = "the controller crashed but the printer state was checkpointed"
		} else {
			rec.Primary = types.StrategyRestartFromBeginning
			rec.Reason = "the controller crashed with no checkpoint to resume from"
		}

	default:
		r, ok := policyTable[failure]
		if !ok {
			return nil, types.NewError(types.CodeValidationError, "unknown failure type %q", failure)
		}
		rec.Primary = r.primary
		rec.Alternatives = append(rec.Alternatives, r.alternatives...)
		rec.SafetyCritical = r.safetyCritical
		rec.AutoRecoverable = r.autoRecover
		rec.Reason = r.reason
	}

	if !hasCheckpoint {
		rec.Alternatives = dropCheckpointStrategies(rec.Alternatives)
	}
	return rec, nil
}

// ExecuteRecovery consumes one slot from the job's retry budget and
// reports the outcome. A checkpoint resume credits the checkpointed
// progress as time saved; every other strategy saves nothing.
func (p *Planner) ExecuteRecovery(jobID string, strategy types.RecoveryStrategy) (*types.RecoveryResult, error) {
	p.mu.Lock()
	used := p.retries[jobID]
	if used >= p.maxRetries {
		p.mu.Unlock()
		return nil, types.NewError(types.CodeValidationError,
			"job %s exceeded max retries (%d)", jobID, p.maxRetries)
	}
	p.retries[jobID] = used + 1
	p.mu.Unlock()

	result := &types.RecoveryResult{
		JobID:       jobID,
		Strategy:    strategy,
		Success:     true,
		RetriesUsed: used + 1,
	}

	if strategy == types.StrategyResumeFromCheckpoint {
		latest, err := p.store.LatestCheckpoint(jobID)
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "could not read checkpoints for job %s", jobID)
		}
		if latest == nil {
			return nil, types.NewError(types.CodeValidationError,
				"job %s has no checkpoint to resume from", jobID)
		}
		result.TimeSavedPct = latest.ProgressPct
		result.Message = "resuming from checkpoint at " + latest.Timestamp.Format(time.RFC3339)
	}

	metrics.RecoveryAttemptsTotal.WithLabelValues(string(strategy)).Inc()
	p.logger.Info().
		Str("job_id", jobID).
		Str("strategy", string(strategy)).
		Int("retries_used", result.RetriesUsed).
		Msg("Recovery executed")
	return result, nil
}

// ResetRetries restores the job's full retry budget.
func (p *Planner) ResetRetries(jobID string) {
	p.mu.Lock()
	delete(p.retries, jobID)
	p.mu.Unlock()
}

// RetriesUsed reports how much of the budget the job has consumed.
func (p *Planner) RetriesUsed(jobID string) (used, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries[jobID], p.maxRetries
}

func dropCheckpointStrategies(in []types.RecoveryStrategy) []types.RecoveryStrategy {
	var out []types.RecoveryStrategy
	for _, s := range in {
		if s != types.StrategyResumeFromCheckpoint {
			out = append(out, s)
		}
	}
	return out
}
