package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	return NewPlanner(storage.NewMemoryStore(), 3)
}

func saveCheckpointAt(t *testing.T, p *Planner, jobID string, progress float64) *types.Checkpoint {
	t.Helper()
	cp, err := p.SaveCheckpoint(jobID, "p1", "INFILL", progress, types.CheckpointState{
		ZHeight:     12.4,
		LayerNumber: 62,
		HotendTemp:  215,
		BedTemp:     60,
	})
	require.NoError(t, err)
	return cp
}

// TestSaveCheckpointValidation tests the input guards
func TestSaveCheckpointValidation(t *testing.T) {
	p := newTestPlanner(t)

	_, err := p.SaveCheckpoint("", "p1", "INFILL", 50, types.CheckpointState{})
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))

	_, err = p.SaveCheckpoint("job-1", "p1", "INFILL", 120, types.CheckpointState{})
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))
}

// TestPolicyTableStrategies tests the fixed failure-to-strategy rows
func TestPolicyTableStrategies(t *testing.T) {
	tests := []struct {
		failure        types.FailureType
		primary        types.RecoveryStrategy
		safetyCritical bool
		autoRecover    bool
	}{
		{types.FailureUserCancelled, types.StrategyAbort, false, false},
		{types.FailureThermalRunaway, types.StrategyEmergencyStop, true, false},
		{types.FailureBedAdhesion, types.StrategyAbort, true, false},
		{types.FailureLayerShift, types.StrategyAbort, false, false},
		{types.FailureFirstLayer, types.StrategyCancelAndRetry, false, true},
		{types.FailureFilamentRunout, types.StrategyPauseAndIntervene, false, false},
		{types.FailureNozzleClog, types.StrategyPauseAndIntervene, false, false},
		{types.FailureNetworkDisconnect, types.StrategyRetryCurrentStep, false, true},
		{types.FailureTimeout, types.StrategyRetryCurrentStep, false, true},
	}

	p := newTestPlanner(t)
	for _, tt := range tests {
		t.Run(string(tt.failure), func(t *testing.T) {
			rec, err := p.PlanRecovery("job-1", tt.failure, 50)
			require.NoError(t, err)
			assert.Equal(t, tt.primary, rec.Primary)
			assert.Equal(t, tt.safetyCritical, rec.SafetyCritical)
			assert.Equal(t, tt.autoRecover, rec.AutoRecoverable)
			assert.NotEmpty(t, rec.Reason)
		})
	}
}

// TestPlanRecoveryUnknownFailure tests rejection of made-up types
func TestPlanRecoveryUnknownFailure(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.PlanRecovery("job-1", types.FailureType("GREMLINS"), 50)
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))
}

// TestPowerLossDependsOnCheckpoint tests checkpoint gating for outages
func TestPowerLossDependsOnCheckpoint(t *testing.T) {
	p := newTestPlanner(t)

	rec, err := p.PlanRecovery("job-1", types.FailurePowerLoss, 40)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRestartFromBeginning, rec.Primary)
	assert.False(t, rec.HasCheckpoint)

	saveCheckpointAt(t, p, "job-1", 40)

	rec, err = p.PlanRecovery("job-1", types.FailurePowerLoss, 40)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyResumeFromCheckpoint, rec.Primary)
	assert.True(t, rec.HasCheckpoint)
	assert.Contains(t, rec.Alternatives, types.StrategyRestartFromBeginning)
}

// TestPrinterErrorProgressPivot tests the boundary between retrying a
// step and resuming from a checkpoint
func TestPrinterErrorProgressPivot(t *testing.T) {
	p := newTestPlanner(t)
	saveCheckpointAt(t, p, "job-1", 10)

	// At exactly the pivot the cheap retry still wins.
	rec, err := p.PlanRecovery("job-1", types.FailurePrinterError, 10.0)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRetryCurrentStep, rec.Primary)
	assert.True(t, rec.AutoRecoverable)

	// One tick past it, the checkpoint takes over.
	rec, err = p.PlanRecovery("job-1", types.FailurePrinterError, 10.1)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyResumeFromCheckpoint, rec.Primary)
}

// TestPrinterErrorPastPivotWithoutCheckpoint tests the restart fallback
func TestPrinterErrorPastPivotWithoutCheckpoint(t *testing.T) {
	p := newTestPlanner(t)

	rec, err := p.PlanRecovery("job-1", types.FailurePrinterError, 60)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRestartFromBeginning, rec.Primary)
	assert.Empty(t, rec.Alternatives)
}

// TestNoCheckpointStrategyWithoutCheckpoint tests that the resume
// strategy never appears, even as an alternative, when the job has no
// checkpoint
func TestNoCheckpointStrategyWithoutCheckpoint(t *testing.T) {
	p := newTestPlanner(t)

	for _, failure := range []types.FailureType{
		types.FailurePowerLoss,
		types.FailurePrinterError,
		types.FailureSoftwareCrash,
	} {
		rec, err := p.PlanRecovery("job-1", failure, 80)
		require.NoError(t, err)
		assert.NotEqual(t, types.StrategyResumeFromCheckpoint, rec.Primary)
		assert.NotContains(t, rec.Alternatives, types.StrategyResumeFromCheckpoint)
	}
}

// TestExecuteRecoveryRetryBudget tests exhaustion and reset of the
// per-job budget
func TestExecuteRecoveryRetryBudget(t *testing.T) {
	p := newTestPlanner(t)

	for i := 1; i <= 3; i++ {
		result, err := p.ExecuteRecovery("job-1", types.StrategyRetryCurrentStep)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, i, result.RetriesUsed)
	}

	_, err := p.ExecuteRecovery("job-1", types.StrategyRetryCurrentStep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded max retries")

	// Other jobs keep their own budget.
	_, err = p.ExecuteRecovery("job-2", types.StrategyRetryCurrentStep)
	assert.NoError(t, err)

	p.ResetRetries("job-1")
	result, err := p.ExecuteRecovery("job-1", types.StrategyRetryCurrentStep)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RetriesUsed)
}

// TestExecuteResumeCreditsCheckpointProgress tests the time-saved math
func TestExecuteResumeCreditsCheckpointProgress(t *testing.T) {
	p := newTestPlanner(t)
	saveCheckpointAt(t, p, "job-1", 33.0)
	saveCheckpointAt(t, p, "job-1", 67.5) // latest wins

	result, err := p.ExecuteRecovery("job-1", types.StrategyResumeFromCheckpoint)
	require.NoError(t, err)
	assert.InDelta(t, 67.5, result.TimeSavedPct, 0.001)
	assert.NotEmpty(t, result.Message)
}

// TestExecuteResumeWithoutCheckpoint tests the missing-checkpoint guard
func TestExecuteResumeWithoutCheckpoint(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.ExecuteRecovery("job-1", types.StrategyResumeFromCheckpoint)
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))
}

// TestCheckpointsAreAppendOnly tests ordering and accumulation
func TestCheckpointsAreAppendOnly(t *testing.T) {
	p := newTestPlanner(t)
	saveCheckpointAt(t, p, "job-1", 10)
	saveCheckpointAt(t, p, "job-1", 20)
	saveCheckpointAt(t, p, "job-1", 30)

	cps, err := p.Checkpoints("job-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.InDelta(t, 10, cps[0].ProgressPct, 0.001)
	assert.InDelta(t, 30, cps[2].ProgressPct, 0.001)
}
