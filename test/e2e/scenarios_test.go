// Package e2e exercises full fleet flows in-process: every scenario
// drives the public tool surface against fake printer adapters, the
// same path an MCP client takes minus the transport.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/config"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/fleet"
	"github.com/kilnlabs/kiln/pkg/health"
	"github.com/kilnlabs/kiln/pkg/recovery"
	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/tools"
	"github.com/kilnlabs/kiln/pkg/types"
)

// rateGap clears every per-tool minimum call interval between
// consecutive gated calls of the same tool.
const rateGap = 600 * time.Millisecond

type fixture struct {
	dispatcher *tools.Dispatcher
	registry   *adapter.Registry
	broker     *events.Broker
	orch       *fleet.Orchestrator
	store      storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	registry := adapter.NewRegistry()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	orch, err := fleet.NewOrchestrator(store, registry, broker)
	require.NoError(t, err)

	cfg := &config.Config{
		Monitor: config.MonitorConfig{
			CheckCount:     10,
			Interval:       10 * time.Millisecond,
			DriftThreshold: 5.0,
		},
	}
	monitor := health.NewManager(registry, broker, store, cfg.MonitorPolicy(), 24)
	t.Cleanup(monitor.StopAll)

	d := tools.NewDispatcher(tools.Deps{
		Config:       cfg,
		Store:        store,
		Registry:     registry,
		Orchestrator: orch,
		Gate:         safety.NewGate(safety.Config{}, store, broker),
		Broker:       broker,
		Monitor:      monitor,
		Recovery:     recovery.NewPlanner(store, 3),
	})
	return &fixture{dispatcher: d, registry: registry, broker: broker, orch: orch, store: store}
}

// addIdlePrinter registers a fake and seeds its cached state the way
// the poller would.
func (f *fixture) addIdlePrinter(t *testing.T, id string) *adapter.Fake {
	t.Helper()
	fake := adapter.NewFake(id, "prusa_mk4")
	require.NoError(t, f.registry.Register(fake))
	f.registry.UpdateState(id, &types.PrinterState{
		Connected: true,
		Status:    types.PrinterStatusIdle,
	})
	return fake
}

func (f *fixture) call(t *testing.T, tool string, args map[string]any) map[string]any {
	t.Helper()
	return f.dispatcher.Dispatch(context.Background(), tool, args)
}

func (f *fixture) mustCall(t *testing.T, tool string, args map[string]any) map[string]any {
	t.Helper()
	env := f.call(t, tool, args)
	require.Equal(t, true, env["success"], "%s failed: %v", tool, env)
	return env
}

func (f *fixture) submit(t *testing.T, args map[string]any) string {
	t.Helper()
	env := f.mustCall(t, "submit_job", args)
	jobID, _ := env["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}

func (f *fixture) job(t *testing.T, jobID string) *types.Job {
	t.Helper()
	env := f.mustCall(t, "job_status", map[string]any{"job_id": jobID})
	job, ok := env["job"].(*types.Job)
	require.True(t, ok)
	return job
}

func errCode(t *testing.T, env map[string]any) string {
	t.Helper()
	require.Equal(t, false, env["success"], "expected failure, got %v", env)
	errObj, ok := env["error"].(map[string]any)
	require.True(t, ok)
	code, _ := errObj["code"].(string)
	return code
}

// TestHappyAssignment walks one job from submission to completion on a
// single idle printer
func TestHappyAssignment(t *testing.T) {
	f := newFixture(t)
	f.addIdlePrinter(t, "p1")

	jobID := f.submit(t, map[string]any{"source_file": "benchy.gcode"})

	env := f.mustCall(t, "assign_job", map[string]any{"job_id": jobID})
	result, ok := env["assignment"].(*types.AssignmentResult)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, "p1", result.PrinterID)

	job := f.job(t, jobID)
	assert.Equal(t, types.JobStatusAssigned, job.Status)
	assert.Equal(t, "p1", job.AssignedPrinter)
	assert.Equal(t, 1, job.Attempt)

	f.mustCall(t, "mark_job_printing", map[string]any{"job_id": jobID})
	f.mustCall(t, "mark_job_completed", map[string]any{"job_id": jobID})

	assert.Equal(t, types.JobStatusCompleted, f.job(t, jobID).Status)
	_, bound := f.orch.JobForPrinter("p1")
	assert.False(t, bound, "completed job must release its printer")
}

// TestReassignmentOnFailure tests that a failed attempt requeues the
// job and the next assignment avoids the printer that failed it
func TestReassignmentOnFailure(t *testing.T) {
	f := newFixture(t)
	f.addIdlePrinter(t, "p1")
	f.addIdlePrinter(t, "p2")

	jobID := f.submit(t, map[string]any{"source_file": "bracket.gcode", "preferred_printer": "p1"})
	f.mustCall(t, "assign_job", map[string]any{"job_id": jobID})
	require.Equal(t, "p1", f.job(t, jobID).AssignedPrinter)

	env := f.mustCall(t, "mark_job_failed", map[string]any{"job_id": jobID, "reason": "extruder clog"})
	assert.Equal(t, true, env["will_retry"])

	job := f.job(t, jobID)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, []string{"p1"}, job.FailedPrinters)
	_, bound := f.orch.JobForPrinter("p1")
	assert.False(t, bound)

	f.mustCall(t, "assign_job", map[string]any{"job_id": jobID})
	assert.Equal(t, "p2", f.job(t, jobID).AssignedPrinter)

	f.mustCall(t, "mark_job_printing", map[string]any{"job_id": jobID})
	f.mustCall(t, "mark_job_completed", map[string]any{"job_id": jobID})
	assert.Equal(t, types.JobStatusCompleted, f.job(t, jobID).Status)
}

// TestRetryExhaustion tests that a job fails terminally once its
// attempt budget is spent
func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.addIdlePrinter(t, "p1")
	f.addIdlePrinter(t, "p2")

	jobID := f.submit(t, map[string]any{"source_file": "vase.gcode", "max_attempts": 2.0})

	f.mustCall(t, "assign_job", map[string]any{"job_id": jobID})
	first := f.job(t, jobID).AssignedPrinter
	env := f.mustCall(t, "mark_job_failed", map[string]any{"job_id": jobID, "reason": "layer shift"})
	assert.Equal(t, true, env["will_retry"])

	f.mustCall(t, "assign_job", map[string]any{"job_id": jobID})
	second := f.job(t, jobID).AssignedPrinter
	assert.NotEqual(t, first, second)

	env = f.mustCall(t, "mark_job_failed", map[string]any{"job_id": jobID, "reason": "layer shift"})
	assert.Equal(t, false, env["will_retry"])

	job := f.job(t, jobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Len(t, job.FailedPrinters, 2)
	assert.Contains(t, job.FailedPrinters, "p1")
	assert.Contains(t, job.FailedPrinters, "p2")
}

// TestPriorityOrdering tests that assign_all drains the queue by
// priority, then by submission age
func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t)
	f.addIdlePrinter(t, "p1")

	low := f.submit(t, map[string]any{"source_file": "low.gcode"})
	time.Sleep(250 * time.Millisecond)
	mid := f.submit(t, map[string]any{"source_file": "mid.gcode"})
	time.Sleep(250 * time.Millisecond)
	high := f.submit(t, map[string]any{"source_file": "high.gcode", "priority": 5.0})

	env := f.mustCall(t, "assign_all", nil)
	assert.Equal(t, 1, env["assigned"])
	assert.Equal(t, types.JobStatusAssigned, f.job(t, high).Status)
	assert.Equal(t, types.JobStatusQueued, f.job(t, low).Status)
	assert.Equal(t, types.JobStatusQueued, f.job(t, mid).Status)

	f.mustCall(t, "mark_job_printing", map[string]any{"job_id": high})
	f.mustCall(t, "mark_job_completed", map[string]any{"job_id": high})

	env = f.mustCall(t, "assign_all", nil)
	assert.Equal(t, 1, env["assigned"])
	assert.Equal(t, types.JobStatusAssigned, f.job(t, low).Status, "older job wins the tie")
	assert.Equal(t, types.JobStatusQueued, f.job(t, mid).Status)
}

// TestGCodeBlocking tests that a dangerous batch is refused before any
// byte reaches the printer and counts toward the breaker
func TestGCodeBlocking(t *testing.T) {
	f := newFixture(t)
	fake := f.addIdlePrinter(t, "p1") // prusa_mk4 hotend ceiling is below 320

	env := f.call(t, "send_gcode", map[string]any{
		"commands": []any{"M140 S200", "M104 S320"},
	})
	assert.Equal(t, string(types.CodeGCodeBlocked), errCode(t, env))

	blocked, ok := env["blocked_commands"].([]string)
	require.True(t, ok, "blocked_commands missing: %v", env)
	assert.Contains(t, blocked, "M104 S320")
	assert.Empty(t, fake.GCodeSent(), "no bytes may reach the printer")

	env = f.mustCall(t, "safety_status", nil)
	status, ok := env["status"].(*safety.Status)
	require.True(t, ok)
	assert.Equal(t, 1, status.RecentBlocks["send_gcode"], "a dangerous batch is one breaker block")
}

// TestCircuitBreakerEscalation tests that three blocks inside the
// window trip a cooldown and the next call is refused as escalated
func TestCircuitBreakerEscalation(t *testing.T) {
	f := newFixture(t)
	fake := f.addIdlePrinter(t, "p1")

	for i := 0; i < 3; i++ {
		env := f.call(t, "send_gcode", map[string]any{"commands": []any{"M104 S320"}})
		assert.Equal(t, string(types.CodeGCodeBlocked), errCode(t, env), "block %d", i+1)
		time.Sleep(rateGap)
	}

	// Valid G-code, but the tool is cooling down.
	env := f.call(t, "send_gcode", map[string]any{"commands": []any{"G28"}})
	assert.Equal(t, string(types.CodeSafetyEscalated), errCode(t, env))
	assert.Empty(t, fake.GCodeSent())

	escalations := f.broker.History(10, types.EventSafetyEscalated)
	require.Len(t, escalations, 1)
	assert.Equal(t, "send_gcode", escalations[0].Data["tool"])

	env = f.mustCall(t, "safety_status", nil)
	status, ok := env["status"].(*safety.Status)
	require.True(t, ok)
	until, cooling := status.Cooldowns["send_gcode"]
	require.True(t, cooling, "cooldown must be visible in the gate status")
	assert.True(t, until.After(time.Now().Add(4*time.Minute)), "cooldown runs about five minutes")
}

// TestRecoveryAfterPowerLoss tests checkpoint-driven recovery through
// the tool surface: save a checkpoint, lose power, resume from it
func TestRecoveryAfterPowerLoss(t *testing.T) {
	f := newFixture(t)
	f.addIdlePrinter(t, "p1")

	jobID := f.submit(t, map[string]any{"source_file": "statue.gcode"})
	f.mustCall(t, "assign_job", map[string]any{"job_id": jobID})
	f.mustCall(t, "mark_job_printing", map[string]any{"job_id": jobID})

	f.mustCall(t, "save_checkpoint", map[string]any{
		"job_id":           jobID,
		"printer_id":       "p1",
		"phase":            "printing",
		"progress_percent": 58.0,
		"state":            map[string]any{"z_height": 23.4, "layer_number": 117.0},
	})

	env := f.mustCall(t, "plan_recovery", map[string]any{
		"job_id":           jobID,
		"failure_type":     "POWER_LOSS",
		"progress_percent": 58.0,
	})
	rec, ok := env["recommendation"].(*types.Recommendation)
	require.True(t, ok)
	assert.Equal(t, types.StrategyResumeFromCheckpoint, rec.Primary)

	env = f.mustCall(t, "execute_recovery", map[string]any{
		"job_id":   jobID,
		"strategy": "RESUME_FROM_CHECKPOINT",
	})
	result, ok := env["result"].(*types.RecoveryResult)
	require.True(t, ok)
	assert.InDelta(t, 58.0, result.TimeSavedPct, 0.001)
}

// TestMonitoringSessionLifecycle tests health monitoring around an
// active print through the tool surface
func TestMonitoringSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	fake := f.addIdlePrinter(t, "p1")
	fake.SetStatus(types.PrinterStatusPrinting, true)

	env := f.mustCall(t, "start_monitoring", map[string]any{
		"interval_seconds": 1.0,
		"check_count":      100.0,
	})
	sessionID, _ := env["session_id"].(string)
	require.NotEmpty(t, sessionID)

	env = f.mustCall(t, "check_health", nil)
	report, ok := env["report"].(*types.HealthReport)
	require.True(t, ok)
	assert.Equal(t, "p1", report.PrinterID)

	env = f.mustCall(t, "stop_monitoring", nil)
	session, ok := env["session"].(*types.HealthSession)
	require.True(t, ok)
	assert.Equal(t, sessionID, session.ID)

	// Stopping again returns the same snapshot.
	env = f.mustCall(t, "stop_monitoring", nil)
	again, ok := env["session"].(*types.HealthSession)
	require.True(t, ok)
	assert.Equal(t, sessionID, again.ID)
}

// TestRegisterUnregisterRoundTrip tests that registering, removing,
// and re-registering a printer restores the starting state
func TestRegisterUnregisterRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.addIdlePrinter(t, "p1")
	require.Equal(t, 1, f.registry.Len())

	f.mustCall(t, "unregister_printer", map[string]any{"printer_id": "p1"})
	assert.Zero(t, f.registry.Len())

	env := f.call(t, "printer_status", nil)
	assert.Equal(t, string(types.CodeNotFound), errCode(t, env))

	f.addIdlePrinter(t, "p1")
	assert.Equal(t, 1, f.registry.Len())
	f.mustCall(t, "printer_status", nil)
}
