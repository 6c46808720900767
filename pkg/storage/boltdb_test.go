package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestJobCRUD tests job persistence round-trips
func TestJobCRUD(t *testing.T) {
	store := newTestStore(t)

	job := &types.Job{
		ID:          "job-1",
		SourceFile:  "benchy.gcode",
		Priority:    5,
		Status:      types.JobStatusQueued,
		MaxAttempts: 3,
		SubmittedAt: time.Now().UTC(),
		Metadata:    map[string]any{"submitted_via": "agent"},
	}
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "benchy.gcode", got.SourceFile)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.Equal(t, "agent", got.Metadata["submitted_via"])

	got.Status = types.JobStatusAssigned
	got.AssignedPrinter = "voron-01"
	got.Attempt = 1
	require.NoError(t, store.UpdateJob(got))

	updated, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusAssigned, updated.Status)
	assert.Equal(t, "voron-01", updated.AssignedPrinter)
	assert.Equal(t, 1, updated.Attempt)

	require.NoError(t, store.DeleteJob("job-1"))
	_, err = store.GetJob("job-1")
	assert.Error(t, err)
}

// TestGetJobNotFoundCode tests that a missing job carries the
// JOB_NOT_FOUND code
func TestGetJobNotFoundCode(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob("missing")
	require.Error(t, err)

	var coded *types.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, types.CodeJobNotFound, coded.Code)
}

// TestJobHistoryOrdering tests that history lists newest first and
// respects the limit
func TestJobHistoryOrdering(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		job := &types.Job{
			ID:          string(rune('a' + i)),
			Status:      types.JobStatusCompleted,
			Priority:    i,
			Attempt:     1,
			CompletedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendJobHistory(job))
	}

	all, err := store.ListJobHistory(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "e", all[0].ID, "newest entry first")
	assert.Equal(t, "a", all[4].ID)

	limited, err := store.ListJobHistory(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "e", limited[0].ID)
	assert.Equal(t, "d", limited[1].ID)

	// Priority and attempt are first-class columns in history rows
	assert.Equal(t, 4, all[0].Priority)
	assert.Equal(t, 1, all[0].Attempt)
}

// TestPrinterCRUD tests printer registration persistence
func TestPrinterCRUD(t *testing.T) {
	store := newTestStore(t)

	printer := &types.PrinterRecord{
		ID:          "voron-01",
		AdapterType: types.AdapterMoonraker,
		Connection:  map[string]string{"host": "voron.local"},
		Capabilities: &types.Capabilities{
			CanUpload:      true,
			CanSendGCode:   true,
			FileExtensions: []string{".gcode"},
		},
		Status:        types.PrinterStatusIdle,
		SafetyProfile: "voron_24",
		RegisteredAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreatePrinter(printer))

	got, err := store.GetPrinter("voron-01")
	require.NoError(t, err)
	assert.Equal(t, types.AdapterMoonraker, got.AdapterType)
	assert.Equal(t, "voron.local", got.Connection["host"])
	assert.True(t, got.Capabilities.CanUpload)

	list, err := store.ListPrinters()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeletePrinter("voron-01"))
	list, err = store.ListPrinters()
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestCheckpoints tests checkpoint append and latest-by-job lookup
func TestCheckpoints(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, jobID := range []string{"job-1", "job-1", "job-2"} {
		cp := &types.Checkpoint{
			ID:          string(rune('a' + i)),
			JobID:       jobID,
			PrinterID:   "voron-01",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Phase:       "INFILL",
			ProgressPct: float64(10 * (i + 1)),
			State:       types.CheckpointState{ZHeight: 4.2, LayerNumber: 21},
		}
		require.NoError(t, store.SaveCheckpoint(cp))
	}

	cps, err := store.ListCheckpoints("job-1")
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	latest, err := store.LatestCheckpoint("job-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.ID)
	assert.Equal(t, 20.0, latest.ProgressPct)

	none, err := store.LatestCheckpoint("job-3")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestAuditOrdering tests that audit listing is newest first with a
// limit
func TestAuditOrdering(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	tools := []string{"send_gcode", "start_print", "emergency_stop"}
	for i, tool := range tools {
		entry := &types.AuditEntry{
			ID:          string(rune('a' + i)),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			ToolName:    tool,
			SafetyLevel: types.SafetyLevelConfirm,
			Action:      "executed",
		}
		require.NoError(t, store.AppendAudit(entry))
	}

	entries, err := store.ListAudit(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "emergency_stop", entries[0].ToolName)
	assert.Equal(t, "start_print", entries[1].ToolName)
}

// TestMaterials tests loaded-material records
func TestMaterials(t *testing.T) {
	store := newTestStore(t)

	// Absent record is not an error
	none, err := store.GetMaterial("voron-01")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, store.SetMaterial(&types.Material{
		PrinterID: "voron-01",
		Type:      "PLA",
		Color:     "galaxy black",
		LoadedAt:  time.Now().UTC(),
	}))

	got, err := store.GetMaterial("voron-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PLA", got.Type)

	require.NoError(t, store.DeleteMaterial("voron-01"))
	none, err = store.GetMaterial("voron-01")
	require.NoError(t, err)
	assert.Nil(t, none)
}
