package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

// TestMemoryJobHistoryOrdering tests newest-first listing and that an
// entry with no completion time gets stamped on append
func TestMemoryJobHistoryOrdering(t *testing.T) {
	store := NewMemoryStore()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		job := &types.Job{
			ID:          string(rune('a' + i)),
			Status:      types.JobStatusCompleted,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.AppendJobHistory(job))
	}
	// No CompletedAt set: the store stamps append time, which sorts it
	// ahead of the hour-old entries.
	require.NoError(t, store.AppendJobHistory(&types.Job{
		ID:     "unstamped",
		Status: types.JobStatusFailed,
	}))

	all, err := store.ListJobHistory(0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "unstamped", all[0].ID)
	assert.False(t, all[0].CompletedAt.IsZero())
	assert.Equal(t, "c", all[1].ID)
	assert.Equal(t, "b", all[2].ID)
	assert.Equal(t, "a", all[3].ID)

	limited, err := store.ListJobHistory(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "unstamped", limited[0].ID)
}

// TestMemoryStoreReturnsCopies tests that mutating a returned job does
// not leak back into the store
func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.CreateJob(&types.Job{
		ID:     "job-1",
		Status: types.JobStatusQueued,
	}))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	got.Status = types.JobStatusFailed

	again, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, again.Status)
}
