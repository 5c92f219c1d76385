package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore()
	require.NoError(t, store.Open(":memory:"))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetRun(t *testing.T) {
	store := openTestStore(t)

	run, err := store.CreateRun("local")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "local", got.Environment)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRunNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetRun("nope")
	assert.ErrorContains(t, err, "run not found")
}

func TestCompleteRun(t *testing.T) {
	store := openTestStore(t)

	run, err := store.CreateRun("local")
	require.NoError(t, err)

	require.NoError(t, store.CompleteRun(run.ID, RunStatusFailure, "stage select failed"))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailure, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "stage select failed", got.Error)
}

func TestCompleteRunNotFound(t *testing.T) {
	store := openTestStore(t)

	err := store.CompleteRun("nope", RunStatusSuccess, "")
	assert.ErrorContains(t, err, "run not found")
}

func TestListRunsNewestFirst(t *testing.T) {
	store := openTestStore(t)

	first, err := store.CreateRun("local")
	require.NoError(t, err)
	second, err := store.CreateRun("render")
	require.NoError(t, err)

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// started_at has second resolution on some platforms; both orders with
	// equal timestamps are acceptable, but the newest-first query must not
	// drop rows.
	ids := []string{runs[0].ID, runs[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	limited, err := store.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordAndGetStageRuns(t *testing.T) {
	store := openTestStore(t)

	run, err := store.CreateRun("local")
	require.NoError(t, err)

	require.NoError(t, store.RecordStageRun(&StageRun{
		RunID:        run.ID,
		Stage:        "select",
		Status:       "done",
		RowsAffected: 1200,
		SkippedRows:  1,
		ElapsedMS:    42,
	}))
	require.NoError(t, store.RecordStageRun(&StageRun{
		RunID:     run.ID,
		Stage:     "create",
		Status:    "failed",
		ElapsedMS: 7,
		Error:     "missing dependency",
	}))

	stageRuns, err := store.GetStageRuns(run.ID)
	require.NoError(t, err)
	require.Len(t, stageRuns, 2)

	assert.Equal(t, "select", stageRuns[0].Stage)
	assert.Equal(t, int64(1200), stageRuns[0].RowsAffected)
	assert.Equal(t, int64(1), stageRuns[0].SkippedRows)
	assert.Empty(t, stageRuns[0].Error)

	assert.Equal(t, "create", stageRuns[1].Stage)
	assert.Equal(t, "missing dependency", stageRuns[1].Error)
}

func TestNotOpened(t *testing.T) {
	store := NewSQLiteStore()

	_, err := store.CreateRun("local")
	assert.ErrorContains(t, err, "database not opened")

	err = store.RecordStageRun(&StageRun{RunID: "x", Stage: "select"})
	assert.ErrorContains(t, err, "database not opened")
}
