package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndRecentRuns(t *testing.T) {
	db := openTestDB(t)

	run := &Run{
		ID:          NewRunID(),
		ConfigPath:  "/etc/scst.conf",
		ControlRoot: "/sys/kernel/scst_tgt",
		StartedAt:   time.Now().Add(-time.Second),
		FinishedAt:  time.Now(),
		Outcome:     OutcomeSuccess,
	}
	require.NoError(t, db.RecordRun(run))

	runs, err := db.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, OutcomeSuccess, runs[0].Outcome)
}

func TestRecordRunWithAggregatedErrors(t *testing.T) {
	db := openTestDB(t)

	partial := &scsterr.PartialConvergenceError{}
	partial.Add(&scsterr.OperationError{Path: "targets/iscsi/t1", Verb: "submit", Reason: "del_target t1"})

	run := &Run{
		ID:        NewRunID(),
		StartedAt: time.Now(),
		Outcome:   OutcomePartial,
		Errors:    RunErrorsFrom(partial),
	}
	require.NoError(t, db.RecordRun(run))

	errs, err := db.ErrorsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "targets/iscsi/t1", errs[0].Path)
}

func TestRunErrorsFrom_NilIsEmpty(t *testing.T) {
	assert.Empty(t, RunErrorsFrom(nil))
}
