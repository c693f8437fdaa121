package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

func newJobMock(t *testing.T) (pgxmock.PgxPoolIface, *JobStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewJobStore(mock)
}

func TestJobStore_ApplyProgress_IncrementsUnderLock(t *testing.T) {
	t.Parallel()

	mock, store := newJobMock(t)
	current, err := json.Marshal(crawl.Progress{ProductsParsed: 2})
	require.NoError(t, err)
	expected, err := json.Marshal(crawl.Progress{ProductsParsed: 3, ProductsScored: 1})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT progress FROM crawl_jobs").
		WithArgs("job1").
		WillReturnRows(pgxmock.NewRows([]string{"progress"}).AddRow(current))
	mock.ExpectExec("UPDATE crawl_jobs SET progress").
		WithArgs("job1", expected).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = store.ApplyProgress(context.Background(), "job1",
		crawl.Progress{ProductsParsed: 1, ProductsScored: 1})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ApplyProgress_MissingJob(t *testing.T) {
	t.Parallel()

	mock, store := newJobMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT progress FROM crawl_jobs").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"progress"}))
	mock.ExpectRollback()

	err := store.ApplyProgress(context.Background(), "ghost", crawl.Progress{Errors: 1})
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_SetStatus_Guarded(t *testing.T) {
	t.Parallel()

	mock, store := newJobMock(t)
	at := time.Unix(500, 0).UTC()

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs(crawl.JobCompleted, "", at, "job1", []string{"running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetStatus(context.Background(), "job1", crawl.JobCompleted,
		[]crawl.JobStatus{crawl.JobRunning}, "", at)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs(crawl.JobCompleted, "", at, "job1", []string{"running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetStatus(context.Background(), "job1", crawl.JobCompleted,
		[]crawl.JobStatus{crawl.JobRunning}, "", at)
	require.ErrorIs(t, err, crawl.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_AppendLog_TrimsRing(t *testing.T) {
	t.Parallel()

	mock, store := newJobMock(t)
	at := time.Unix(900, 0).UTC()

	full := make([]crawl.LogEntry, maxJobLogs)
	for i := range full {
		full[i] = crawl.LogEntry{TS: at, Level: "info", Msg: "old"}
	}
	raw, err := json.Marshal(full)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT logs FROM crawl_jobs").
		WithArgs("job1").
		WillReturnRows(pgxmock.NewRows([]string{"logs"}).AddRow(raw))
	mock.ExpectExec("UPDATE crawl_jobs SET logs").
		WithArgs("job1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.AppendLog(context.Background(), "job1", "info", "new entry", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_Get_NotFound(t *testing.T) {
	t.Parallel()

	mock, store := newJobMock(t)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "config", "progress", "logs", "error_message",
			"created_at", "started_at", "completed_at",
		}))

	_, err := store.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
