package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func sampleRecord() acquire.Record {
	return acquire.Record{
		ID:           "rec-1",
		JobID:        "job-1",
		Source:       "quiz",
		Category:     "logic",
		Fingerprint:  "fp-abc",
		Fields:       acquire.ExtractedFields{Text: "Which comes next?", Options: []string{"a", "b", "c", "d"}, Answer: "b"},
		QualityScore: 0.82,
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestRecordStorePersist(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRecordStore(mock, "")
	require.NoError(t, err)

	rec := sampleRecord()
	fields, err := json.Marshal(rec.Fields)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO records").
		WithArgs(rec.ID, rec.JobID, rec.Source, rec.Category, rec.Fingerprint, fields, rec.QualityScore, rec.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("rec-1"))

	id, err := store.Persist(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "rec-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStorePersistErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantDup bool
	}{
		{"conflict skipped", pgx.ErrNoRows, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"connection lost", errors.New("conn closed"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock := newMock(t)
			store, err := NewRecordStore(mock, "records")
			require.NoError(t, err)

			mock.ExpectQuery("INSERT INTO records").WillReturnError(tc.err)
			_, err = store.Persist(context.Background(), sampleRecord())
			if tc.wantDup {
				require.ErrorIs(t, err, acquire.ErrDuplicateRecord)
				return
			}
			var storageErr *acquire.StorageError
			require.ErrorAs(t, err, &storageErr)
			require.Equal(t, "insert record", storageErr.Op)
		})
	}
}

func TestRecordStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore(nil, "")
	require.Error(t, err)

	mock := newMock(t)
	_, err = NewRecordStore(mock, "records; DROP TABLE x")
	require.Error(t, err)

	store, err := NewRecordStore(mock, "")
	require.NoError(t, err)
	rec := sampleRecord()
	rec.ID = ""
	_, err = store.Persist(context.Background(), rec)
	require.Error(t, err)
}

func jobRow(job acquire.Job, counters, cursor []byte) []any {
	return []any{
		job.ID, job.Name, job.Source, job.Category, job.TargetCount, job.Priority,
		string(job.Status), counters, job.SuccessRate, job.Stalled, job.Error,
		job.CreatedAt, job.StartedAt, job.FinishedAt, job.LastProgressAt, cursor, job.Revision,
	}
}

var jobCols = []string{
	"id", "name", "source", "category", "target_count", "priority", "status", "counters",
	"success_rate", "stalled", "error_text", "created_at", "started_at", "finished_at", "last_progress_at",
	"cursor", "revision",
}

func sampleJob() acquire.Job {
	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	return acquire.Job{
		ID:             "job-1",
		Name:           "quiz-logic",
		Source:         "quiz",
		Category:       "logic",
		TargetCount:    10,
		Status:         acquire.JobStatusRunning,
		Counters:       acquire.JobCounters{Attempted: 4, Saved: 3, Duplicates: 1},
		SuccessRate:    0.75,
		CreatedAt:      created,
		StartedAt:      &started,
		LastProgressAt: started,
		Revision:       3,
	}
}

func TestJobStoreSave(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	job := sampleJob()
	counters, err := json.Marshal(job.Counters)
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(jobRow(job, counters, nil)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveJob(context.Background(), job))

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("timeout"))
	var storageErr *acquire.StorageError
	require.ErrorAs(t, store.SaveJob(context.Background(), job), &storageErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGet(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	job := sampleJob()
	counters, err := json.Marshal(job.Counters)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(job, counters, nil)...))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.Counters, got.Counters)
	require.Equal(t, acquire.JobStatusRunning, got.Status)
	require.Equal(t, job.StartedAt, got.StartedAt)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, acquire.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreList(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	job := sampleJob()
	counters, err := json.Marshal(job.Counters)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE status").
		WithArgs("running").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(job, counters, nil)...))
	list, err := store.ListJobs(context.Background(), acquire.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "job-1", list[0].ID)

	mock.ExpectQuery("SELECT .+ FROM jobs ORDER BY").
		WillReturnRows(pgxmock.NewRows(jobCols))
	list, err = store.ListJobs(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, list)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingAndMigrate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	jobs, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, jobs.Ping(context.Background()))
	mock.ExpectPing().WillReturnError(errors.New("refused"))
	require.Error(t, jobs.Ping(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("ALTER TABLE jobs").WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock, "jobs", "records"))
	require.Error(t, Migrate(context.Background(), mock, "jobs", "bad-name"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreSaveGuardsTerminalRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	job := sampleJob()
	job.Cursor = &acquire.DiscoveryCursor{Next: 1, Pages: map[string]int{"series": 4}}
	counters, err := json.Marshal(job.Counters)
	require.NoError(t, err)
	cursor, err := json.Marshal(job.Cursor)
	require.NoError(t, err)

	// A stale snapshot matches no row; the statement still succeeds.
	mock.ExpectExec(`(?s)INSERT INTO jobs AS t .+ WHERE t\.revision <= EXCLUDED\.revision\s+AND \(t\.status NOT IN \('completed', 'failed', 'cancelled'\)`).
		WithArgs(jobRow(job, counters, cursor)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.NoError(t, store.SaveJob(context.Background(), job))

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(job, counters, cursor)...))
	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.Cursor, got.Cursor)
	require.EqualValues(t, 3, got.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreSummary(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRecordStore(mock, "records")
	require.NoError(t, err)

	mock.ExpectQuery("(?s)SELECT category, COUNT\\(\\*\\).+FROM records GROUP BY category").
		WillReturnRows(pgxmock.NewRows([]string{"category", "count", "avg"}).
			AddRow("logic", int64(3), 0.9).
			AddRow("verbal", int64(1), 0.5))

	summary, err := store.Summary(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, summary.Total)
	require.Equal(t, map[string]int{"logic": 3, "verbal": 1}, summary.ByCategory)
	require.InDelta(t, 0.8, summary.AverageQuality, 1e-9)

	mock.ExpectQuery("SELECT category").WillReturnError(errors.New("conn closed"))
	_, err = store.Summary(context.Background())
	var storageErr *acquire.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
