package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

const jobColumns = "id, name, source, category, target_count, priority, status, counters, " +
	"success_rate, stalled, error_text, created_at, started_at, finished_at, last_progress_at, cursor, revision"

const terminalStatuses = "'completed', 'failed', 'cancelled'"

// JobStore keeps job snapshots in a single table, upserted on every save.
type JobStore struct {
	pool  Pool
	table string
}

// NewJobStore wraps pool. An empty table defaults to "jobs".
func NewJobStore(pool Pool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: table}, nil
}

// SaveJob upserts a snapshot. The update is skipped when the stored row has
// a higher revision, or when it is terminal and the snapshot is not.
func (s *JobStore) SaveJob(ctx context.Context, job acquire.Job) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	var cursor []byte
	if job.Cursor != nil {
		if cursor, err = json.Marshal(job.Cursor); err != nil {
			return fmt.Errorf("marshal cursor: %w", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s AS t (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	counters = EXCLUDED.counters,
	success_rate = EXCLUDED.success_rate,
	stalled = EXCLUDED.stalled,
	error_text = EXCLUDED.error_text,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	last_progress_at = EXCLUDED.last_progress_at,
	cursor = EXCLUDED.cursor,
	revision = EXCLUDED.revision
WHERE t.revision <= EXCLUDED.revision
	AND (t.status NOT IN (%s) OR EXCLUDED.status IN (%s))`, s.table, jobColumns, terminalStatuses, terminalStatuses)

	if _, err := s.pool.Exec(ctx, query,
		job.ID,
		job.Name,
		job.Source,
		job.Category,
		job.TargetCount,
		job.Priority,
		string(job.Status),
		counters,
		job.SuccessRate,
		job.Stalled,
		job.Error,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
		job.LastProgressAt,
		cursor,
		job.Revision,
	); err != nil {
		return &acquire.StorageError{Op: "save job", Err: err}
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, id string) (acquire.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return acquire.Job{}, acquire.ErrJobNotFound
		}
		return acquire.Job{}, &acquire.StorageError{Op: "get job", Err: err}
	}
	return job, nil
}

// ListJobs returns jobs newest first, filtered by status when non-empty.
func (s *JobStore) ListJobs(ctx context.Context, status acquire.JobStatus) ([]acquire.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC`, jobColumns, s.table))
	} else {
		rows, err = s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC`, jobColumns, s.table),
			string(status))
	}
	if err != nil {
		return nil, &acquire.StorageError{Op: "list jobs", Err: err}
	}
	defer rows.Close()

	var out []acquire.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &acquire.StorageError{Op: "scan job", Err: err}
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &acquire.StorageError{Op: "list jobs", Err: err}
	}
	return out, nil
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping jobs: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (acquire.Job, error) {
	var (
		job      acquire.Job
		status   string
		counters []byte
		started  *time.Time
		finished *time.Time
		cursor   []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Source,
		&job.Category,
		&job.TargetCount,
		&job.Priority,
		&status,
		&counters,
		&job.SuccessRate,
		&job.Stalled,
		&job.Error,
		&job.CreatedAt,
		&started,
		&finished,
		&job.LastProgressAt,
		&cursor,
		&job.Revision,
	); err != nil {
		return acquire.Job{}, err
	}
	job.Status = acquire.JobStatus(status)
	job.StartedAt = started
	job.FinishedAt = finished
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return acquire.Job{}, fmt.Errorf("decode counters: %w", err)
		}
	}
	if len(cursor) > 0 {
		job.Cursor = &acquire.DiscoveryCursor{}
		if err := json.Unmarshal(cursor, job.Cursor); err != nil {
			return acquire.Job{}, fmt.Errorf("decode cursor: %w", err)
		}
	}
	return job, nil
}
