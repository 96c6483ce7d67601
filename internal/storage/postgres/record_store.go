package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

const uniqueViolation = "23505"

// RecordStore writes validated records. The (category, fingerprint) unique
// key is the durable duplicate check.
type RecordStore struct {
	pool  Pool
	table string
}

// NewRecordStore wraps pool. An empty table defaults to "records".
func NewRecordStore(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Persist inserts record and returns its ID, or acquire.ErrDuplicateRecord
// when the fingerprint is already stored for the category.
func (s *RecordStore) Persist(ctx context.Context, record acquire.Record) (string, error) {
	if record.ID == "" {
		return "", &acquire.StorageError{Op: "persist", Err: errors.New("record id is required")}
	}
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return "", &acquire.StorageError{Op: "persist", Err: fmt.Errorf("marshal fields: %w", err)}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, job_id, source, category, fingerprint, fields, quality_score, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (category, fingerprint) DO NOTHING
RETURNING id`, s.table)

	var id string
	err = s.pool.QueryRow(ctx, query,
		record.ID,
		record.JobID,
		record.Source,
		record.Category,
		record.Fingerprint,
		fields,
		record.QualityScore,
		record.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", acquire.ErrDuplicateRecord
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", acquire.ErrDuplicateRecord
		}
		return "", &acquire.StorageError{Op: "insert record", Err: err}
	}
	return id, nil
}

// Summary counts records per category and averages their quality scores.
func (s *RecordStore) Summary(ctx context.Context) (acquire.RecordSummary, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT category, COUNT(*), COALESCE(AVG(quality_score), 0) FROM %s GROUP BY category ORDER BY category`, s.table))
	if err != nil {
		return acquire.RecordSummary{}, &acquire.StorageError{Op: "summarize records", Err: err}
	}
	defer rows.Close()

	out := acquire.RecordSummary{ByCategory: make(map[string]int)}
	var weighted float64
	for rows.Next() {
		var (
			category string
			count    int64
			avg      float64
		)
		if err := rows.Scan(&category, &count, &avg); err != nil {
			return acquire.RecordSummary{}, &acquire.StorageError{Op: "scan summary", Err: err}
		}
		out.ByCategory[category] = int(count)
		out.Total += int(count)
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return acquire.RecordSummary{}, &acquire.StorageError{Op: "summarize records", Err: err}
	}
	if out.Total > 0 {
		out.AverageQuality = weighted / float64(out.Total)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping records: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *RecordStore) Close() {
	s.pool.Close()
}
