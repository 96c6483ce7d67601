package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// RecordStore persists records with a unique (category, fingerprint) key.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]acquire.Record
	byKey   map[string]string
	seq     int
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]acquire.Record),
		byKey:   make(map[string]string),
	}
}

// Persist stores record and returns its ID. A second record with the same
// category and fingerprint fails with acquire.ErrDuplicateRecord.
func (s *RecordStore) Persist(ctx context.Context, record acquire.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &acquire.StorageError{Op: "persist", Err: err}
	}
	key := record.Category + "/" + record.Fingerprint
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; exists {
		return "", acquire.ErrDuplicateRecord
	}
	if record.ID == "" {
		s.seq++
		record.ID = fmt.Sprintf("rec-%d", s.seq)
	}
	s.records[record.ID] = record
	s.byKey[key] = record.ID
	return record.ID, nil
}

// Summary counts stored records per category and averages their quality.
func (s *RecordStore) Summary(ctx context.Context) (acquire.RecordSummary, error) {
	if err := ctx.Err(); err != nil {
		return acquire.RecordSummary{}, &acquire.StorageError{Op: "summarize records", Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := acquire.RecordSummary{ByCategory: make(map[string]int)}
	var quality float64
	for _, rec := range s.records {
		out.Total++
		out.ByCategory[rec.Category]++
		quality += rec.QualityScore
	}
	if out.Total > 0 {
		out.AverageQuality = quality / float64(out.Total)
	}
	return out, nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error {
	return nil
}
