// Package memory keeps jobs, records and blobs in process memory. It backs
// development runs and tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// JobStore keeps job snapshots keyed by ID.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]acquire.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]acquire.Job)}
}

// SaveJob upserts a snapshot. Snapshots older than the stored revision, and
// non-terminal snapshots of a terminal job, are ignored.
func (s *JobStore) SaveJob(_ context.Context, job acquire.Job) error {
	if job.ID == "" {
		return fmt.Errorf("save job: empty id: %w", acquire.ErrInvalidJob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.ID]; ok {
		if job.Revision < prev.Revision || (prev.Status.Terminal() && !job.Status.Terminal()) {
			return nil
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (acquire.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return acquire.Job{}, acquire.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns jobs newest first. An empty status matches all jobs.
func (s *JobStore) ListJobs(_ context.Context, status acquire.JobStatus) ([]acquire.Job, error) {
	s.mu.RLock()
	out := make([]acquire.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Ping always succeeds.
func (s *JobStore) Ping(context.Context) error {
	return nil
}
