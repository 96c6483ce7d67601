// Package recurring submits standard jobs on cron schedules.
package recurring

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/jobs"
)

// Submitter launches a named standard job.
type Submitter interface {
	SubmitStandard(ctx context.Context, name string) (jobs.SubmitResult, error)
}

// Entry binds a standard job to a cron expression (five fields, or a
// descriptor such as "@daily").
type Entry struct {
	Name     string
	Schedule string
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New constructs a Scheduler.
func New(submitter Submitter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
		logger:    logger,
		entries:   make(map[string]cron.EntryID),
	}
}

// Add registers entries. Entries without a schedule are skipped; an invalid
// expression aborts registration.
func (s *Scheduler) Add(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Schedule == "" {
			continue
		}
		if _, exists := s.entries[e.Name]; exists {
			return fmt.Errorf("standard job %q already scheduled", e.Name)
		}
		name := e.Name
		id, err := s.cron.AddFunc(e.Schedule, func() { s.Trigger(name) })
		if err != nil {
			return fmt.Errorf("schedule standard job %q: %w", name, err)
		}
		s.entries[name] = id
		s.logger.Info("standard job scheduled", zap.String("name", name), zap.String("schedule", e.Schedule))
	}
	return nil
}

// Trigger submits the named job immediately.
func (s *Scheduler) Trigger(name string) {
	res, err := s.submitter.SubmitStandard(context.Background(), name)
	if err != nil {
		s.logger.Error("standard job submission failed", zap.String("name", name), zap.Error(err))
		return
	}
	s.logger.Info("standard job submitted", zap.String("name", name), zap.String("job_id", res.JobID))
}

// Names returns the scheduled job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runner and waits for running submissions, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
