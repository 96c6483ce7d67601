// Package scheduler runs acquisition tasks on a fixed pool of workers. It
// expands jobs into tasks lazily, keeps a bounded window of outstanding tasks
// per job, folds results into per-job counters through a single locked path
// and requeues failures according to the retry policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/discovery"
	"github.com/JakeFAU/acquisition-engine/internal/metrics"
	"github.com/JakeFAU/acquisition-engine/internal/progress"
)

// ErrNotRunning is returned when the pool has not been started or was shut down.
var ErrNotRunning = errors.New("scheduler not running")

// Runner executes one task.
type Runner interface {
	Run(ctx context.Context, task acquire.Task) acquire.FetchResult
}

// Queue holds tasks waiting for a worker.
type Queue interface {
	Enqueue(ctx context.Context, task acquire.Task) error
	Dequeue(ctx context.Context) (acquire.Task, error)
	RemoveJob(jobID string) int
	Len() int
	Close()
}

// Retrier decides whether failed tasks run again and when.
type Retrier interface {
	NextAttempt(task acquire.Task) (time.Duration, bool)
	NextThrottle(task acquire.Task) (time.Duration, bool)
}

// Profiles resolves source profiles.
type Profiles interface {
	Profile(id string) (acquire.SourceProfile, error)
}

// Observer receives job-level notifications. Calls are made without any
// scheduler lock held and may arrive from several goroutines; Version orders
// snapshots of the same job.
type Observer interface {
	JobProgress(snap Snapshot)
	JobDrained(snap Snapshot)
}

// Snapshot is a consistent view of one job's run state.
type Snapshot struct {
	JobID    string
	Version  uint64
	Counters acquire.JobCounters
	// Outstanding counts tasks queued, running or waiting for a retry.
	Outstanding int
	Stopped     bool
	StopReason  string
	Hard        bool
	Exhausted   bool
	// Cursor is the discovery position after the tasks dispatched so far.
	Cursor discovery.Cursor
}

// Metrics aggregates pool-wide state.
type Metrics struct {
	Workers     int                 `json:"workers"`
	Busy        int                 `json:"busy"`
	QueueDepth  int                 `json:"queue_depth"`
	ActiveJobs  int                 `json:"active_jobs"`
	Outstanding int                 `json:"outstanding_tasks"`
	Totals      acquire.JobCounters `json:"totals"`
}

// Config controls pool size and per-job fan-out.
type Config struct {
	Workers           int
	MaxInFlightPerJob int
}

type jobRun struct {
	id          string
	source      string
	category    string
	target      int
	priority    int
	seq         *discovery.Sequence
	ctx         context.Context
	cancel      context.CancelFunc
	counters    acquire.JobCounters
	outstanding int
	stopped     bool
	stopReason  string
	hard        bool
	exhausted   bool
	drained     bool
	version     uint64
	timers      map[*time.Timer]struct{}
}

func (r *jobRun) snapshot() Snapshot {
	return Snapshot{
		JobID:       r.id,
		Version:     r.version,
		Counters:    r.counters,
		Outstanding: r.outstanding,
		Stopped:     r.stopped,
		StopReason:  r.stopReason,
		Hard:        r.hard,
		Exhausted:   r.exhausted,
		Cursor:      r.seq.Cursor(),
	}
}

// Scheduler is the worker pool. Create with New, then Start.
type Scheduler struct {
	cfg      Config
	queue    Queue
	runner   Runner
	retrier  Retrier
	profiles Profiles
	ids      acquire.IDGenerator
	observer Observer
	events   progress.Emitter
	logger   *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*jobRun
	totals  acquire.JobCounters
	busy    int
	running bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler. observer and events may be nil.
func New(
	cfg Config,
	queue Queue,
	runner Runner,
	retrier Retrier,
	profiles Profiles,
	ids acquire.IDGenerator,
	observer Observer,
	events progress.Emitter,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxInFlightPerJob <= 0 {
		cfg.MaxInFlightPerJob = cfg.Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    queue,
		runner:   runner,
		retrier:  retrier,
		profiles: profiles,
		ids:      ids,
		observer: observer,
		events:   events,
		logger:   logger,
		jobs:     make(map[string]*jobRun),
	}
}

// SetObserver installs the job observer. It must be called before Start.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Start launches the worker goroutines. They exit when ctx ends or Shutdown
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.baseCtx, s.stop = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.loop(id)
		}(i)
	}
	s.logger.Info("scheduler started", zap.Int("workers", s.cfg.Workers), zap.Int("max_in_flight_per_job", s.cfg.MaxInFlightPerJob))
}

// Shutdown stops the workers and waits for them, or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, run := range s.jobs {
		for t := range run.timers {
			t.Stop()
		}
		run.timers = make(map[*time.Timer]struct{})
	}
	stop := s.stop
	s.mu.Unlock()

	stop()
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown wait: %w", ctx.Err())
	}
}

// Ready reports whether workers are accepting tasks.
func (s *Scheduler) Ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	return nil
}

// Submit registers job and dispatches its first window of tasks. A job that
// carries a cursor and counters resumes from them.
func (s *Scheduler) Submit(job acquire.Job) error {
	profile, err := s.profiles.Profile(job.Source)
	if err != nil {
		return err
	}
	seq, err := discovery.New(profile, job.Category, job.Cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already scheduled: %w", job.ID, acquire.ErrInvalidJob)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &jobRun{
		id:       job.ID,
		source:   job.Source,
		category: job.Category,
		target:   job.TargetCount,
		priority: job.Priority,
		seq:      seq,
		ctx:      ctx,
		cancel:   cancel,
		counters: job.Counters,
		timers:   make(map[*time.Timer]struct{}),
	}
	s.jobs[job.ID] = run
	s.fillLocked(run)
	snap, drained := s.settleLocked(run)
	s.mu.Unlock()

	s.emit(progress.Event{JobID: job.ID, Stage: progress.StageJobStart, Source: job.Source, Target: job.TargetCount})
	s.notify(snap, drained)
	return nil
}

// Stop halts dispatch for a job. Queued tasks are dropped; running tasks
// drain unless hard is set, in which case they are interrupted and their
// results discarded.
func (s *Scheduler) Stop(jobID, reason string, hard bool) error {
	s.mu.Lock()
	run, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, acquire.ErrJobNotFound)
	}
	s.stopLocked(run, reason)
	if hard && !run.hard {
		run.hard = true
		run.cancel()
	}
	run.version++
	snap, drained := s.settleLocked(run)
	s.mu.Unlock()

	s.notify(snap, drained)
	return nil
}

// Snapshot returns the current run state of a job.
func (s *Scheduler) Snapshot(jobID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return run.snapshot(), true
}

// DrainMetrics returns aggregate pool counters.
func (s *Scheduler) DrainMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Workers:    s.cfg.Workers,
		Busy:       s.busy,
		QueueDepth: s.queue.Len(),
		Totals:     s.totals,
	}
	for _, run := range s.jobs {
		if !run.drained {
			m.ActiveJobs++
		}
		m.Outstanding += run.outstanding
	}
	return m
}

// Forget drops a drained job's run state.
func (s *Scheduler) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.jobs[jobID]; ok && run.drained {
		run.cancel()
		delete(s.jobs, jobID)
	}
}

func (s *Scheduler) loop(worker int) {
	for {
		task, err := s.queue.Dequeue(s.baseCtx)
		if err != nil {
			return
		}
		metrics.SetQueueDepth(s.queue.Len())

		s.mu.Lock()
		run, ok := s.jobs[task.JobID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if run.stopped {
			run.outstanding--
			run.version++
			snap, drained := s.settleLocked(run)
			s.mu.Unlock()
			s.notify(snap, drained)
			continue
		}
		s.busy++
		ctx := run.ctx
		s.mu.Unlock()

		task.Attempt++
		metrics.IncActiveWorkers()
		res := s.runner.Run(ctx, task)
		metrics.DecActiveWorkers()

		s.record(run, task, res)
		s.logger.Debug("task completed",
			zap.Int("worker", worker),
			zap.String("job_id", task.JobID),
			zap.String("task_id", task.ID),
			zap.String("outcome", string(res.Outcome)),
		)
	}
}

// record is the single aggregation path for task results.
func (s *Scheduler) record(run *jobRun, task acquire.Task, res acquire.FetchResult) {
	s.mu.Lock()
	s.busy--
	if run.hard {
		run.outstanding--
		run.version++
		snap, drained := s.settleLocked(run)
		s.mu.Unlock()
		s.notify(snap, drained)
		return
	}

	final := true
	before := run.counters
	c := &run.counters
	switch res.Outcome {
	case acquire.OutcomeSuccess:
		c.Attempted++
		if c.Saved < run.target {
			c.Saved++
		} else {
			c.Surplus++
		}
		run.seq.ReportSuccess(task.Subcategory)
	case acquire.OutcomeSuccessDiscarded:
		c.Attempted++
		c.Duplicates++
	case acquire.OutcomeLowQuality:
		c.Attempted++
		c.LowQuality++
	case acquire.OutcomeRateLimited:
		c.RateLimited++
		if delay, ok := s.retrier.NextThrottle(task); ok && !run.stopped && s.running {
			task.Throttles++
			task.Attempt--
			s.requeueLocked(run, task, delay, "rate_limited")
			final = false
		} else {
			c.Attempted++
			c.Failed++
		}
	case acquire.OutcomeTransient:
		if delay, ok := s.retrier.NextAttempt(task); ok && !run.stopped && s.running {
			c.Retried++
			s.requeueLocked(run, task, delay, "transient")
			final = false
		} else {
			c.Attempted++
			c.Failed++
		}
	default:
		c.Attempted++
		c.Failed++
		run.seq.ReportPermanent(task.Subcategory)
	}
	if final {
		run.outstanding--
	}
	s.addTotalsLocked(before, run.counters)

	if c.Saved >= run.target {
		s.stopLocked(run, "target reached")
	}
	s.fillLocked(run)
	run.version++
	snap, drained := s.settleLocked(run)
	s.mu.Unlock()

	stage := progress.StageTaskDone
	if !final {
		stage = progress.StageTaskRequeued
	}
	note := ""
	if res.Err != nil {
		note = res.Err.Error()
	}
	s.emit(progress.Event{
		JobID:     run.id,
		Stage:     stage,
		Source:    task.Source,
		URL:       task.URL,
		Outcome:   string(res.Outcome),
		Attempt:   task.Attempt,
		Saved:     snap.Counters.Saved,
		Attempted: snap.Counters.Attempted,
		Dur:       res.Duration,
		Note:      note,
	})
	s.notify(snap, drained)
}

func (s *Scheduler) addTotalsLocked(before, after acquire.JobCounters) {
	s.totals.Attempted += after.Attempted - before.Attempted
	s.totals.Saved += after.Saved - before.Saved
	s.totals.Duplicates += after.Duplicates - before.Duplicates
	s.totals.LowQuality += after.LowQuality - before.LowQuality
	s.totals.Failed += after.Failed - before.Failed
	s.totals.Retried += after.Retried - before.Retried
	s.totals.RateLimited += after.RateLimited - before.RateLimited
	s.totals.Surplus += after.Surplus - before.Surplus
}

// fillLocked tops the job's outstanding window up from the discovery sequence.
func (s *Scheduler) fillLocked(run *jobRun) {
	if run.stopped {
		return
	}
	window := run.target - run.counters.Saved
	if window > s.cfg.MaxInFlightPerJob {
		window = s.cfg.MaxInFlightPerJob
	}
	for run.outstanding < window {
		target, ok := run.seq.Next()
		if !ok {
			run.exhausted = true
			return
		}
		id := fmt.Sprintf("%s-%d", run.id, run.version)
		if s.ids != nil {
			if generated, err := s.ids.NewID(); err == nil {
				id = generated
			}
		}
		task := acquire.Task{
			ID:          id,
			JobID:       run.id,
			Source:      run.source,
			Category:    run.category,
			Subcategory: target.Subcategory,
			URL:         target.URL,
			Priority:    run.priority,
		}
		if err := s.queue.Enqueue(run.ctx, task); err != nil {
			s.logger.Warn("enqueue task failed", zap.String("job_id", run.id), zap.Error(err))
			return
		}
		run.outstanding++
		run.version++
	}
	if run.seq.Exhausted() {
		run.exhausted = true
	}
}

func (s *Scheduler) stopLocked(run *jobRun, reason string) {
	if run.stopped {
		return
	}
	run.stopped = true
	run.stopReason = reason
	run.outstanding -= s.queue.RemoveJob(run.id)
	for t := range run.timers {
		// A timer that already fired accounts for itself.
		if t.Stop() {
			run.outstanding--
			delete(run.timers, t)
		}
	}
	s.logger.Info("job dispatch stopped", zap.String("job_id", run.id), zap.String("reason", reason))
}

func (s *Scheduler) requeueLocked(run *jobRun, task acquire.Task, delay time.Duration, reason string) {
	metrics.ObserveRequeue(reason)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(run.timers, timer)
		if run.stopped || !s.running {
			run.outstanding--
			run.version++
			snap, drained := s.settleLocked(run)
			s.mu.Unlock()
			s.notify(snap, drained)
			return
		}
		err := s.queue.Enqueue(run.ctx, task)
		if err != nil {
			run.outstanding--
			run.counters.Attempted++
			run.counters.Failed++
			s.totals.Attempted++
			s.totals.Failed++
			run.version++
		}
		snap, drained := s.settleLocked(run)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("requeue failed", zap.String("job_id", run.id), zap.Error(err))
			s.notify(snap, drained)
		}
	})
	run.timers[timer] = struct{}{}
}

// settleLocked snapshots run and reports whether it just finished draining.
func (s *Scheduler) settleLocked(run *jobRun) (Snapshot, bool) {
	drained := false
	if !run.drained && run.outstanding <= 0 && (run.stopped || run.exhausted) {
		run.outstanding = 0
		run.drained = true
		drained = true
	}
	return run.snapshot(), drained
}

func (s *Scheduler) notify(snap Snapshot, drained bool) {
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer == nil {
		return
	}
	observer.JobProgress(snap)
	if drained {
		observer.JobDrained(snap)
		s.emit(progress.Event{JobID: snap.JobID, Stage: progress.StageJobDone, Saved: snap.Counters.Saved, Attempted: snap.Counters.Attempted, Note: snap.StopReason})
	}
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.events == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	s.events.Emit(evt)
}
