// Package jobs owns the job lifecycle: validation, submission to the
// scheduler, target and failure accounting, cancellation, stall detection and
// write-through to the job store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/metrics"
	"github.com/JakeFAU/acquisition-engine/internal/scheduler"
)

// Scheduler is the slice of the worker pool the manager drives.
type Scheduler interface {
	Submit(job acquire.Job) error
	Stop(jobID, reason string, hard bool) error
	Forget(jobID string)
	DrainMetrics() scheduler.Metrics
	Ready(ctx context.Context) error
}

// Resolver validates source/category selectors.
type Resolver interface {
	Resolve(sourceID, category string) (acquire.SourceProfile, error)
}

// Config holds job policy.
type Config struct {
	DefaultTarget int
	// AttemptCeiling and FailureRate together define systemic failure: a job
	// with at least AttemptCeiling attempts and a success rate below
	// FailureRate is failed.
	AttemptCeiling    int
	FailureRate       float64
	StallWindow       time.Duration
	DefaultThroughput float64
	CancelMode        acquire.CancelMode
	// Resume re-submits jobs a previous process left running, from their
	// stored cursor and counters. Without it they are marked failed.
	Resume bool
	// Templates are named standard jobs.
	Templates map[string]acquire.JobSpec
}

// Inspectors expose engine state for Stats. Any of them may be nil.
type Inspectors struct {
	Records acquire.RecordStats
	Limiter interface {
		Snapshot() map[string]time.Duration
	}
	Dedup interface {
		Sizes() map[string]int
	}
}

// SubmitResult is returned for accepted jobs.
type SubmitResult struct {
	JobID             string        `json:"job_id"`
	EstimatedDuration time.Duration `json:"-"`
	EstimatedSeconds  float64       `json:"estimated_duration_seconds"`
}

// CancelResult reports the job after a cancellation request. Changed is false
// when the job was already terminal.
type CancelResult struct {
	Job     acquire.Job `json:"job"`
	Changed bool        `json:"changed"`
}

type entry struct {
	job       acquire.Job
	version   uint64
	revision  int64
	lastWrite time.Time
	drained   bool
	// wmu orders store writes of this job; the snapshot is re-read under it.
	wmu sync.Mutex
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	sched    Scheduler
	sources  Resolver
	store    acquire.JobStore
	clock    acquire.Clock
	ids      acquire.IDGenerator
	pingers  map[string]acquire.Pinger
	inspect  Inspectors
	logger   *zap.Logger
	throttle time.Duration

	mu         sync.Mutex
	jobs       map[string]*entry
	archived   map[acquire.JobStatus]int
	throughput map[string]float64
}

// NewManager constructs a Manager. pingers names the storage dependencies
// reported by Health.
func NewManager(
	cfg Config,
	sched Scheduler,
	sources Resolver,
	store acquire.JobStore,
	clock acquire.Clock,
	ids acquire.IDGenerator,
	pingers map[string]acquire.Pinger,
	inspect Inspectors,
	logger *zap.Logger,
) *Manager {
	if cfg.DefaultTarget <= 0 {
		cfg.DefaultTarget = 1000
	}
	if cfg.AttemptCeiling <= 0 {
		cfg.AttemptCeiling = 200
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 5 * time.Minute
	}
	if cfg.DefaultThroughput <= 0 {
		cfg.DefaultThroughput = 10
	}
	if cfg.CancelMode == "" {
		cfg.CancelMode = acquire.CancelDrain
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		sched:      sched,
		sources:    sources,
		store:      store,
		clock:      clock,
		ids:        ids,
		pingers:    pingers,
		inspect:    inspect,
		logger:     logger,
		throttle:   time.Second,
		jobs:       make(map[string]*entry),
		archived:   make(map[acquire.JobStatus]int),
		throughput: make(map[string]float64),
	}
}

// Submit validates spec, records the job and hands it to the scheduler.
func (m *Manager) Submit(ctx context.Context, spec acquire.JobSpec) (SubmitResult, error) {
	if spec.TargetCount < 0 {
		return SubmitResult{}, fmt.Errorf("target_count must be positive: %w", acquire.ErrInvalidJob)
	}
	if spec.TargetCount == 0 {
		spec.TargetCount = m.cfg.DefaultTarget
	}
	if spec.Source == "" || spec.Category == "" {
		return SubmitResult{}, fmt.Errorf("source and category are required: %w", acquire.ErrInvalidJob)
	}
	profile, err := m.sources.Resolve(spec.Source, spec.Category)
	if err != nil {
		if errors.Is(err, acquire.ErrUnknownSource) {
			return SubmitResult{}, fmt.Errorf("%w: %w", acquire.ErrInvalidJob, err)
		}
		return SubmitResult{}, err
	}
	if spec.Name == "" {
		spec.Name = spec.Source + "-" + spec.Category
	}
	id, err := m.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate job id: %w", err)
	}

	now := m.clock.Now()
	job := acquire.Job{
		ID:             id,
		Name:           spec.Name,
		Source:         spec.Source,
		Category:       spec.Category,
		TargetCount:    spec.TargetCount,
		Priority:       spec.Priority,
		Status:         acquire.JobStatusCreated,
		CreatedAt:      now,
		LastProgressAt: now,
		Revision:       1,
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("save job: %w", err)
	}

	job.Status = acquire.JobStatusRunning
	job.StartedAt = &now
	e := &entry{job: job, revision: job.Revision, lastWrite: now}
	m.mu.Lock()
	m.jobs[id] = e
	m.mu.Unlock()
	m.write(ctx, e)
	metrics.ObserveJob(string(acquire.JobStatusRunning))

	// The scheduler may report the job drained before Submit returns.
	if err := m.sched.Submit(job); err != nil {
		m.finish(id, acquire.JobStatusFailed, err.Error())
		return SubmitResult{}, fmt.Errorf("schedule job: %w", err)
	}

	estimate := m.estimate(profile, spec.TargetCount)
	m.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("source", spec.Source),
		zap.String("category", spec.Category),
		zap.Int("target", spec.TargetCount),
		zap.Duration("estimate", estimate),
	)
	return SubmitResult{JobID: id, EstimatedDuration: estimate, EstimatedSeconds: estimate.Seconds()}, nil
}

// SubmitStandard submits the named template.
func (m *Manager) SubmitStandard(ctx context.Context, name string) (SubmitResult, error) {
	spec, ok := m.cfg.Templates[name]
	if !ok {
		return SubmitResult{}, fmt.Errorf("standard job %q: %w", name, acquire.ErrInvalidJob)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return m.Submit(ctx, spec)
}

// Templates returns the configured standard jobs.
func (m *Manager) Templates() map[string]acquire.JobSpec {
	out := make(map[string]acquire.JobSpec, len(m.cfg.Templates))
	for k, v := range m.cfg.Templates {
		out[k] = v
	}
	return out
}

// estimate is target / throughput, preferring the throughput observed on
// earlier jobs of the same source.
func (m *Manager) estimate(profile acquire.SourceProfile, target int) time.Duration {
	m.mu.Lock()
	perMinute := m.throughput[profile.ID]
	m.mu.Unlock()
	if perMinute <= 0 {
		perMinute = profile.Throughput
	}
	if perMinute <= 0 {
		perMinute = m.cfg.DefaultThroughput
	}
	return time.Duration(float64(target) / perMinute * float64(time.Minute))
}

// Get returns a job by ID, falling back to the store for jobs from earlier runs.
func (m *Manager) Get(ctx context.Context, id string) (acquire.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if ok {
		job := e.job
		m.mu.Unlock()
		return job, nil
	}
	m.mu.Unlock()
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return acquire.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Settled reports whether id is no longer held in memory: its tasks have
// drained and its final snapshot is in the store, or it was never live here.
func (m *Manager) Settled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return !ok
}

// List returns jobs newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status acquire.JobStatus) ([]acquire.Job, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, acquire.ErrInvalidJob)
	}
	stored, err := m.store.ListJobs(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.jobs))
	out := make([]acquire.Job, 0, len(m.jobs)+len(stored))
	for id, e := range m.jobs {
		seen[id] = struct{}{}
		if status == "" || e.job.Status == status {
			out = append(out, e.job)
		}
	}
	m.mu.Unlock()
	for _, job := range stored {
		if _, ok := seen[job.ID]; !ok {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cancel stops a job. Cancelling a terminal job is a no-op acknowledgement.
func (m *Manager) Cancel(ctx context.Context, id string, mode acquire.CancelMode) (CancelResult, error) {
	if mode == "" {
		mode = m.cfg.CancelMode
	}
	if mode != acquire.CancelDrain && mode != acquire.CancelHard {
		return CancelResult{}, fmt.Errorf("cancel mode %q: %w", mode, acquire.ErrInvalidJob)
	}

	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return m.cancelStored(ctx, id)
	}
	if e.job.Status.Terminal() {
		job := e.job
		m.mu.Unlock()
		return CancelResult{Job: job}, nil
	}
	m.terminateLocked(e, acquire.JobStatusCancelled, "")
	job := e.job
	drained := e.drained
	m.mu.Unlock()

	m.write(ctx, e)
	if drained {
		m.archive(e)
	} else if err := m.sched.Stop(id, "cancelled", mode == acquire.CancelHard); err != nil && !errors.Is(err, acquire.ErrJobNotFound) {
		m.logger.Warn("stop cancelled job", zap.String("job_id", id), zap.Error(err))
	}
	m.logger.Info("job cancelled", zap.String("job_id", id), zap.String("mode", string(mode)))
	return CancelResult{Job: job, Changed: true}, nil
}

// cancelStored cancels a job known only to the store. A non-terminal job
// there has no run in this process, so it is closed out directly.
func (m *Manager) cancelStored(ctx context.Context, id string) (CancelResult, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if job.Status.Terminal() {
		return CancelResult{Job: job}, nil
	}
	m.closeStored(&job, acquire.JobStatusCancelled, "")
	if err := m.store.SaveJob(ctx, job); err != nil {
		return CancelResult{}, fmt.Errorf("cancel job %s: %w", id, err)
	}
	metrics.ObserveJob(string(acquire.JobStatusCancelled))
	m.logger.Info("stored job cancelled", zap.String("job_id", id))
	return CancelResult{Job: job, Changed: true}, nil
}

func (m *Manager) closeStored(job *acquire.Job, status acquire.JobStatus, reason string) {
	now := m.clock.Now()
	job.Status = status
	job.FinishedAt = &now
	job.Stalled = false
	if reason != "" {
		job.Error = reason
	}
	job.Revision++
}

// Recover reconciles jobs a previous process left non-terminal in the store.
// With Config.Resume, running jobs that carry a cursor are scheduled again
// from where they stopped; every other leftover is marked failed. It returns
// the IDs it resumed.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	var leftovers []acquire.Job
	for _, status := range []acquire.JobStatus{acquire.JobStatusCreated, acquire.JobStatusRunning} {
		jobs, err := m.store.ListJobs(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("recover jobs: %w", err)
		}
		leftovers = append(leftovers, jobs...)
	}

	var resumed []string
	for _, job := range leftovers {
		m.mu.Lock()
		_, live := m.jobs[job.ID]
		m.mu.Unlock()
		if live {
			continue
		}
		switch {
		case job.Counters.Saved >= job.TargetCount && job.TargetCount > 0:
			m.closeStored(&job, acquire.JobStatusCompleted, "")
		case m.cfg.Resume && job.Status == acquire.JobStatusRunning && job.Cursor != nil:
			if err := m.resume(ctx, job); err != nil {
				m.logger.Warn("resume job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			resumed = append(resumed, job.ID)
			continue
		default:
			m.closeStored(&job, acquire.JobStatusFailed, "interrupted by engine restart")
		}
		if err := m.store.SaveJob(ctx, job); err != nil {
			return resumed, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		metrics.ObserveJob(string(job.Status))
		m.logger.Info("stored job closed", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	}
	return resumed, nil
}

func (m *Manager) resume(ctx context.Context, job acquire.Job) error {
	now := m.clock.Now()
	job.Stalled = false
	job.LastProgressAt = now
	e := &entry{job: job, revision: job.Revision, lastWrite: now}
	m.mu.Lock()
	m.jobs[job.ID] = e
	m.mu.Unlock()
	m.write(ctx, e)

	if err := m.sched.Submit(job); err != nil {
		m.finish(job.ID, acquire.JobStatusFailed, "resume: "+err.Error())
		return err
	}
	m.logger.Info("job resumed",
		zap.String("job_id", job.ID),
		zap.Int("saved", job.Counters.Saved),
		zap.Int("target", job.TargetCount),
	)
	return nil
}

// JobProgress implements scheduler.Observer.
func (m *Manager) JobProgress(snap scheduler.Snapshot) {
	m.mu.Lock()
	e, ok := m.jobs[snap.JobID]
	if !ok || snap.Version < e.version {
		m.mu.Unlock()
		return
	}
	e.version = snap.Version
	now := m.clock.Now()
	before := e.job.Status
	if m.applyLocked(e, snap, now) {
		e.job.Stalled = false
	}

	stop, reason := false, ""
	if !e.job.Status.Terminal() {
		c := e.job.Counters
		switch {
		case c.Saved >= e.job.TargetCount:
			m.terminateLocked(e, acquire.JobStatusCompleted, "")
		case c.Attempted >= m.cfg.AttemptCeiling && c.SuccessRate() < m.cfg.FailureRate:
			reason = fmt.Sprintf("success rate %.3f below %.3f after %d attempts", c.SuccessRate(), m.cfg.FailureRate, c.Attempted)
			m.terminateLocked(e, acquire.JobStatusFailed, reason)
			stop = true
		}
	}
	job := e.job
	write := job.Status != before || now.Sub(e.lastWrite) >= m.throttle
	if write {
		e.lastWrite = now
	}
	m.mu.Unlock()

	if stop {
		m.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("reason", reason))
		if err := m.sched.Stop(job.ID, "systemic failure", false); err != nil && !errors.Is(err, acquire.ErrJobNotFound) {
			m.logger.Warn("stop failed job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if write {
		m.write(context.Background(), e)
	}
}

// JobDrained implements scheduler.Observer. Jobs still running at this point
// either exhausted discovery or were stopped without a terminal decision.
func (m *Manager) JobDrained(snap scheduler.Snapshot) {
	m.mu.Lock()
	e, ok := m.jobs[snap.JobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if snap.Version >= e.version {
		e.version = snap.Version
		m.applyLocked(e, snap, m.clock.Now())
	}
	e.drained = true
	if !e.job.Status.Terminal() {
		c := e.job.Counters
		switch {
		case c.Saved >= e.job.TargetCount:
			m.terminateLocked(e, acquire.JobStatusCompleted, "")
		case snap.Exhausted && c.Attempted == 0:
			m.terminateLocked(e, acquire.JobStatusFailed, "discovery exhausted before any attempt")
		case snap.Exhausted && (c.Saved == 0 || c.SuccessRate() < m.cfg.FailureRate):
			m.terminateLocked(e, acquire.JobStatusFailed, fmt.Sprintf(
				"discovery exhausted with success rate %.3f below %.3f after %d attempts", c.SuccessRate(), m.cfg.FailureRate, c.Attempted))
		case snap.Exhausted:
			m.terminateLocked(e, acquire.JobStatusCompleted, "")
		default:
			m.terminateLocked(e, acquire.JobStatusFailed, "dispatch stopped: "+snap.StopReason)
		}
	}
	m.recordThroughputLocked(e.job)
	job := e.job
	m.mu.Unlock()

	m.sched.Forget(job.ID)
	if m.write(context.Background(), e) == nil {
		m.archive(e)
	}
	m.logger.Info("job drained",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("saved", job.Counters.Saved),
		zap.Int("attempted", job.Counters.Attempted),
		zap.Float64("success_rate", job.SuccessRate),
	)
}

// applyLocked copies counters and the cursor and reports whether visible
// progress was made.
func (m *Manager) applyLocked(e *entry, snap scheduler.Snapshot, now time.Time) bool {
	c := snap.Counters
	prev := e.job.Counters
	e.job.Counters = c
	cursor := snap.Cursor
	e.job.Cursor = &cursor
	e.job.SuccessRate = c.SuccessRate()
	if c.Attempted != prev.Attempted || c.Saved != prev.Saved || c.Retried != prev.Retried || c.RateLimited != prev.RateLimited {
		e.job.LastProgressAt = now
		return true
	}
	return false
}

func (m *Manager) terminateLocked(e *entry, status acquire.JobStatus, reason string) {
	if e.job.Status.Terminal() {
		return
	}
	now := m.clock.Now()
	e.job.Status = status
	e.job.FinishedAt = &now
	e.job.Stalled = false
	if reason != "" {
		e.job.Error = reason
	}
	metrics.ObserveJob(string(status))
}

func (m *Manager) finish(id string, status acquire.JobStatus, reason string) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.terminateLocked(e, status, reason)
	e.drained = true
	m.mu.Unlock()
	if m.write(context.Background(), e) == nil {
		m.archive(e)
	}
}

func (m *Manager) recordThroughputLocked(job acquire.Job) {
	if job.StartedAt == nil || job.FinishedAt == nil || job.Counters.Saved == 0 {
		return
	}
	minutes := job.FinishedAt.Sub(*job.StartedAt).Minutes()
	if minutes <= 0 {
		return
	}
	m.throughput[job.Source] = float64(job.Counters.Saved) / minutes
}

// write saves the latest snapshot of e. Writes of one job are serialized and
// each reads the job under the write lock, so a slower writer can never
// leave an older snapshot in the store.
func (m *Manager) write(ctx context.Context, e *entry) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	m.mu.Lock()
	e.revision++
	job := e.job
	job.Revision = e.revision
	m.mu.Unlock()
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.logger.Warn("save job snapshot", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}

// archive drops a drained terminal job from memory once its final snapshot is
// stored; Get and List serve it from the store afterwards.
func (m *Manager) archive(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !e.drained || !e.job.Status.Terminal() {
		return
	}
	if cur, ok := m.jobs[e.job.ID]; ok && cur == e {
		delete(m.jobs, e.job.ID)
		m.archived[e.job.Status]++
	}
}
