// Package worker executes one acquisition task: pace, fetch, extract,
// deduplicate, score and persist. Failures are returned as classified
// outcomes; the scheduler decides whether to requeue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/extract"
	"github.com/JakeFAU/acquisition-engine/internal/metrics"
	"github.com/JakeFAU/acquisition-engine/internal/retry"
	"github.com/JakeFAU/acquisition-engine/internal/source"
)

// Lookup resolves a source to its profile and capabilities.
type Lookup interface {
	Lookup(sourceID string) (acquire.SourceProfile, source.Capability, error)
}

// Limiter paces requests per source.
type Limiter interface {
	Acquire(ctx context.Context, source string, maxWait time.Duration) error
	ReportThrottled(source string)
	ReportSuccess(source string)
}

// Deduper is the fingerprint index.
type Deduper interface {
	CheckAndInsert(scope, fingerprint string) bool
	Release(scope, fingerprint string)
}

// Scorer grades extracted fields.
type Scorer interface {
	Score(fields acquire.ExtractedFields, profile acquire.SourceProfile) float64
	LowQuality(score float64) bool
}

// Classifier maps errors to retry classes and spaces storage retries.
type Classifier interface {
	Classify(err error) retry.Class
	StorageBackoff(attempt int) time.Duration
}

// Fingerprinter hashes normalized content.
type Fingerprinter interface {
	Fingerprint(parts ...string) (string, error)
}

// Clock tells time and sleeps with cancellation.
type Clock interface {
	Now() time.Time
	Pause(ctx context.Context, d time.Duration) error
}

// Config controls Worker behavior.
type Config struct {
	// AttemptTimeout bounds a single fetch.
	AttemptTimeout time.Duration
	// MaxWait bounds the rate limiter wait; zero uses the limiter default.
	MaxWait          time.Duration
	StorageAttempts  int
	Quarantine       bool
	QuarantinePrefix string
	Topic            string
}

// Deps are the collaborators a Worker needs. Blobs and Publisher are optional.
type Deps struct {
	Sources      Lookup
	Limiter      Limiter
	Dedup        Deduper
	Scorer       Scorer
	Policy       Classifier
	Persister    acquire.Persister
	Blobs        acquire.BlobStore
	Publisher    acquire.Publisher
	Fingerprints Fingerprinter
	Clock        Clock
	IDs          acquire.IDGenerator
}

// Worker runs tasks. It holds no per-task state and is safe for concurrent use.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.StorageAttempts <= 0 {
		cfg.StorageAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run executes task once. Failures are reported through the result's Outcome
// and Err rather than returned.
func (w *Worker) Run(ctx context.Context, task acquire.Task) acquire.FetchResult {
	start := w.deps.Clock.Now()
	res := w.run(ctx, task)
	res.TaskID = task.ID
	res.Duration = w.deps.Clock.Now().Sub(start)
	metrics.ObserveTask(task.Source, string(res.Outcome), res.Duration)

	fields := []zap.Field{
		zap.String("job_id", task.JobID),
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Int("attempt", task.Attempt),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Err != nil {
		w.logger.Debug("task failed", append(fields, zap.Error(res.Err))...)
	} else {
		w.logger.Debug("task finished", append(fields, zap.Float64("score", res.Score))...)
	}
	return res
}

func (w *Worker) run(ctx context.Context, task acquire.Task) acquire.FetchResult {
	profile, capability, err := w.deps.Sources.Lookup(task.Source)
	if err != nil {
		return w.failure(err)
	}

	if err := w.deps.Limiter.Acquire(ctx, task.Source, w.cfg.MaxWait); err != nil {
		return w.failure(fmt.Errorf("rate limiter: %w", err))
	}

	doc, err := w.fetch(ctx, capability.Fetcher, task)
	if err != nil {
		class := w.deps.Policy.Classify(err)
		if class == retry.RateLimited {
			w.deps.Limiter.ReportThrottled(task.Source)
		}
		return acquire.FetchResult{Outcome: class.Outcome(), Err: err}
	}
	w.deps.Limiter.ReportSuccess(task.Source)
	res := acquire.FetchResult{Document: &doc}
	if capability.Extractor == nil {
		res.Outcome, res.Err = acquire.OutcomePermanent, fmt.Errorf("source %s has no extractor: %w", task.Source, acquire.ErrUnknownSource)
		return res
	}

	fields, err := capability.Extractor.Extract(doc, profile)
	if err != nil {
		res.Outcome, res.Err = w.deps.Policy.Classify(err).Outcome(), err
		return res
	}
	fields = extract.Enrich(fields, task)
	res.Fields = &fields

	fp, err := w.deps.Fingerprints.Fingerprint(append([]string{fields.Text}, fields.Options...)...)
	if err != nil {
		res.Outcome, res.Err = acquire.OutcomePermanent, fmt.Errorf("fingerprint: %w", err)
		return res
	}
	res.Fingerprint = fp
	if !w.deps.Dedup.CheckAndInsert(task.Category, fp) {
		res.Outcome = acquire.OutcomeSuccessDiscarded
		return res
	}

	res.Score = w.deps.Scorer.Score(fields, profile)
	record := acquire.Record{
		JobID:        task.JobID,
		Source:       task.Source,
		Category:     task.Category,
		Fingerprint:  fp,
		Fields:       fields,
		QualityScore: res.Score,
		CreatedAt:    w.deps.Clock.Now(),
	}
	if w.deps.Scorer.LowQuality(res.Score) {
		res.Outcome = acquire.OutcomeLowQuality
		w.quarantine(ctx, record)
		return res
	}

	id, err := w.persist(ctx, record)
	switch {
	case errors.Is(err, acquire.ErrDuplicateRecord):
		res.Outcome = acquire.OutcomeSuccessDiscarded
		return res
	case err != nil:
		w.deps.Dedup.Release(task.Category, fp)
		res.Outcome, res.Err = w.deps.Policy.Classify(err).Outcome(), err
		return res
	}
	record.ID = id
	res.RecordID = id
	res.Outcome = acquire.OutcomeSuccess
	w.publish(ctx, record)
	return res
}

func (w *Worker) failure(err error) acquire.FetchResult {
	return acquire.FetchResult{Outcome: w.deps.Policy.Classify(err).Outcome(), Err: err}
}

func (w *Worker) fetch(ctx context.Context, fetcher acquire.Fetcher, task acquire.Task) (acquire.Document, error) {
	if fetcher == nil {
		return acquire.Document{}, fmt.Errorf("source %s has no fetcher: %w", task.Source, acquire.ErrUnknownSource)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	doc, err := fetcher.Fetch(attemptCtx, acquire.FetchRequest{URL: task.URL, Source: task.Source})
	if err != nil {
		return acquire.Document{}, fmt.Errorf("fetch %s: %w", task.URL, err)
	}
	return doc, nil
}

// persist retries storage failures with backoff, separately from fetch retries.
func (w *Worker) persist(ctx context.Context, record acquire.Record) (string, error) {
	if w.deps.IDs != nil {
		id, err := w.deps.IDs.NewID()
		if err != nil {
			return "", &acquire.StorageError{Op: "id", Err: err}
		}
		record.ID = id
	}

	var lastErr error
	for attempt := 0; attempt < w.cfg.StorageAttempts; attempt++ {
		if attempt > 0 {
			metrics.ObservePersistRetry()
			if err := w.deps.Clock.Pause(ctx, w.deps.Policy.StorageBackoff(attempt-1)); err != nil {
				return "", err
			}
		}
		id, err := w.deps.Persister.Persist(ctx, record)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, acquire.ErrDuplicateRecord) {
			return "", err
		}
		lastErr = err
		w.logger.Warn("persist failed",
			zap.String("job_id", record.JobID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	var storageErr *acquire.StorageError
	if errors.As(lastErr, &storageErr) {
		return "", lastErr
	}
	return "", &acquire.StorageError{Op: "persist", Err: lastErr}
}

func (w *Worker) quarantine(ctx context.Context, record acquire.Record) {
	if !w.cfg.Quarantine || w.deps.Blobs == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		w.logger.Warn("quarantine encode failed", zap.String("job_id", record.JobID), zap.Error(err))
		return
	}
	if _, err := w.deps.Blobs.PutObject(ctx, w.quarantinePath(record), "application/json", data); err != nil {
		w.logger.Warn("quarantine write failed", zap.String("job_id", record.JobID), zap.Error(err))
	}
}

func (w *Worker) quarantinePath(record acquire.Record) string {
	prefix := strings.Trim(w.cfg.QuarantinePrefix, "/")
	name := fmt.Sprintf("%s/%s/%s.json", record.Category, record.JobID, record.Fingerprint)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (w *Worker) publish(ctx context.Context, record acquire.Record) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"record_id":     record.ID,
		"job_id":        record.JobID,
		"source":        record.Source,
		"category":      record.Category,
		"fingerprint":   record.Fingerprint,
		"quality_score": record.QualityScore,
		"timestamp":     record.CreatedAt.Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish record failed", zap.String("record_id", record.ID), zap.Error(err))
	}
}
