// Package app initializes and holds the engine's long-lived services, acting
// as the dependency injection container. Limiter and dedup state are created
// here once and passed by handle to the workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/api"
	"github.com/JakeFAU/acquisition-engine/internal/clock/system"
	"github.com/JakeFAU/acquisition-engine/internal/config"
	"github.com/JakeFAU/acquisition-engine/internal/dedup"
	"github.com/JakeFAU/acquisition-engine/internal/extract"
	"github.com/JakeFAU/acquisition-engine/internal/fetcher/blockdetect"
	collyfetcher "github.com/JakeFAU/acquisition-engine/internal/fetcher/colly"
	restyfetcher "github.com/JakeFAU/acquisition-engine/internal/fetcher/resty"
	"github.com/JakeFAU/acquisition-engine/internal/hash/sha256"
	"github.com/JakeFAU/acquisition-engine/internal/id/uuid"
	"github.com/JakeFAU/acquisition-engine/internal/jobs"
	"github.com/JakeFAU/acquisition-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/acquisition-engine/internal/progress"
	"github.com/JakeFAU/acquisition-engine/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/acquisition-engine/internal/publisher/memory"
	"github.com/JakeFAU/acquisition-engine/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/acquisition-engine/internal/queue/memory"
	"github.com/JakeFAU/acquisition-engine/internal/quality"
	"github.com/JakeFAU/acquisition-engine/internal/recurring"
	"github.com/JakeFAU/acquisition-engine/internal/retry"
	"github.com/JakeFAU/acquisition-engine/internal/scheduler"
	"github.com/JakeFAU/acquisition-engine/internal/source"
	"github.com/JakeFAU/acquisition-engine/internal/storage/gcs"
	"github.com/JakeFAU/acquisition-engine/internal/storage/local"
	"github.com/JakeFAU/acquisition-engine/internal/storage/memory"
	"github.com/JakeFAU/acquisition-engine/internal/storage/postgres"
	"github.com/JakeFAU/acquisition-engine/internal/worker"
)

// Options override parts of the container, mainly for tests.
type Options struct {
	// Registerer receives the progress collectors; nil uses the default.
	Registerer prometheus.Registerer
	// Fetchers replaces the fetcher for a source kind ("html", "api").
	Fetchers map[string]acquire.Fetcher
}

// App holds the wired services.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Catalog   *source.Catalog
	Registry  *source.Registry
	Limiter   *ratelimit.Limiter
	Dedup     *dedup.Index
	Scheduler *scheduler.Scheduler
	Jobs      *jobs.Manager
	Recurring *recurring.Scheduler
	Events    *progress.Hub
	API       *api.Server

	closers  []func(context.Context) error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	shutdown bool
}

// New wires every component from cfg. Backends that dial out (Postgres, GCS,
// Pub/Sub) are connected here so misconfiguration fails at startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.closeAll(context.Background())
		}
	}()

	a.Catalog = source.NewCatalog(cfg.Profiles()...)
	a.Registry = source.NewRegistry(a.Catalog)
	a.registerFetchers(opts.Fetchers)

	a.Limiter = ratelimit.New(ratelimit.Config{
		MinInterval: cfg.RateLimit.MinInterval,
		MaxInterval: cfg.RateLimit.MaxInterval,
		Escalation:  cfg.RateLimit.Escalation,
		Decay:       cfg.RateLimit.Decay,
		DecayAfter:  cfg.RateLimit.DecayAfter,
		MaxWait:     cfg.RateLimit.MaxWait,
	})
	for _, p := range a.Catalog.List() {
		a.Limiter.Configure(p.ID, p.MinInterval, p.MaxInterval)
	}
	a.Dedup = dedup.New(cfg.Dedup.CapacityPerScope)

	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BaseDelay:        cfg.Retry.BaseDelay,
		MaxDelay:         cfg.Retry.MaxDelay,
		Jitter:           cfg.Retry.Jitter,
		MaxThrottles:     cfg.Retry.MaxThrottles,
		StorageBaseDelay: cfg.Retry.StorageBaseDelay,
	})

	jobStore, records, pingers, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openQuarantine(ctx, pingers)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	w := worker.New(worker.Deps{
		Sources:      a.Registry,
		Limiter:      a.Limiter,
		Dedup:        a.Dedup,
		Scorer:       quality.New(cfg.Quality.Threshold),
		Policy:       policy,
		Persister:    records,
		Blobs:        blobs,
		Publisher:    publisher,
		Fingerprints: sha256.New(),
		Clock:        clock,
		IDs:          uuid.WithPrefix("rec"),
	}, worker.Config{
		AttemptTimeout:   cfg.HTTP.Timeout,
		MaxWait:          cfg.RateLimit.MaxWait,
		StorageAttempts:  cfg.Retry.StorageAttempts,
		Quarantine:       cfg.Quality.Quarantine,
		QuarantinePrefix: cfg.Storage.QuarantinePrefix,
		Topic:            cfg.PubSub.TopicName,
	}, logger.Named("worker"))

	eventSinks := make([]progress.Sink, 0, 2)
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	eventSinks = append(eventSinks, promSink)
	if cfg.Progress.LogEvents {
		eventSinks = append(eventSinks, sinks.NewLogSink(logger.Named("progress")))
	}
	a.Events = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger.Named("progress"),
	}, eventSinks...)
	a.closers = append(a.closers, a.Events.Close)

	a.Scheduler = scheduler.New(scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		MaxInFlightPerJob: cfg.Scheduler.MaxInFlightPerJob,
	}, queuememory.NewQueue(), w, policy, a.Catalog, uuid.WithPrefix("task"), nil, a.Events, logger.Named("scheduler"))

	a.Jobs = jobs.NewManager(jobs.Config{
		DefaultTarget:     cfg.Jobs.DefaultTarget,
		AttemptCeiling:    cfg.Jobs.AttemptCeiling,
		FailureRate:       cfg.Jobs.FailureRate,
		StallWindow:       cfg.Jobs.StallWindow,
		DefaultThroughput: cfg.Jobs.DefaultThroughput,
		CancelMode:        acquire.CancelMode(cfg.Jobs.CancelMode),
		Resume:            cfg.Jobs.ResumeInterrupted,
		Templates:         templates(cfg.StandardJobs),
	}, a.Scheduler, a.Catalog, jobStore, clock, uuid.New(), pingers, jobs.Inspectors{
		Records: records,
		Limiter: a.Limiter,
		Dedup:   a.Dedup,
	}, logger.Named("jobs"))
	a.Scheduler.SetObserver(a.Jobs)

	a.Recurring = recurring.New(a.Jobs, logger.Named("recurring"))
	entries := make([]recurring.Entry, 0, len(cfg.StandardJobs))
	for name, job := range cfg.StandardJobs {
		entries = append(entries, recurring.Entry{Name: name, Schedule: job.Schedule})
	}
	if err := a.Recurring.Add(entries...); err != nil {
		return nil, err
	}

	a.API = api.NewServer(a.Jobs, a.Catalog, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger.Named("api"),
	})

	ok = true
	return a, nil
}

func (a *App) registerFetchers(overrides map[string]acquire.Fetcher) {
	httpCfg := a.Config.HTTP
	html := acquire.Fetcher(collyfetcher.New(collyfetcher.Config{
		UserAgent:     httpCfg.UserAgent,
		RespectRobots: httpCfg.RespectRobots,
		Timeout:       httpCfg.Timeout,
		Detector:      blockdetect.New(0),
	}))
	apiFetcher := acquire.Fetcher(restyfetcher.New(restyfetcher.Config{
		UserAgent: httpCfg.UserAgent,
		Timeout:   httpCfg.Timeout,
	}))
	if f, ok := overrides[source.KindHTML]; ok {
		html = f
	}
	if f, ok := overrides[source.KindAPI]; ok {
		apiFetcher = f
	}
	a.Registry.RegisterKind(source.KindHTML, source.Capability{Fetcher: html, Extractor: extract.NewSelectorExtractor()})
	a.Registry.RegisterKind(source.KindAPI, source.Capability{Fetcher: apiFetcher, Extractor: extract.NewJSONExtractor()})
}

// recordStore persists records and summarizes them for the stats endpoint.
type recordStore interface {
	acquire.Persister
	acquire.RecordStats
}

func (a *App) openStorage(ctx context.Context) (acquire.JobStore, recordStore, map[string]acquire.Pinger, error) {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := postgres.Migrate(ctx, pool, cfg.DB.JobsTable, cfg.DB.RecordsTable); err != nil {
			return nil, nil, nil, err
		}
		jobStore, err := postgres.NewJobStore(pool, cfg.DB.JobsTable)
		if err != nil {
			return nil, nil, nil, err
		}
		records, err := postgres.NewRecordStore(pool, cfg.DB.RecordsTable)
		if err != nil {
			return nil, nil, nil, err
		}
		a.Logger.Info("using postgres storage", zap.String("jobs_table", cfg.DB.JobsTable), zap.String("records_table", cfg.DB.RecordsTable))
		return jobStore, records, map[string]acquire.Pinger{"jobs": jobStore, "records": records}, nil
	default:
		jobStore := memory.NewJobStore()
		records := memory.NewRecordStore()
		a.Logger.Info("using in-memory storage; records are lost on exit")
		return jobStore, records, map[string]acquire.Pinger{"jobs": jobStore, "records": records}, nil
	}
}

func (a *App) openQuarantine(ctx context.Context, pingers map[string]acquire.Pinger) (acquire.BlobStore, error) {
	cfg := a.Config.Storage
	switch cfg.QuarantineKind {
	case "gcs":
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.QuarantineBucket}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		pingers["quarantine"] = store
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.QuarantineDir})
		if err != nil {
			return nil, err
		}
		pingers["quarantine"] = store
		return store, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) openPublisher(ctx context.Context) (acquire.Publisher, error) {
	cfg := a.Config.PubSub
	if !cfg.Enabled {
		return pubmemory.New(), nil
	}
	pub, err := pubsub.Dial(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.Logger.Info("publishing record notifications", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.TopicName))
	return pub, nil
}

func templates(in map[string]config.StandardJob) map[string]acquire.JobSpec {
	out := make(map[string]acquire.JobSpec, len(in))
	for name, job := range in {
		out[name] = acquire.JobSpec{
			Name:        name,
			Source:      job.Source,
			Category:    job.Category,
			TargetCount: job.TargetCount,
			Priority:    job.Priority,
		}
	}
	return out
}

// Start launches the worker pool, the stall checker and the cron runner, then
// reconciles jobs a previous process left unfinished in the store.
func (a *App) Start(ctx context.Context) {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.started {
		return
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Scheduler.Start(runCtx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Jobs.Run(runCtx)
	}()
	if resumed, err := a.Jobs.Recover(ctx); err != nil {
		a.Logger.Error("recover interrupted jobs", zap.Error(err))
	} else if len(resumed) > 0 {
		a.Logger.Info("resumed interrupted jobs", zap.Strings("job_ids", resumed))
	}
	a.Recurring.Start()
	a.Logger.Info("engine started",
		zap.Int("workers", a.Config.Scheduler.Workers),
		zap.Strings("standard_jobs", a.Recurring.Names()),
	)
}

// HTTPServer returns an http.Server bound to the configured port.
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(a.Config.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Shutdown stops intake, drains the pool within ctx and releases backends.
func (a *App) Shutdown(ctx context.Context) error {
	a.startMu.Lock()
	if a.shutdown {
		a.startMu.Unlock()
		return nil
	}
	a.shutdown = true
	started := a.started
	a.startMu.Unlock()

	var errs []error
	if started {
		if err := a.Recurring.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop recurring: %w", err))
		}
		if err := a.Scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		a.cancel()
		a.wg.Wait()
	}
	if err := a.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Logger.Sync(); err != nil {
		a.Logger.Debug("logger sync", zap.Error(err))
	}
	return errors.Join(errs...)
}

// closeAll runs closers in reverse order.
func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
