package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/app"
	"github.com/JakeFAU/acquisition-engine/internal/config"
	"github.com/JakeFAU/acquisition-engine/internal/source"
)

// pageFetcher serves a distinct question for every URL.
type pageFetcher struct {
	calls atomic.Int32
}

func (f *pageFetcher) Fetch(_ context.Context, req acquire.FetchRequest) (acquire.Document, error) {
	n := f.calls.Add(1)
	body := fmt.Sprintf(`<html><body>
<div class="question-text">Question %d: which number continues the series 2, 4, 8?</div>
<ul><li class="option">16</li><li class="option">12</li><li class="option">10</li><li class="option">14</li></ul>
<div class="answer">16</div>
<div class="explanation">Each term doubles the previous one in the series.</div>
</body></html>`, n)
	return acquire.Document{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body), ContentType: "text/html"}, nil
}

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8001, RequestTimeout: 5 * time.Second},
		HTTP:      config.HTTPConfig{UserAgent: "test", Timeout: time.Second},
		Scheduler: config.SchedulerConfig{Workers: 2, MaxInFlightPerJob: 2},
		RateLimit: config.RateLimitConfig{
			MinInterval: time.Millisecond,
			MaxInterval: 10 * time.Millisecond,
			Escalation:  2,
			Decay:       0.8,
			DecayAfter:  5,
			MaxWait:     time.Second,
		},
		Retry:   config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxThrottles: 3},
		Quality: config.QualityConfig{Threshold: 0},
		Dedup:   config.DedupConfig{CapacityPerScope: 100},
		Jobs: config.JobsConfig{
			AttemptCeiling: 50,
			FailureRate:    0.05,
			StallWindow:    time.Minute,
			CancelMode:     "drain",
		},
		Storage: config.StorageConfig{Backend: "memory", QuarantineKind: "memory", QuarantinePrefix: "quarantine"},
		PubSub:  config.PubSubConfig{TopicName: "records-saved"},
		Sources: map[string]config.SourceConfig{
			"quiz": {
				Kind:         source.KindHTML,
				BaseURL:      "https://quiz.example.com",
				PageTemplate: "{base}{path}{page}",
				MaxPages:     10,
				TrustWeight:  0.9,
				Categories:   map[string][]string{"logic": {"/logic/series/"}},
				Selectors: acquire.Selectors{
					Question:    ".question-text",
					Options:     ".option",
					Answer:      ".answer",
					Explanation: ".explanation",
				},
				RequiredOptions: 4,
			},
		},
		StandardJobs: map[string]config.StandardJob{
			"nightly": {Source: "quiz", Category: "logic", TargetCount: 2, Schedule: "@daily"},
		},
	}
}

func newApp(t *testing.T) (*app.App, *pageFetcher) {
	t.Helper()
	fetcher := &pageFetcher{}
	a, err := app.New(context.Background(), testConfig(), zap.NewNop(), app.Options{
		Registerer: prometheus.NewRegistry(),
		Fetchers:   map[string]acquire.Fetcher{source.KindHTML: fetcher},
	})
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, a.Shutdown(ctx))
	})
	return a, fetcher
}

func TestAppRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	a, fetcher := newApp(t)
	res, err := a.Jobs.Submit(context.Background(), acquire.JobSpec{Source: "quiz", Category: "logic", TargetCount: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := a.Jobs.Get(context.Background(), res.JobID)
		return err == nil && job.Status == acquire.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	job, err := a.Jobs.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, 3, job.Counters.Saved)
	require.GreaterOrEqual(t, int(fetcher.calls.Load()), 3)
	require.Equal(t, []string{"nightly"}, a.Recurring.Names())

	stats := a.Jobs.Stats(context.Background())
	require.NotNil(t, stats.Records)
	require.GreaterOrEqual(t, stats.Records.ByCategory["logic"], 3)
	require.Positive(t, stats.Records.AverageQuality)
	require.Contains(t, stats.RateLimits, "quiz")
	require.NotEmpty(t, stats.Dedup)
}

func TestAppServesAPI(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t)
	srv := httptest.NewServer(a.API.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/jobs/standard", "application/json", strings.NewReader(`{"name":"nightly"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, ":8001", a.HTTPServer().Addr)
}

func TestAppRejectsBadQuarantineDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.QuarantineKind = "local"
	cfg.Storage.QuarantineDir = "/dev/null/nope"
	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}
