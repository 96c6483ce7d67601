package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/dedup"
	"github.com/JakeFAU/acquisition-engine/internal/hash/sha256"
	"github.com/JakeFAU/acquisition-engine/internal/retry"
	"github.com/JakeFAU/acquisition-engine/internal/source"
)

type harness struct {
	worker    *Worker
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	limiter   *fakeLimiter
	persister *mockPersister
	blobs     *fakeBlobStore
	publisher *fakePublisher
	dedup     *dedup.Index
	clock     *fakeClock
	scorer    *fakeScorer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	profile := acquire.SourceProfile{ID: "quiz", Categories: map[string][]string{"logic": {"/logic/"}}}
	h := &harness{
		fetcher:   &fakeFetcher{},
		extractor: &fakeExtractor{fields: acquire.ExtractedFields{Text: "Which number comes next?", Options: []string{"1", "2"}}},
		limiter:   &fakeLimiter{},
		persister: &mockPersister{},
		blobs:     &fakeBlobStore{},
		publisher: &fakePublisher{},
		dedup:     dedup.New(100),
		clock:     &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()},
		scorer:    &fakeScorer{score: 0.9, threshold: 0.6},
	}
	registry := source.NewRegistry(source.NewCatalog(profile))
	registry.RegisterKind(source.KindHTML, source.Capability{Fetcher: h.fetcher, Extractor: h.extractor})

	h.worker = New(Deps{
		Sources:      registry,
		Limiter:      h.limiter,
		Dedup:        h.dedup,
		Scorer:       h.scorer,
		Policy:       retry.NewPolicy(retry.Config{StorageBaseDelay: time.Millisecond}),
		Persister:    h.persister,
		Blobs:        h.blobs,
		Publisher:    h.publisher,
		Fingerprints: sha256.New(),
		Clock:        h.clock,
	}, cfg, zap.NewNop())
	return h
}

func testTask() acquire.Task {
	return acquire.Task{ID: "t1", JobID: "j1", Source: "quiz", Category: "logic", Subcategory: "series", URL: "https://quiz/logic/", Attempt: 1}
}

func TestWorkerSuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "records"})
	h.persister.On("Persist", mock.Anything, mock.MatchedBy(func(r acquire.Record) bool {
		return r.JobID == "j1" && r.Category == "logic" && r.Fields.Subcategory == "series"
	})).Return("rec-1", nil).Once()

	res := h.worker.Run(context.Background(), testTask())

	require.Equal(t, acquire.OutcomeSuccess, res.Outcome)
	require.NoError(t, res.Err)
	require.Equal(t, "t1", res.TaskID)
	require.Equal(t, "rec-1", res.RecordID)
	require.NotEmpty(t, res.Fingerprint)
	require.InDelta(t, 0.9, res.Score, 1e-9)
	require.False(t, h.dedup.CheckAndInsert("logic", res.Fingerprint), "fingerprint should be recorded")
	require.Equal(t, 1, h.limiter.acquired)
	require.Equal(t, 1, h.limiter.successes)
	require.Len(t, h.publisher.payloads, 1)
	require.Equal(t, "rec-1", h.publisher.payloads[0]["record_id"])
	h.persister.AssertExpectations(t)
}

func TestWorkerDuplicateIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.persister.On("Persist", mock.Anything, mock.Anything).Return("rec-1", nil).Once()

	first := h.worker.Run(context.Background(), testTask())
	second := h.worker.Run(context.Background(), testTask())

	require.Equal(t, acquire.OutcomeSuccess, first.Outcome)
	require.Equal(t, acquire.OutcomeSuccessDiscarded, second.Outcome)
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	h.persister.AssertNumberOfCalls(t, "Persist", 1)
}

func TestWorkerFetchFailuresAreClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		want      acquire.Outcome
		throttled int
	}{
		{"server error", &acquire.FetchError{StatusCode: http.StatusBadGateway}, acquire.OutcomeTransient, 0},
		{"not found", &acquire.FetchError{StatusCode: http.StatusNotFound}, acquire.OutcomePermanent, 0},
		{"throttled", &acquire.FetchError{StatusCode: http.StatusTooManyRequests}, acquire.OutcomeRateLimited, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			h.fetcher.err = tc.err

			res := h.worker.Run(context.Background(), testTask())
			require.Equal(t, tc.want, res.Outcome)
			require.ErrorIs(t, res.Err, tc.err)
			require.Equal(t, tc.throttled, h.limiter.throttled)
			require.Zero(t, h.limiter.successes)
			h.persister.AssertNotCalled(t, "Persist", mock.Anything, mock.Anything)
		})
	}
}

func TestWorkerLimiterTimeoutIsRateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.limiter.err = acquire.ErrRateLimitTimeout

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeRateLimited, res.Outcome)
	require.Zero(t, h.fetcher.calls)
	require.Zero(t, h.limiter.throttled)
}

func TestWorkerExtractionFailureIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.extractor.err = &acquire.ExtractionError{Source: "quiz", Reason: "no question text"}

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomePermanent, res.Outcome)
	require.NotNil(t, res.Document)
	require.Nil(t, res.Fields)
}

func TestWorkerUnknownSourceIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := testTask()
	task.Source = "missing"

	res := h.worker.Run(context.Background(), task)
	require.Equal(t, acquire.OutcomePermanent, res.Outcome)
	require.ErrorIs(t, res.Err, acquire.ErrUnknownSource)
	require.Zero(t, h.limiter.acquired)
}

func TestWorkerLowQualityQuarantined(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Quarantine: true, QuarantinePrefix: "/quarantine/"})
	h.scorer.score = 0.2

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeLowQuality, res.Outcome)
	require.Len(t, h.blobs.paths, 1)
	require.Equal(t, "quarantine/logic/j1/"+res.Fingerprint+".json", h.blobs.paths[0])
	h.persister.AssertNotCalled(t, "Persist", mock.Anything, mock.Anything)
}

func TestWorkerLowQualityWithoutQuarantine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Quarantine: false})
	h.scorer.score = 0.2

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeLowQuality, res.Outcome)
	require.Empty(t, h.blobs.paths)
}

func TestWorkerPersistRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StorageAttempts: 3})
	h.persister.On("Persist", mock.Anything, mock.Anything).Return("", errors.New("conn reset")).Twice()
	h.persister.On("Persist", mock.Anything, mock.Anything).Return("rec-9", nil).Once()

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeSuccess, res.Outcome)
	require.Equal(t, "rec-9", res.RecordID)
	require.Len(t, h.clock.pauses, 2)
}

func TestWorkerPersistExhaustedReleasesFingerprint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StorageAttempts: 2})
	h.persister.On("Persist", mock.Anything, mock.Anything).Return("", errors.New("db down"))

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeTransient, res.Outcome)
	var storageErr *acquire.StorageError
	require.ErrorAs(t, res.Err, &storageErr)
	require.True(t, h.dedup.CheckAndInsert("logic", res.Fingerprint), "fingerprint should be released")
	h.persister.AssertNumberOfCalls(t, "Persist", 2)
}

func TestWorkerPersistDuplicateRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.persister.On("Persist", mock.Anything, mock.Anything).Return("", acquire.ErrDuplicateRecord)

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeSuccessDiscarded, res.Outcome)
	require.NoError(t, res.Err)
	h.persister.AssertNumberOfCalls(t, "Persist", 1)
}

func TestWorkerPublishFailureDoesNotFailTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "records"})
	h.publisher.err = errors.New("broker down")
	h.persister.On("Persist", mock.Anything, mock.Anything).Return("rec-1", nil)

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeSuccess, res.Outcome)
}

func TestWorkerAppliesAttemptTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AttemptTimeout: 20 * time.Millisecond})
	h.fetcher.block = true

	res := h.worker.Run(context.Background(), testTask())
	require.Equal(t, acquire.OutcomeTransient, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, req acquire.FetchRequest) (acquire.Document, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return acquire.Document{}, ctx.Err()
	}
	if f.err != nil {
		return acquire.Document{}, f.err
	}
	return acquire.Document{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("<html></html>")}, nil
}

type fakeExtractor struct {
	fields acquire.ExtractedFields
	err    error
}

func (f *fakeExtractor) Extract(acquire.Document, acquire.SourceProfile) (acquire.ExtractedFields, error) {
	return f.fields, f.err
}

type fakeLimiter struct {
	mu        sync.Mutex
	err       error
	acquired  int
	throttled int
	successes int
}

func (f *fakeLimiter) Acquire(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.acquired++
	return nil
}

func (f *fakeLimiter) ReportThrottled(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttled++
}

func (f *fakeLimiter) ReportSuccess(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}

type fakeScorer struct {
	score     float64
	threshold float64
}

func (f *fakeScorer) Score(acquire.ExtractedFields, acquire.SourceProfile) float64 { return f.score }
func (f *fakeScorer) LowQuality(score float64) bool                                { return score < f.threshold }

type mockPersister struct {
	mock.Mock
}

func (m *mockPersister) Persist(ctx context.Context, record acquire.Record) (string, error) {
	args := m.Called(ctx, record)
	return args.String(0), args.Error(1)
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return "mem://" + path, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	payloads []map[string]any
}

func (f *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, payload.(map[string]any))
	return "msg-1", nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	pauses []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Pause(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, d)
	return nil
}
