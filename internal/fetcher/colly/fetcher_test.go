package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

func TestFetchReturnsDocument(t *testing.T) {
	t.Parallel()

	var gotAgent, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.UserAgent()
		gotTrace = r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p class=\"question-text\">hello</p>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "engine-test", Timeout: time.Second})
	doc, err := f.Fetch(context.Background(), acquire.FetchRequest{
		URL:     srv.URL + "/page",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.Equal(t, "text/html", doc.ContentType)
	require.Contains(t, string(doc.Body), "hello")
	require.Equal(t, "engine-test", gotAgent)
	require.Equal(t, "yes", gotTrace)
}

func TestFetchMapsStatusToFetchError(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusTooManyRequests, http.StatusNotFound, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		_, err := New(Config{}).Fetch(context.Background(), acquire.FetchRequest{URL: srv.URL})
		srv.Close()

		var fetchErr *acquire.FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Equal(t, code, fetchErr.StatusCode)
	}
}

type detectorFunc func(acquire.Document) (string, bool)

func (f detectorFunc) Blocked(doc acquire.Document) (string, bool) { return f(doc) }

func TestFetchReportsSoftBlockAsRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("please solve the captcha"))
	}))
	t.Cleanup(srv.Close)

	var seen acquire.Document
	f := New(Config{Detector: detectorFunc(func(doc acquire.Document) (string, bool) {
		seen = doc
		return "captcha", true
	})})
	_, err := f.Fetch(context.Background(), acquire.FetchRequest{URL: srv.URL})

	var fetchErr *acquire.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusTooManyRequests, fetchErr.StatusCode)
	require.Contains(t, err.Error(), "soft block: captcha")
	require.Contains(t, string(seen.Body), "captcha")
}

func TestFetchConcurrentClonesShareSettings(t *testing.T) {
	t.Parallel()

	var agents sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents.Store(r.UserAgent(), true)
		_, _ = w.Write([]byte("<p>ok</p>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "engine-test", Timeout: 2 * time.Second})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), acquire.FetchRequest{URL: srv.URL})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	_, ok := agents.Load("engine-test")
	require.True(t, ok)
}

func TestFetchRobotsDisallowIsNotThrottling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		_, _ = w.Write([]byte("<p>secret</p>"))
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{RespectRobots: true}).Fetch(context.Background(), acquire.FetchRequest{URL: srv.URL + "/private/page"})
	require.ErrorIs(t, err, acquire.ErrRobotsDisallowed)
	var fetchErr *acquire.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, acquire.FetchRequest{URL: srv.URL})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := acquire.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	var doc acquire.Document
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &doc, &fetchErr)
	require.NotNil(t, hooks.onRequest)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, doc.StatusCode)
	require.Equal(t, "text/plain", doc.ContentType)

	hooks.onError(&colly.Response{StatusCode: http.StatusServiceUnavailable}, errors.New("boom"))
	var typed *acquire.FetchError
	require.ErrorAs(t, fetchErr, &typed)
	require.Equal(t, http.StatusServiceUnavailable, typed.StatusCode)

	hooks.onError(nil, errors.New("dial"))
	require.ErrorAs(t, fetchErr, &typed)
	require.Zero(t, typed.StatusCode)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
