package restyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	var gotKey, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotTrace = r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"question":"q"}`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second, Headers: map[string]string{"X-Api-Key": "k"}})
	doc, err := f.Fetch(context.Background(), acquire.FetchRequest{
		URL:     srv.URL + "/v1/q?page=1",
		Headers: http.Header{"X-Trace": {"t"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.JSONEq(t, `{"question":"q"}`, string(doc.Body))
	require.Equal(t, "application/json", doc.ContentType)
	require.Equal(t, "k", gotKey)
	require.Equal(t, "t", gotTrace)
}

func TestFetchErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{}).Fetch(context.Background(), acquire.FetchRequest{URL: srv.URL})
	var fetchErr *acquire.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusTooManyRequests, fetchErr.StatusCode)
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), acquire.FetchRequest{URL: url})
	require.Error(t, err)
	var fetchErr *acquire.FetchError
	require.False(t, errors.As(err, &fetchErr))
}
