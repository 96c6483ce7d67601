// Package restyfetcher implements acquire.Fetcher for JSON API sources.
package restyfetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Config controls the API client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Headers are sent with every request, e.g. an API key.
	Headers map[string]string
}

// Fetcher issues GET requests with a shared resty client. Retries are left to
// the scheduler so attempts stay accounted.
type Fetcher struct {
	client *resty.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	client.SetHeaders(cfg.Headers)
	return &Fetcher{client: client}
}

// Fetch implements acquire.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req acquire.FetchRequest) (acquire.Document, error) {
	start := time.Now()
	r := f.client.R().SetContext(ctx)
	for key, values := range req.Headers {
		for _, v := range values {
			r.Header.Add(key, v)
		}
	}

	resp, err := r.Get(req.URL)
	if err != nil {
		return acquire.Document{}, fmt.Errorf("api fetch %s: %w", req.URL, err)
	}
	if resp.IsError() {
		return acquire.Document{}, &acquire.FetchError{URL: req.URL, StatusCode: resp.StatusCode()}
	}
	return acquire.Document{
		URL:         resp.Request.URL,
		StatusCode:  resp.StatusCode(),
		Headers:     resp.Header().Clone(),
		Body:        resp.Body(),
		ContentType: resp.Header().Get("Content-Type"),
		Duration:    time.Since(start),
	}, nil
}

var _ acquire.Fetcher = (*Fetcher)(nil)
