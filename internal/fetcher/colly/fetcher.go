// Package collyfetcher implements acquire.Fetcher for HTML sources using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Detector, when set, turns soft-block pages into rate-limited errors.
	Detector BlockDetector
}

// BlockDetector recognizes throttle or challenge pages served with status 200.
type BlockDetector interface {
	Blocked(doc acquire.Document) (string, bool)
}

// Fetcher retrieves pages through a Colly collector cloned per request.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	// Clones share the backend HTTP client, so client settings are fixed here
	// and never touched per request.
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single GET. Non-2xx responses come back as *acquire.FetchError
// carrying the status code so callers can classify them.
func (f *Fetcher) Fetch(ctx context.Context, req acquire.FetchRequest) (acquire.Document, error) {
	var (
		doc      acquire.Document
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, req, time.Now(), &doc, &fetchErr)

	if err := runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return acquire.Document{}, err
	}
	if f.cfg.Detector != nil {
		if reason, blocked := f.cfg.Detector.Blocked(doc); blocked {
			return acquire.Document{}, &acquire.FetchError{
				URL:        req.URL,
				StatusCode: http.StatusTooManyRequests,
				Err:        fmt.Errorf("soft block: %s", reason),
			}
		}
	}
	return doc, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req acquire.FetchRequest,
	start time.Time,
	doc *acquire.Document,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*doc = acquire.Document{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			ContentType: headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = &acquire.FetchError{URL: req.URL, StatusCode: status, Err: err}
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) {
				return &acquire.FetchError{URL: url, Err: fmt.Errorf("%w: %v", acquire.ErrRobotsDisallowed, err)}
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
