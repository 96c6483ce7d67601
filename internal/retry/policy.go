// Package retry classifies task failures and computes backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Class is the retry category of a failure.
type Class string

// Failure classes.
const (
	Transient   Class = "transient"
	Permanent   Class = "permanent"
	RateLimited Class = "rate_limited"
)

// Outcome maps the class onto the task outcome reported by workers.
func (c Class) Outcome() acquire.Outcome {
	switch c {
	case RateLimited:
		return acquire.OutcomeRateLimited
	case Permanent:
		return acquire.OutcomePermanent
	default:
		return acquire.OutcomeTransient
	}
}

// Config holds retry knobs.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           float64
	MaxThrottles     int
	StorageBaseDelay time.Duration
}

// Policy implements exponential backoff with jitter. Rate-limited requeues
// are tracked against a separate throttle budget.
type Policy struct {
	cfg Config
}

// NewPolicy builds a policy, filling zero values with defaults.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.2
	}
	if cfg.MaxThrottles <= 0 {
		cfg.MaxThrottles = 10
	}
	if cfg.StorageBaseDelay <= 0 {
		cfg.StorageBaseDelay = 250 * time.Millisecond
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts returns the per-task attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Classify maps err onto a retry class. Unknown errors are treated as
// transient so the attempt budget bounds them.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, acquire.ErrRateLimitTimeout) {
		return RateLimited
	}
	if errors.Is(err, acquire.ErrRobotsDisallowed) {
		return Permanent
	}
	var fetchErr *acquire.FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		return classifyStatus(fetchErr.StatusCode)
	}
	var extractErr *acquire.ExtractionError
	if errors.As(err, &extractErr) {
		return Permanent
	}
	if errors.Is(err, acquire.ErrUnknownSource) || errors.Is(err, acquire.ErrInvalidJob) {
		return Permanent
	}
	var storageErr *acquire.StorageError
	if errors.As(err, &storageErr) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"too many requests", "rate limit"} {
		if strings.Contains(msg, marker) {
			return RateLimited
		}
	}
	for _, marker := range []string{"unsupported", "malformed", "invalid"} {
		if strings.Contains(msg, marker) {
			return Permanent
		}
	}
	return Transient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusForbidden:
		return RateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}

// NextAttempt returns the delay before retrying task after a transient
// failure, or false once its attempt budget is spent. task.Attempt counts
// executions already made.
func (p *Policy) NextAttempt(task acquire.Task) (time.Duration, bool) {
	if task.Attempt >= p.cfg.MaxAttempts {
		return 0, false
	}
	retry := task.Attempt - 1
	if retry < 0 {
		retry = 0
	}
	return p.backoff(p.cfg.BaseDelay, retry), true
}

// NextThrottle returns the requeue delay for a rate-limited task, or false
// once its throttle budget is spent. Pacing itself comes from the limiter.
func (p *Policy) NextThrottle(task acquire.Task) (time.Duration, bool) {
	if task.Throttles >= p.cfg.MaxThrottles {
		return 0, false
	}
	return p.jitter(p.cfg.BaseDelay), true
}

// StorageBackoff returns the delay before the given storage retry (0-based).
func (p *Policy) StorageBackoff(attempt int) time.Duration {
	return p.backoff(p.cfg.StorageBaseDelay, attempt)
}

func (p *Policy) backoff(base time.Duration, exp int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(exp))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return p.jitter(time.Duration(delay))
}

// jitter spreads d uniformly over [d*(1-j), d*(1+j)].
func (p *Policy) jitter(d time.Duration) time.Duration {
	spread := time.Duration(float64(d) * p.cfg.Jitter)
	if spread <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*spread)+1))
	if err != nil {
		return d
	}
	return d - spread + time.Duration(n.Int64())
}
