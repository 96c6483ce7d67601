// Package ratelimit implements an adaptive per-source limiter. Each source
// holds a minimum inter-request interval that grows multiplicatively on
// throttling signals and decays back toward its floor after a run of
// successes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/metrics"
)

const seedInterval = 500 * time.Millisecond

// Config holds limiter defaults used for sources without explicit bounds.
type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Escalation  float64
	Decay       float64
	DecayAfter  int
	MaxWait     time.Duration
}

// Limiter manages per-source pacing. Reservations are taken under the
// underlying rate.Limiter's lock, so concurrent acquirers of one source are
// admitted in arrival order.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	sources map[string]*sourceState
}

type sourceState struct {
	limiter  *rate.Limiter
	floor    time.Duration
	ceiling  time.Duration
	interval time.Duration
	streak   int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Escalation < 1 {
		cfg.Escalation = 2
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = 0.8
	}
	if cfg.DecayAfter <= 0 {
		cfg.DecayAfter = 1
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	return &Limiter{
		cfg:     cfg,
		sources: make(map[string]*sourceState),
	}
}

// Configure sets the floor and ceiling for source. The current interval is
// clamped into the new bounds.
func (l *Limiter) Configure(source string, floor, ceiling time.Duration) {
	if ceiling < floor {
		ceiling = floor
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(source)
	st.floor = floor
	st.ceiling = ceiling
	l.applyLocked(source, st, clamp(st.interval, floor, ceiling))
}

// Acquire waits until source admits another request. maxWait bounds the
// wait; zero uses the configured default and a negative value disables the
// bound. When the slot is further away than maxWait, the reservation is
// released and ErrRateLimitTimeout is returned without waiting.
func (l *Limiter) Acquire(ctx context.Context, source string, maxWait time.Duration) error {
	if maxWait == 0 {
		maxWait = l.cfg.MaxWait
	}
	l.mu.Lock()
	lim := l.stateLocked(source).limiter
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("source %s: %w", source, acquire.ErrRateLimitTimeout)
	}
	delay := r.DelayFrom(now)
	if maxWait > 0 && delay > maxWait {
		r.CancelAt(now)
		return fmt.Errorf("source %s: slot in %s: %w", source, delay, acquire.ErrRateLimitTimeout)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	case <-timer.C:
	}
	metrics.ObserveRateLimitDelay(source, delay)
	return nil
}

// ReportThrottled escalates the interval for source after a 429/403 style
// signal. The interval never decreases here.
func (l *Limiter) ReportThrottled(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(source)
	st.streak = 0
	next := time.Duration(float64(st.interval) * l.cfg.Escalation)
	if next <= st.interval {
		next = st.interval + seedInterval
	}
	if next > st.ceiling {
		next = st.ceiling
	}
	if next < st.interval {
		next = st.interval
	}
	l.applyLocked(source, st, next)
}

// ReportSuccess records a successful request. After DecayAfter consecutive
// successes the interval shrinks by the decay factor, bounded by the floor.
func (l *Limiter) ReportSuccess(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(source)
	st.streak++
	if st.streak < l.cfg.DecayAfter || st.interval <= st.floor {
		return
	}
	st.streak = 0
	l.applyLocked(source, st, clamp(time.Duration(float64(st.interval)*l.cfg.Decay), st.floor, st.ceiling))
}

// Snapshot returns the current interval of every known source.
func (l *Limiter) Snapshot() map[string]time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Duration, len(l.sources))
	for k, st := range l.sources {
		out[k] = st.interval
	}
	return out
}

func (l *Limiter) stateLocked(source string) *sourceState {
	st, ok := l.sources[source]
	if ok {
		return st
	}
	st = &sourceState{
		floor:    l.cfg.MinInterval,
		ceiling:  l.cfg.MaxInterval,
		interval: l.cfg.MinInterval,
		limiter:  rate.NewLimiter(limitFor(l.cfg.MinInterval), 1),
	}
	l.sources[source] = st
	return st
}

func (l *Limiter) applyLocked(source string, st *sourceState, interval time.Duration) {
	if interval == st.interval {
		return
	}
	st.interval = interval
	st.limiter.SetLimitAt(time.Now(), limitFor(interval))
	metrics.SetRateLimitInterval(source, interval)
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
