package jobs

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/scheduler"
)

// DependencyHealth is the state of one dependency.
type DependencyHealth struct {
	State acquire.HealthState `json:"status"`
	Error string              `json:"error,omitempty"`
}

// HealthReport summarizes engine health for operators.
type HealthReport struct {
	Status            acquire.HealthState         `json:"status"`
	Dependencies      map[string]DependencyHealth `json:"dependencies"`
	ActiveConnections int                         `json:"active_connections"`
	Warnings          []string                    `json:"warnings,omitempty"`
	CheckedAt         time.Time                   `json:"checked_at"`
}

// Stats is the aggregate view served by the stats endpoint. Jobs counts the
// live jobs plus those archived to the store by this process.
type Stats struct {
	Jobs       map[acquire.JobStatus]int `json:"jobs"`
	Pool       scheduler.Metrics         `json:"pool"`
	Stalled    int                       `json:"stalled"`
	Records    *acquire.RecordSummary    `json:"records,omitempty"`
	RateLimits map[string]time.Duration  `json:"rate_limit_intervals,omitempty"`
	Dedup      map[string]int            `json:"dedup_sizes,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
	Generated  time.Time                 `json:"generated_at"`
}

// Health pings storage dependencies and the fetch pool. A failing dependency
// marks it down and the overall status degraded; a down pool means the
// engine cannot make progress at all.
func (m *Manager) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:       acquire.HealthHealthy,
		Dependencies: make(map[string]DependencyHealth, len(m.pingers)+1),
		CheckedAt:    m.clock.Now(),
	}
	names := make([]string, 0, len(m.pingers))
	for name := range m.pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.pingers[name].Ping(ctx); err != nil {
			report.Dependencies[name] = DependencyHealth{State: acquire.HealthDown, Error: err.Error()}
			report.Status = acquire.HealthDegraded
			continue
		}
		report.Dependencies[name] = DependencyHealth{State: acquire.HealthHealthy}
	}
	if err := m.sched.Ready(ctx); err != nil {
		report.Dependencies["fetch"] = DependencyHealth{State: acquire.HealthDown, Error: err.Error()}
		report.Status = acquire.HealthDown
	} else {
		report.Dependencies["fetch"] = DependencyHealth{State: acquire.HealthHealthy}
	}

	m.mu.Lock()
	for _, e := range m.jobs {
		if e.job.Status != acquire.JobStatusRunning {
			continue
		}
		report.ActiveConnections++
		if e.job.Stalled {
			report.Warnings = append(report.Warnings, "job "+e.job.ID+" stalled since "+e.job.LastProgressAt.Format(time.RFC3339))
		}
	}
	m.mu.Unlock()
	sort.Strings(report.Warnings)
	if len(report.Warnings) > 0 && report.Status == acquire.HealthHealthy {
		report.Status = acquire.HealthDegraded
	}
	return report
}

// Stats returns job counts by status, the pool metrics and, when wired, the
// saved-record summary, per-source pacing and dedup index sizes. A failing
// record summary is reported as a warning.
func (m *Manager) Stats(ctx context.Context) Stats {
	out := Stats{
		Jobs:      make(map[acquire.JobStatus]int),
		Pool:      m.sched.DrainMetrics(),
		Generated: m.clock.Now(),
	}
	m.mu.Lock()
	for status, n := range m.archived {
		out.Jobs[status] += n
	}
	for _, e := range m.jobs {
		out.Jobs[e.job.Status]++
		if e.job.Stalled {
			out.Stalled++
		}
	}
	m.mu.Unlock()

	if m.inspect.Records != nil {
		summary, err := m.inspect.Records.Summary(ctx)
		if err != nil {
			m.logger.Warn("summarize records", zap.Error(err))
			out.Warnings = append(out.Warnings, "records: "+err.Error())
		} else {
			out.Records = &summary
		}
	}
	if m.inspect.Limiter != nil {
		out.RateLimits = m.inspect.Limiter.Snapshot()
	}
	if m.inspect.Dedup != nil {
		out.Dedup = m.inspect.Dedup.Sizes()
	}
	return out
}

// CheckStalled flags running jobs without progress for longer than the stall
// window and returns their IDs. Stalled jobs keep running.
func (m *Manager) CheckStalled(now time.Time) []string {
	var flagged []*entry
	m.mu.Lock()
	for _, e := range m.jobs {
		if e.job.Status != acquire.JobStatusRunning || e.job.Stalled {
			continue
		}
		if now.Sub(e.job.LastProgressAt) >= m.cfg.StallWindow {
			e.job.Stalled = true
			flagged = append(flagged, e)
			m.logger.Warn("job stalled",
				zap.String("job_id", e.job.ID),
				zap.Time("last_progress_at", e.job.LastProgressAt),
				zap.Duration("window", m.cfg.StallWindow),
			)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(flagged))
	for _, e := range flagged {
		m.write(context.Background(), e)
		ids = append(ids, e.job.ID)
	}
	sort.Strings(ids)
	return ids
}

// Run checks for stalled jobs until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.StallWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckStalled(m.clock.Now())
		}
	}
}
