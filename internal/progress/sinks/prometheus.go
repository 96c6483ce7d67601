package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/acquisition-engine/internal/progress"
)

// PrometheusSink exports job lifecycle and task outcome counters.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	tasks        *prometheus.CounterVec
	requeues     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_jobs_started_total",
			Help: "Jobs that started dispatching.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_jobs_finished_total",
			Help: "Jobs that drained, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_jobs_running",
			Help: "Jobs started and not yet drained.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_task_results_total",
			Help: "Final task results partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_task_requeues_total",
			Help: "Task requeues partitioned by source and triggering outcome.",
		}, []string{"source", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_task_duration_seconds",
			Help:    "Task execution time partitioned by source.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted, s.jobsFinished, s.jobsRunning, s.tasks, s.requeues, s.taskDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.track(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone, progress.StageJobError:
			result := "done"
			if evt.Stage == progress.StageJobError {
				result = "error"
			}
			s.jobsFinished.WithLabelValues(result).Inc()
			if s.track(evt.JobID, false) {
				s.jobsRunning.Dec()
			}
		case progress.StageTaskDone:
			s.tasks.WithLabelValues(evt.Source, evt.Outcome).Inc()
			if evt.Dur > 0 {
				s.taskDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
			}
		case progress.StageTaskRequeued:
			s.requeues.WithLabelValues(evt.Source, evt.Outcome).Inc()
		}
	}
	return nil
}

// track records a job as running (start) or finished and reports whether the
// running set changed.
func (s *PrometheusSink) track(jobID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.running[jobID]
	if start {
		if present {
			return false
		}
		s.running[jobID] = struct{}{}
		return true
	}
	if !present {
		return false
	}
	delete(s.running, jobID)
	return true
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
