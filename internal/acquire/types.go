package acquire

import (
	"net/http"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

// Job statuses.
const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CancelMode selects how in-flight tasks are treated when a job is cancelled.
type CancelMode string

// Cancellation modes.
const (
	// CancelDrain stops dispatch and lets in-flight tasks finish.
	CancelDrain CancelMode = "drain"
	// CancelHard interrupts in-flight tasks at their next suspension point.
	CancelHard CancelMode = "hard"
)

// JobSpec is the declarative request an operator submits.
type JobSpec struct {
	Name        string `json:"job_name"`
	Source      string `json:"source"`
	Category    string `json:"category"`
	TargetCount int    `json:"target_count"`
	Priority    int    `json:"priority"`
}

// JobCounters tracks per-job progress.
type JobCounters struct {
	Attempted   int `json:"attempted"`
	Saved       int `json:"saved"`
	Duplicates  int `json:"duplicates"`
	LowQuality  int `json:"low_quality"`
	Failed      int `json:"failed"`
	Retried     int `json:"retried"`
	RateLimited int `json:"rate_limited"`
	Surplus     int `json:"surplus"`
}

// SuccessRate returns saved / attempted, or zero when nothing was attempted.
func (c JobCounters) SuccessRate() float64 {
	if c.Attempted == 0 {
		return 0
	}
	return float64(c.Saved) / float64(c.Attempted)
}

// Job is the operator-visible record of one acquisition request.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"job_name"`
	Source         string      `json:"source"`
	Category       string      `json:"category"`
	TargetCount    int         `json:"target_count"`
	Priority       int         `json:"priority"`
	Status         JobStatus   `json:"status"`
	Counters       JobCounters `json:"counters"`
	SuccessRate    float64     `json:"success_rate"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	LastProgressAt time.Time   `json:"last_progress_at"`
	Stalled        bool        `json:"stalled"`
	Error          string      `json:"error,omitempty"`
	// Cursor is the discovery position, kept so an interrupted job can resume.
	Cursor *DiscoveryCursor `json:"cursor,omitempty"`
	// Revision increases with every save. Stores never replace a snapshot
	// with one of a lower revision.
	Revision int64 `json:"-"`
}

// DiscoveryCursor captures the position of a job's page sequence.
type DiscoveryCursor struct {
	Next      int             `json:"next"`
	Pages     map[string]int  `json:"pages"`
	Failures  map[string]int  `json:"failures"`
	Exhausted map[string]bool `json:"exhausted"`
}

// RecordSummary aggregates persisted records.
type RecordSummary struct {
	Total          int            `json:"total"`
	ByCategory     map[string]int `json:"by_category"`
	AverageQuality float64        `json:"average_quality"`
}

// Task is one schedulable unit of fetch work derived from a job.
type Task struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Source      string    `json:"source"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	URL         string    `json:"url"`
	Attempt     int       `json:"attempt"`
	Throttles   int       `json:"throttles"`
	Priority    int       `json:"priority"`
	NotBefore   time.Time `json:"not_before"`
}

// Outcome classifies the result of one task execution.
type Outcome string

// Task outcomes.
const (
	OutcomeSuccess          Outcome = "success"
	OutcomeSuccessDiscarded Outcome = "success_discarded"
	OutcomeLowQuality       Outcome = "low_quality"
	OutcomeTransient        Outcome = "transient_failure"
	OutcomePermanent        Outcome = "permanent_failure"
	OutcomeRateLimited      Outcome = "rate_limited"
)

// Failure reports whether o represents a failed attempt.
func (o Outcome) Failure() bool {
	switch o {
	case OutcomeTransient, OutcomePermanent, OutcomeRateLimited:
		return true
	default:
		return false
	}
}

// FetchResult is produced by a worker for one task attempt.
type FetchResult struct {
	TaskID      string           `json:"task_id"`
	Outcome     Outcome          `json:"outcome"`
	Document    *Document        `json:"-"`
	Fields      *ExtractedFields `json:"fields,omitempty"`
	Score       float64          `json:"quality_score"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	RecordID    string           `json:"record_id,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Err         error            `json:"-"`
}

// FetchRequest describes a single retrieval.
type FetchRequest struct {
	URL     string
	Source  string
	Headers http.Header
}

// Document is the raw payload returned by a fetcher.
type Document struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// ExtractedFields holds the structured content pulled from a document.
type ExtractedFields struct {
	Text        string   `json:"question_text"`
	Options     []string `json:"options"`
	Answer      string   `json:"correct_answer"`
	Explanation string   `json:"explanation,omitempty"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Concepts    []string `json:"concepts,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
}

// Selectors maps extracted fields to CSS selectors for HTML sources and to
// gjson paths for API sources.
type Selectors struct {
	Question    string `json:"question" mapstructure:"question"`
	Options     string `json:"options" mapstructure:"options"`
	Answer      string `json:"answer" mapstructure:"answer"`
	Explanation string `json:"explanation" mapstructure:"explanation"`
}

// SourceProfile describes how a source is fetched, paced and scored.
type SourceProfile struct {
	ID              string              `json:"id"`
	Kind            string              `json:"kind"`
	BaseURL         string              `json:"base_url"`
	PageTemplate    string              `json:"page_template"`
	Categories      map[string][]string `json:"categories"`
	MaxPages        int                 `json:"max_pages"`
	TrustWeight     float64             `json:"trust_weight"`
	Throughput      float64             `json:"throughput_per_minute"`
	MinInterval     time.Duration       `json:"min_interval"`
	MaxInterval     time.Duration       `json:"max_interval"`
	Selectors       Selectors           `json:"selectors"`
	MinTextLength   int                 `json:"min_text_length"`
	MaxTextLength   int                 `json:"max_text_length"`
	RequiredOptions int                 `json:"required_options"`
	MaxOptionLength int                 `json:"max_option_length"`
}

// HasCategory reports whether the profile declares category.
func (p SourceProfile) HasCategory(category string) bool {
	_, ok := p.Categories[category]
	return ok
}

// Record is a validated document ready for persistence.
type Record struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Source       string          `json:"source"`
	Category     string          `json:"category"`
	Fingerprint  string          `json:"fingerprint"`
	Fields       ExtractedFields `json:"fields"`
	QualityScore float64         `json:"quality_score"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HealthState is the coarse status of a dependency.
type HealthState string

// Health states.
const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)
