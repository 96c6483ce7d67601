// Package config loads and validates engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig            `mapstructure:"server"`
	Auth         AuthConfig              `mapstructure:"auth"`
	Logging      LoggingConfig           `mapstructure:"logging"`
	HTTP         HTTPConfig              `mapstructure:"http"`
	Scheduler    SchedulerConfig         `mapstructure:"scheduler"`
	RateLimit    RateLimitConfig         `mapstructure:"ratelimit"`
	Retry        RetryConfig             `mapstructure:"retry"`
	Quality      QualityConfig           `mapstructure:"quality"`
	Dedup        DedupConfig             `mapstructure:"dedup"`
	Jobs         JobsConfig              `mapstructure:"jobs"`
	Storage      StorageConfig           `mapstructure:"storage"`
	DB           DBConfig                `mapstructure:"db"`
	PubSub       PubSubConfig            `mapstructure:"pubsub"`
	Progress     ProgressConfig          `mapstructure:"progress"`
	Sources      map[string]SourceConfig `mapstructure:"sources"`
	StandardJobs map[string]StandardJob  `mapstructure:"standard_jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures outbound fetches.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	Workers           int `mapstructure:"workers"`
	MaxInFlightPerJob int `mapstructure:"max_in_flight_per_job"`
}

// RateLimitConfig sets the adaptive limiter defaults applied to every source.
type RateLimitConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Escalation  float64       `mapstructure:"escalation"`
	Decay       float64       `mapstructure:"decay"`
	DecayAfter  int           `mapstructure:"decay_after"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// RetryConfig controls task and storage backoff.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Jitter           float64       `mapstructure:"jitter"`
	MaxThrottles     int           `mapstructure:"max_throttles"`
	StorageAttempts  int           `mapstructure:"storage_attempts"`
	StorageBaseDelay time.Duration `mapstructure:"storage_base_delay"`
}

// QualityConfig sets the low-quality threshold and quarantine policy.
type QualityConfig struct {
	Threshold  float64 `mapstructure:"threshold"`
	Quarantine bool    `mapstructure:"quarantine"`
}

// DedupConfig bounds the fingerprint index.
type DedupConfig struct {
	CapacityPerScope int `mapstructure:"capacity_per_scope"`
}

// JobsConfig governs job lifecycle policy.
type JobsConfig struct {
	DefaultTarget     int           `mapstructure:"default_target"`
	AttemptCeiling    int           `mapstructure:"attempt_ceiling"`
	FailureRate       float64       `mapstructure:"failure_rate"`
	StallWindow       time.Duration `mapstructure:"stall_window"`
	DefaultThroughput float64       `mapstructure:"default_throughput"`
	CancelMode        string        `mapstructure:"cancel_mode"`
	ResumeInterrupted bool          `mapstructure:"resume_interrupted"`
}

// StorageConfig selects record and quarantine backends.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	QuarantineKind   string `mapstructure:"quarantine_backend"`
	QuarantineDir    string `mapstructure:"quarantine_dir"`
	QuarantineBucket string `mapstructure:"quarantine_bucket"`
	QuarantinePrefix string `mapstructure:"quarantine_prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	RecordsTable string `mapstructure:"records_table"`
	JobsTable    string `mapstructure:"jobs_table"`
}

// PubSubConfig holds metadata for record notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// SourceConfig describes one external source.
type SourceConfig struct {
	Kind            string              `mapstructure:"kind"`
	BaseURL         string              `mapstructure:"base_url"`
	PageTemplate    string              `mapstructure:"page_template"`
	Categories      map[string][]string `mapstructure:"categories"`
	MaxPages        int                 `mapstructure:"max_pages"`
	TrustWeight     float64             `mapstructure:"trust_weight"`
	Throughput      float64             `mapstructure:"throughput_per_minute"`
	MinInterval     time.Duration       `mapstructure:"min_interval"`
	MaxInterval     time.Duration       `mapstructure:"max_interval"`
	Selectors       acquire.Selectors   `mapstructure:"selectors"`
	MinTextLength   int                 `mapstructure:"min_text_length"`
	MaxTextLength   int                 `mapstructure:"max_text_length"`
	RequiredOptions int                 `mapstructure:"required_options"`
	MaxOptionLength int                 `mapstructure:"max_option_length"`
}

// StandardJob is a named job preset, optionally submitted on a cron schedule.
type StandardJob struct {
	Source      string `mapstructure:"source"`
	Category    string `mapstructure:"category"`
	TargetCount int    `mapstructure:"target_count"`
	Priority    int    `mapstructure:"priority"`
	Schedule    string `mapstructure:"schedule"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("ACQUIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("http.user_agent", "acquisition-engine/0.1")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.max_in_flight_per_job", 8)
	v.SetDefault("ratelimit.min_interval", "2s")
	v.SetDefault("ratelimit.max_interval", "60s")
	v.SetDefault("ratelimit.escalation", 2.0)
	v.SetDefault("ratelimit.decay", 0.8)
	v.SetDefault("ratelimit.decay_after", 5)
	v.SetDefault("ratelimit.max_wait", "2m")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_throttles", 10)
	v.SetDefault("retry.storage_attempts", 3)
	v.SetDefault("retry.storage_base_delay", "250ms")
	v.SetDefault("quality.threshold", 0.6)
	v.SetDefault("quality.quarantine", true)
	v.SetDefault("dedup.capacity_per_scope", 100000)
	v.SetDefault("jobs.default_target", 1000)
	v.SetDefault("jobs.attempt_ceiling", 200)
	v.SetDefault("jobs.failure_rate", 0.05)
	v.SetDefault("jobs.stall_window", "5m")
	v.SetDefault("jobs.default_throughput", 10.0)
	v.SetDefault("jobs.cancel_mode", string(acquire.CancelDrain))
	v.SetDefault("jobs.resume_interrupted", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.quarantine_backend", "memory")
	v.SetDefault("storage.quarantine_prefix", "quarantine")
	v.SetDefault("db.records_table", "questions")
	v.SetDefault("db.jobs_table", "scraping_jobs")
	v.SetDefault("pubsub.topic_name", "records-saved")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("sources", defaultSources())
}

func defaultSources() map[string]any {
	return map[string]any{
		"indiabix": map[string]any{
			"kind":                  "html",
			"base_url":              "https://www.indiabix.com",
			"page_template":         "{base}{path}{page}",
			"max_pages":             50,
			"trust_weight":          0.9,
			"throughput_per_minute": 10.0,
			"min_interval":          "2s",
			"max_interval":          "60s",
			"min_text_length":       10,
			"max_text_length":       2000,
			"required_options":      4,
			"max_option_length":     200,
			"selectors": map[string]any{
				"question":    ".question-text, .question p, h4, .question-title",
				"options":     ".option, .choice, li",
				"answer":      ".answer, .correct-answer, .solution",
				"explanation": ".explanation, .answer-description, .solution-text",
			},
			"categories": map[string]any{
				"quantitative_aptitude": []string{
					"/aptitude/percentage/",
					"/aptitude/profit-and-loss/",
					"/aptitude/simple-interest/",
					"/aptitude/time-and-work/",
					"/aptitude/time-and-distance/",
					"/aptitude/probability/",
				},
				"logical_reasoning": []string{
					"/logical-reasoning/series-completion/",
					"/logical-reasoning/analogies/",
					"/logical-reasoning/coding-decoding/",
					"/logical-reasoning/blood-relation-test/",
					"/logical-reasoning/syllogism/",
				},
				"verbal_ability": []string{
					"/verbal-ability/synonyms/",
					"/verbal-ability/antonyms/",
					"/verbal-ability/sentence-completion/",
					"/verbal-ability/spotting-errors/",
				},
				"general_knowledge": []string{
					"/general-knowledge/indian-history/",
					"/general-knowledge/world-geography/",
					"/general-knowledge/general-science/",
				},
			},
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.RateLimit.Escalation < 1 {
		return fmt.Errorf("ratelimit.escalation must be >= 1")
	}
	if c.RateLimit.Decay <= 0 || c.RateLimit.Decay > 1 {
		return fmt.Errorf("ratelimit.decay must be in (0,1]")
	}
	if c.RateLimit.MaxInterval < c.RateLimit.MinInterval {
		return fmt.Errorf("ratelimit.max_interval must be >= ratelimit.min_interval")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 1 {
		return fmt.Errorf("quality.threshold must be in [0,1]")
	}
	if c.Jobs.AttemptCeiling <= 0 {
		return fmt.Errorf("jobs.attempt_ceiling must be > 0")
	}
	if c.Jobs.FailureRate < 0 || c.Jobs.FailureRate > 1 {
		return fmt.Errorf("jobs.failure_rate must be in [0,1]")
	}
	switch acquire.CancelMode(c.Jobs.CancelMode) {
	case acquire.CancelDrain, acquire.CancelHard:
	default:
		return fmt.Errorf("jobs.cancel_mode must be drain or hard")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	switch c.Storage.QuarantineKind {
	case "memory":
	case "local":
		if c.Storage.QuarantineDir == "" {
			return fmt.Errorf("storage.quarantine_dir must be set for the local quarantine backend")
		}
	case "gcs":
		if c.Storage.QuarantineBucket == "" {
			return fmt.Errorf("storage.quarantine_bucket must be set for the gcs quarantine backend")
		}
	default:
		return fmt.Errorf("storage.quarantine_backend must be memory, local or gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for id, src := range c.Sources {
		if src.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url must be set", id)
		}
		if len(src.Categories) == 0 {
			return fmt.Errorf("sources.%s.categories must not be empty", id)
		}
		if src.TrustWeight < 0 || src.TrustWeight > 1 {
			return fmt.Errorf("sources.%s.trust_weight must be in [0,1]", id)
		}
	}
	for name, job := range c.StandardJobs {
		src, ok := c.Sources[job.Source]
		if !ok {
			return fmt.Errorf("standard_jobs.%s references unknown source %q", name, job.Source)
		}
		if _, ok := src.Categories[job.Category]; !ok {
			return fmt.Errorf("standard_jobs.%s references unknown category %q", name, job.Category)
		}
	}
	return nil
}

// Profiles converts the configured sources into domain profiles, filling
// limiter bounds from the global defaults when a source leaves them unset.
func (c Config) Profiles() []acquire.SourceProfile {
	profiles := make([]acquire.SourceProfile, 0, len(c.Sources))
	for id, src := range c.Sources {
		kind := src.Kind
		if kind == "" {
			kind = "html"
		}
		minInterval := src.MinInterval
		if minInterval == 0 {
			minInterval = c.RateLimit.MinInterval
		}
		maxInterval := src.MaxInterval
		if maxInterval == 0 {
			maxInterval = c.RateLimit.MaxInterval
		}
		profiles = append(profiles, acquire.SourceProfile{
			ID:              id,
			Kind:            kind,
			BaseURL:         src.BaseURL,
			PageTemplate:    src.PageTemplate,
			Categories:      src.Categories,
			MaxPages:        src.MaxPages,
			TrustWeight:     src.TrustWeight,
			Throughput:      src.Throughput,
			MinInterval:     minInterval,
			MaxInterval:     maxInterval,
			Selectors:       src.Selectors,
			MinTextLength:   src.MinTextLength,
			MaxTextLength:   src.MaxTextLength,
			RequiredOptions: src.RequiredOptions,
			MaxOptionLength: src.MaxOptionLength,
		})
	}
	return profiles
}
