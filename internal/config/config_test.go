package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8001, cfg.Server.Port)
	require.Equal(t, 8, cfg.Scheduler.Workers)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.RateLimit.MinInterval)
	require.InDelta(t, 0.05, cfg.Jobs.FailureRate, 1e-9)
	require.True(t, cfg.Jobs.ResumeInterrupted)
	require.Equal(t, "memory", cfg.Storage.Backend)

	src, ok := cfg.Sources["indiabix"]
	require.True(t, ok)
	require.Equal(t, "https://www.indiabix.com", src.BaseURL)
	require.Contains(t, src.Categories, "logical_reasoning")
	require.Equal(t, 4, src.RequiredOptions)
	require.NotEmpty(t, src.Selectors.Question)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  workers: 32
  max_in_flight_per_job: 4
ratelimit:
  min_interval: 500ms
  max_interval: 30s
retry:
  max_attempts: 3
jobs:
  attempt_ceiling: 50
  cancel_mode: hard
logging:
  development: false
sources:
  quizapi:
    kind: api
    base_url: https://quiz.example.com
    page_template: "{base}{path}?page={page}"
    trust_weight: 0.5
    categories:
      science: ["/v1/questions/science"]
standard_jobs:
  nightly-science:
    source: quizapi
    category: science
    target_count: 25
    schedule: "@daily"
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, 32, cfg.Scheduler.Workers)
	require.Equal(t, 500*time.Millisecond, cfg.RateLimit.MinInterval)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, "hard", cfg.Jobs.CancelMode)
	require.False(t, cfg.Logging.Development)

	quiz, ok := cfg.Sources["quizapi"]
	require.True(t, ok)
	require.Equal(t, "api", quiz.Kind)
	require.Equal(t, []string{"/v1/questions/science"}, quiz.Categories["science"])

	job, ok := cfg.StandardJobs["nightly-science"]
	require.True(t, ok)
	require.Equal(t, 25, job.TargetCount)
	require.Equal(t, "@daily", job.Schedule)
}

func TestProfilesFillLimiterBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{
		RateLimit: RateLimitConfig{MinInterval: time.Second, MaxInterval: time.Minute},
		Sources: map[string]SourceConfig{
			"a": {BaseURL: "https://a", Categories: map[string][]string{"x": {"/x"}}},
			"b": {BaseURL: "https://b", Kind: "api", MinInterval: 3 * time.Second, Categories: map[string][]string{"y": {"/y"}}},
		},
	}
	profiles := cfg.Profiles()
	require.Len(t, profiles, 2)
	byID := map[string]int{}
	for i, p := range profiles {
		byID[p.ID] = i
	}
	a := profiles[byID["a"]]
	require.Equal(t, "html", a.Kind)
	require.Equal(t, time.Second, a.MinInterval)
	require.Equal(t, time.Minute, a.MaxInterval)
	b := profiles[byID["b"]]
	require.Equal(t, "api", b.Kind)
	require.Equal(t, 3*time.Second, b.MinInterval)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8001},
			HTTP:      HTTPConfig{Timeout: time.Second},
			Scheduler: SchedulerConfig{Workers: 1},
			RateLimit: RateLimitConfig{Escalation: 2, Decay: 0.5, MinInterval: time.Second, MaxInterval: time.Minute},
			Retry:     RetryConfig{MaxAttempts: 5},
			Quality:   QualityConfig{Threshold: 0.5},
			Jobs:      JobsConfig{AttemptCeiling: 10, FailureRate: 0.05, CancelMode: "drain"},
			Storage:   StorageConfig{Backend: "memory", QuarantineKind: "memory"},
			Sources: map[string]SourceConfig{
				"s": {BaseURL: "https://s", TrustWeight: 0.5, Categories: map[string][]string{"c": {"/c"}}},
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"escalation", func(c *Config) { c.RateLimit.Escalation = 0.5 }, "ratelimit.escalation"},
		{"decay", func(c *Config) { c.RateLimit.Decay = 1.5 }, "ratelimit.decay"},
		{"interval order", func(c *Config) { c.RateLimit.MaxInterval = time.Millisecond }, "ratelimit.max_interval"},
		{"threshold", func(c *Config) { c.Quality.Threshold = 2 }, "quality.threshold"},
		{"cancel mode", func(c *Config) { c.Jobs.CancelMode = "later" }, "jobs.cancel_mode"},
		{"postgres dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "db.dsn"},
		{"quarantine dir", func(c *Config) { c.Storage.QuarantineKind = "local" }, "quarantine_dir"},
		{"quarantine bucket", func(c *Config) { c.Storage.QuarantineKind = "gcs" }, "quarantine_bucket"},
		{"pubsub", func(c *Config) { c.PubSub.Enabled = true }, "pubsub.project_id"},
		{"no sources", func(c *Config) { c.Sources = nil }, "at least one source"},
		{"trust weight", func(c *Config) {
			c.Sources["s"] = SourceConfig{BaseURL: "https://s", TrustWeight: 3, Categories: map[string][]string{"c": {"/c"}}}
		}, "trust_weight"},
		{"standard job source", func(c *Config) {
			c.StandardJobs = map[string]StandardJob{"j": {Source: "missing", Category: "c"}}
		}, "unknown source"},
		{"standard job category", func(c *Config) {
			c.StandardJobs = map[string]StandardJob{"j": {Source: "s", Category: "missing"}}
		}, "unknown category"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.errSub), err.Error())
		})
	}
}
