package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// TaskEngine controls the worker pool that executes claimed plans.
	// If omitted, it is enabled whenever the scheduler is.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Scheduler controls the polling triggers (tick, recovery, expiry sweep).
	Scheduler SchedulerConfig `json:"scheduler"`

	Mandates  MandatesConfig            `json:"mandates"`
	Planner   PlannerConfig             `json:"planner"`
	Execution ExecutionConfig           `json:"execution"`
	RateLimit RateLimitConfig           `json:"ratelimit"`
	Providers map[string]EndpointConfig `json:"providers"`
	Payments  EndpointConfig            `json:"payments"`
	HTTP      HTTPConfig                `json:"http"`
	Tracing   TracingConfig             `json:"tracing"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ log lines to an ops webhook.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"` // may embed a secret (do not log)
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./signupassist.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // memory | sqlite | postgres
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// SchedulerConfig controls the trigger service and plan dispatch.
//
// Poll, Recovery and ExpirySweep accept the schedule forms of the trigger
// service: "@every 15s", a cron expression, "HH:MM" or a bare duration.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Poll        string `json:"poll,omitempty"`         // default "15s"
	Recovery    string `json:"recovery,omitempty"`     // default "1m"
	ExpirySweep string `json:"expiry_sweep,omitempty"` // default "5m"

	Lookahead        string `json:"lookahead,omitempty"`    // default "5m"
	MissedGrace      string `json:"missed_grace,omitempty"` // default "10m"
	BatchSize        int    `json:"batch_size,omitempty"`
	ClaimConcurrency int    `json:"claim_concurrency,omitempty"`
	ExecBudget       string `json:"exec_budget,omitempty"` // default "10m"
	StaleAfter       string `json:"stale_after,omitempty"` // default "30m"
}

type MandatesConfig struct {
	// Scopes restricts the grantable scope catalog. Empty means all known scopes.
	Scopes []string `json:"scopes,omitempty"`
	// MaxAdvance is the global scheduling horizon, e.g. "720h". Empty disables it.
	MaxAdvance string `json:"max_advance,omitempty"`
}

type PlannerConfig struct {
	DefaultServiceFeeCents int64 `json:"default_service_fee_cents"`
}

type ExecutionConfig struct {
	LoginRetries int           `json:"login_retries,omitempty"`
	LoginBackoff string        `json:"login_backoff,omitempty"`
	StepTimeout  string        `json:"step_timeout,omitempty"`
	Breaker      BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig is the per-provider circuit breaker. trip_failures < 0
// disables it; zero values take the built-in defaults.
type BreakerConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type RateLimitConfig struct {
	Driver     string      `json:"driver,omitempty"` // none | local | redis
	RatePerSec float64     `json:"rate_per_sec,omitempty"`
	Burst      int         `json:"burst,omitempty"`
	Redis      RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

// EndpointConfig is one remote capability (provider or payment processor).
type EndpointConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// HTTPConfig controls the API server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
}
