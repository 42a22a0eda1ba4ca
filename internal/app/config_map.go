package app

import (
	"fmt"
	"strings"
	"time"

	"signupassist/internal/cancellation"
	"signupassist/internal/capability/httpcap"
	"signupassist/internal/config"
	"signupassist/internal/dispatch"
	"signupassist/internal/execution"
	"signupassist/internal/httpapi"
	"signupassist/internal/mandate"
	"signupassist/internal/observability"
	"signupassist/internal/planner"
	"signupassist/internal/ratelimit"
	"signupassist/internal/storage"
	"signupassist/internal/task/engine"
	"signupassist/internal/task/scheduler"
	logx "signupassist/pkg/logx"
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			URL:        lc.Alert.URL,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	workers, queueSize, historySize, retryMax := 4, 256, 200, 3
	var defTimeoutStr, maxQueueDelayStr string

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers > 0 {
			workers = te.Workers
		}
		if te.QueueSize > 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax > 0 {
			retryMax = te.RetryMax
		}
		defTimeoutStr, maxQueueDelayStr = te.DefaultTimeout, te.MaxQueueDelay

		// Safety: avoid a config where scheduler triggers run but engine is explicitly disabled.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

// triggers are the periodic jobs registered on the trigger service.
type triggers struct {
	Poll        string
	Recovery    string
	ExpirySweep string
}

func mapTriggers(cfg *config.Config) (triggers, error) {
	t := triggers{
		Poll:        orDefault(cfg.Scheduler.Poll, "15s"),
		Recovery:    orDefault(cfg.Scheduler.Recovery, "1m"),
		ExpirySweep: orDefault(cfg.Scheduler.ExpirySweep, "5m"),
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.poll", t.Poll},
		{"scheduler.recovery", t.Recovery},
		{"scheduler.expiry_sweep", t.ExpirySweep},
	} {
		if _, err := scheduler.ParseSchedule(f.raw); err != nil {
			return triggers{}, fmt.Errorf("%s: %w", f.path, err)
		}
	}
	return t, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sc := cfg.Scheduler
	var (
		out dispatch.Config
		err error
	)
	if out.Lookahead, err = parseDurationField("scheduler.lookahead", sc.Lookahead); err != nil {
		return out, err
	}
	if out.MissedGrace, err = parseDurationField("scheduler.missed_grace", sc.MissedGrace); err != nil {
		return out, err
	}
	if out.ExecBudget, err = parseDurationField("scheduler.exec_budget", sc.ExecBudget); err != nil {
		return out, err
	}
	if out.StaleAfter, err = parseDurationField("scheduler.stale_after", sc.StaleAfter); err != nil {
		return out, err
	}
	out.BatchSize = sc.BatchSize
	out.ClaimConcurrency = sc.ClaimConcurrency
	return out, nil
}

func mapMandateConfig(cfg *config.Config) mandate.Config {
	return mandate.Config{Scopes: cfg.Mandates.Scopes}
}

func mapPlannerConfig(cfg *config.Config) (planner.Config, error) {
	maxAdvance, err := parseDurationField("mandates.max_advance", cfg.Mandates.MaxAdvance)
	if err != nil {
		return planner.Config{}, err
	}
	return planner.Config{MaxAdvance: maxAdvance, DefaultServiceFeeCents: cfg.Planner.DefaultServiceFeeCents}, nil
}

func mapExecutionConfig(cfg *config.Config) (execution.Config, error) {
	ec := cfg.Execution
	backoff, err := parseDurationField("execution.login_backoff", ec.LoginBackoff)
	if err != nil {
		return execution.Config{}, err
	}
	stepTimeout, err := parseDurationField("execution.step_timeout", ec.StepTimeout)
	if err != nil {
		return execution.Config{}, err
	}
	br := execution.BreakerConfig{TripFailures: ec.Breaker.TripFailures}
	for _, d := range []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"execution.breaker.base_delay", ec.Breaker.BaseDelay, &br.BaseDelay},
		{"execution.breaker.max_delay", ec.Breaker.MaxDelay, &br.MaxDelay},
		{"execution.breaker.reset_after", ec.Breaker.ResetAfter, &br.ResetAfter},
	} {
		if *d.dst, err = parseDurationField(d.field, d.raw); err != nil {
			return execution.Config{}, err
		}
	}
	return execution.Config{LoginRetries: ec.LoginRetries, LoginBackoff: backoff, StepTimeout: stepTimeout, Breaker: br}, nil
}

func mapCancellationConfig(cfg *config.Config) (cancellation.Config, error) {
	stepTimeout, err := parseDurationField("execution.step_timeout", cfg.Execution.StepTimeout)
	if err != nil {
		return cancellation.Config{}, err
	}
	return cancellation.Config{StepTimeout: stepTimeout}, nil
}

func mapRateLimitConfig(cfg *config.Config) ratelimit.Config {
	rl := cfg.RateLimit
	return ratelimit.Config{
		Driver:        rl.Driver,
		RatePerSec:    rl.RatePerSec,
		Burst:         rl.Burst,
		RedisAddr:     rl.Redis.Addr,
		RedisPassword: rl.Redis.Password,
		RedisDB:       rl.Redis.DB,
		KeyPrefix:     "signupassist:ratelimit:",
	}
}

func mapEndpoint(path string, ep config.EndpointConfig) (httpcap.Config, error) {
	timeout, err := parseDurationField(path+".timeout", ep.Timeout)
	if err != nil {
		return httpcap.Config{}, err
	}
	return httpcap.Config{BaseURL: ep.BaseURL, Token: ep.Token, Timeout: timeout}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := parseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// pprof profile/trace stream for up to 30s by default.
	write, err := parseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTracingConfig(cfg *config.Config, version string) observability.Config {
	tc := cfg.Tracing
	return observability.Config{
		Enabled:        tc.Enabled,
		Endpoint:       strings.TrimSpace(tc.Endpoint),
		Insecure:       tc.Insecure,
		SampleRate:     tc.SampleRate,
		ServiceName:    orDefault(tc.ServiceName, "signupassist"),
		ServiceVersion: version,
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
