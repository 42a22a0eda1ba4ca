package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"signupassist/internal/domain"
)

// Validate rejects configs that cannot be applied. It is used on startup and
// before a hot reload is committed, so a bad edit keeps the running config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	checks := []func(*Config) error{
		validateStorage,
		validateTaskEngine,
		validateScheduler,
		validateMandates,
		validatePlanner,
		validateExecution,
		validateRateLimit,
		validateEndpoints,
		validateHTTP,
		validateTracing,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateStorage(cfg *Config) error {
	sc := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	if sc.MaxOpenConns < 0 {
		return fmt.Errorf("storage.max_open_conns must be >= 0")
	}
	_, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	return err
}

func validateTaskEngine(cfg *Config) error {
	te := cfg.TaskEngine
	if te == nil {
		return nil
	}
	if te.Workers < 0 {
		return fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.RetryMax < 0 {
		return fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
		return fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	return nil
}

func validateScheduler(cfg *Config) error {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.BatchSize < 0 {
		return fmt.Errorf("scheduler.batch_size must be >= 0")
	}
	if sc.ClaimConcurrency < 0 {
		return fmt.Errorf("scheduler.claim_concurrency must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.lookahead", sc.Lookahead},
		{"scheduler.missed_grace", sc.MissedGrace},
		{"scheduler.exec_budget", sc.ExecBudget},
		{"scheduler.stale_after", sc.StaleAfter},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func validateMandates(cfg *Config) error {
	for _, s := range cfg.Mandates.Scopes {
		if !slices.Contains(domain.DefaultScopeCatalog, strings.TrimSpace(s)) {
			return fmt.Errorf("mandates.scopes: unknown scope %q", s)
		}
	}
	_, err := ParseDurationField("mandates.max_advance", cfg.Mandates.MaxAdvance)
	return err
}

func validatePlanner(cfg *Config) error {
	if cfg.Planner.DefaultServiceFeeCents < 0 {
		return fmt.Errorf("planner.default_service_fee_cents must be >= 0")
	}
	if !domain.ValidCents(cfg.Planner.DefaultServiceFeeCents) {
		return fmt.Errorf("planner.default_service_fee_cents must be <= %d", domain.MaxCents)
	}
	return nil
}

func validateExecution(cfg *Config) error {
	ec := cfg.Execution
	if ec.LoginRetries < 0 {
		return fmt.Errorf("execution.login_retries must be >= 0")
	}
	if _, err := ParseDurationField("execution.login_backoff", ec.LoginBackoff); err != nil {
		return err
	}
	if _, err := ParseDurationField("execution.step_timeout", ec.StepTimeout); err != nil {
		return err
	}
	for field, v := range map[string]string{
		"execution.breaker.base_delay":  ec.Breaker.BaseDelay,
		"execution.breaker.max_delay":   ec.Breaker.MaxDelay,
		"execution.breaker.reset_after": ec.Breaker.ResetAfter,
	} {
		if _, err := ParseDurationField(field, v); err != nil {
			return err
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	switch strings.ToLower(strings.TrimSpace(rl.Driver)) {
	case "", "none":
		return nil
	case "local":
	case "redis":
		if strings.TrimSpace(rl.Redis.Addr) == "" {
			return fmt.Errorf("ratelimit.redis.addr is required when ratelimit.driver=redis")
		}
	default:
		return fmt.Errorf("unknown ratelimit.driver: %s", rl.Driver)
	}
	if rl.RatePerSec <= 0 {
		return fmt.Errorf("ratelimit.rate_per_sec must be > 0")
	}
	if rl.Burst < 0 {
		return fmt.Errorf("ratelimit.burst must be >= 0")
	}
	return nil
}

func validateEndpoints(cfg *Config) error {
	for name, ep := range cfg.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("providers: empty provider name")
		}
		if err := validateEndpoint("providers."+name, ep); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Payments.BaseURL) == "" {
		return nil
	}
	return validateEndpoint("payments", cfg.Payments)
}

func validateEndpoint(path string, ep EndpointConfig) error {
	u, err := url.Parse(strings.TrimSpace(ep.BaseURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s.base_url must be an absolute http(s) URL", path)
	}
	_, err = ParseDurationField(path+".timeout", ep.Timeout)
	return err
}

func validateHTTP(cfg *Config) error {
	hc := cfg.HTTP
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", hc.ReadTimeout},
		{"http.write_timeout", hc.WriteTimeout},
		{"http.idle_timeout", hc.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if !hc.Enabled {
		return nil
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(hc.Token) == "" && !hc.AllowInsecure {
		return fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", addr)
	}
	return nil
}

// IsLoopbackHost reports whether host only accepts local connections.
// An empty host binds every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateTracing(cfg *Config) error {
	tc := cfg.Tracing
	if tc.SampleRate < 0 || tc.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}
	if tc.Enabled && strings.TrimSpace(tc.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing.enabled=true")
	}
	return nil
}
