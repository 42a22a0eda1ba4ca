package config

import (
	"reflect"
	"sort"
	"strings"

	logx "signupassist/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens, DSNs or
// passwords), and (3) the provider names whose endpoint changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging (never log the alert URL)
	oL, nL := oldCfg.Logging, newCfg.Logging
	if oL.Level != nL.Level ||
		oL.Console != nL.Console ||
		oL.File.Enabled != nL.File.Enabled ||
		strings.TrimSpace(oL.File.Path) != strings.TrimSpace(nL.File.Path) ||
		oL.Alert.Enabled != nL.Alert.Enabled ||
		oL.Alert.MinLevel != nL.Alert.MinLevel ||
		oL.Alert.RatePerSec != nL.Alert.RatePerSec ||
		strings.TrimSpace(oL.Alert.URL) != strings.TrimSpace(nL.Alert.URL) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nL.Level),
			logx.Bool("logging.console", nL.Console),
			logx.Bool("logging.file_enabled", nL.File.Enabled),
			logx.Bool("logging.alert_enabled", nL.Alert.Enabled),
			logx.Bool("logging.alert_url_set", strings.TrimSpace(nL.Alert.URL) != ""),
		)
	}

	// Storage (never log the DSN)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.DSN) != strings.TrimSpace(nS.DSN) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxOpenConns != nS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Scheduler (triggers and dispatch)
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		sc := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", sc.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
			logx.String("scheduler.poll", strings.TrimSpace(sc.Poll)),
			logx.String("scheduler.lookahead", strings.TrimSpace(sc.Lookahead)),
			logx.Int("scheduler.batch_size", sc.BatchSize),
		)
	}

	// Task engine (executor)
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	oPresent := oldCfg.TaskEngine != nil
	nPresent := newCfg.TaskEngine != nil
	if oPresent != nPresent || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")

		enabledEffective := newCfg.Scheduler.Enabled
		enabledSet := false
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.TaskEngine.Enabled
		}

		attrs = append(attrs,
			logx.Bool("task_engine.present", nPresent),
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Bool("task_engine.enabled_set", enabledSet),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mandates, newCfg.Mandates) {
		changed = append(changed, "mandates")
		attrs = append(attrs,
			logx.Int("mandates.scope_count", len(newCfg.Mandates.Scopes)),
			logx.String("mandates.max_advance", strings.TrimSpace(newCfg.Mandates.MaxAdvance)),
		)
	}

	if oldCfg.Planner != newCfg.Planner {
		changed = append(changed, "planner")
		attrs = append(attrs, logx.Int64("planner.default_service_fee_cents", newCfg.Planner.DefaultServiceFeeCents))
	}

	if oldCfg.Execution != newCfg.Execution {
		ec := newCfg.Execution
		changed = append(changed, "execution")
		attrs = append(attrs,
			logx.Int("execution.login_retries", ec.LoginRetries),
			logx.String("execution.login_backoff", strings.TrimSpace(ec.LoginBackoff)),
			logx.String("execution.step_timeout", strings.TrimSpace(ec.StepTimeout)),
			logx.Int("execution.breaker.trip_failures", ec.Breaker.TripFailures),
		)
	}

	// Rate limit (never log the redis password)
	if oldCfg.RateLimit != newCfg.RateLimit {
		rl := newCfg.RateLimit
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.String("ratelimit.driver", strings.TrimSpace(rl.Driver)),
			logx.Float64("ratelimit.rate_per_sec", rl.RatePerSec),
			logx.Int("ratelimit.burst", rl.Burst),
			logx.String("ratelimit.redis_addr", strings.TrimSpace(rl.Redis.Addr)),
		)
	}

	// Providers (summarize only; names at debug)
	providerChanged := diffEndpoints(oldCfg.Providers, newCfg.Providers)
	if len(providerChanged) > 0 {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Int("providers.changed_count", len(providerChanged)),
			logx.Int("providers.count", len(newCfg.Providers)),
		)
	}

	// Payments (never log the token)
	if oldCfg.Payments != newCfg.Payments {
		changed = append(changed, "payments")
		attrs = append(attrs,
			logx.String("payments.base_url", strings.TrimSpace(newCfg.Payments.BaseURL)),
			logx.Bool("payments.token_set", strings.TrimSpace(newCfg.Payments.Token) != ""),
		)
	}

	// HTTP (never log the token)
	if oldCfg.HTTP != newCfg.HTTP {
		hc := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", hc.Enabled),
			logx.String("http.addr", strings.TrimSpace(hc.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(hc.Token) != ""),
			logx.Bool("http.allow_insecure", hc.AllowInsecure),
			logx.Bool("http.pprof", hc.Pprof),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		tc := newCfg.Tracing
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", tc.Enabled),
			logx.String("tracing.endpoint", strings.TrimSpace(tc.Endpoint)),
			logx.Float64("tracing.sample_rate", tc.SampleRate),
		)
	}

	sort.Strings(changed)
	return changed, attrs, providerChanged
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

// diffEndpoints returns the sorted names added, removed or changed between
// the two provider maps.
func diffEndpoints(oldM, newM map[string]EndpointConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
