package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signupassist/internal/audit"
	"signupassist/internal/billing"
	"signupassist/internal/cancellation"
	"signupassist/internal/capability"
	"signupassist/internal/capability/httpcap"
	"signupassist/internal/config"
	"signupassist/internal/dispatch"
	"signupassist/internal/eventbus"
	"signupassist/internal/execution"
	"signupassist/internal/httpapi"
	"signupassist/internal/mandate"
	"signupassist/internal/metrics"
	"signupassist/internal/observability"
	"signupassist/internal/planner"
	"signupassist/internal/ratelimit"
	rtsup "signupassist/internal/runtime/supervisor"
	"signupassist/internal/storage"
	"signupassist/internal/task/engine"
	"signupassist/internal/task/scheduler"
	logx "signupassist/pkg/logx"
	"signupassist/pkg/systemd"
)

// Trigger names registered on the scheduler.
const (
	triggerTick    = "dispatch.tick"
	triggerRecover = "dispatch.recover"
	triggerExpire  = "mandates.expire"
)

// restartRequired lists config sections that are only read at startup.
var restartRequired = []string{"storage", "mandates", "planner", "providers", "payments", "ratelimit", "http", "tracing"}

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	promReg      *prometheus.Registry
	metrics      *metrics.Metrics
	tracing      *observability.Provider
	limiterClose func() error
	notify       *systemd.Notifier

	providers *capability.Registry
	ledger    *audit.Ledger
	gate      *billing.Gate
	issuer    *mandate.Issuer
	planner   *planner.Planner
	orch      *execution.Orchestrator
	dispatch  *dispatch.Scheduler
	cancels   *cancellation.Flow

	engine *engine.Service
	sched  *scheduler.Service
	api    *httpapi.Service

	triggers triggers
}

// ValidateConfig runs the static checks plus the mappings NewApp performs, so
// a config that passes here also boots.
func ValidateConfig(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(ctx, cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggers(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPlannerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	for name, ep := range cfg.Providers {
		if _, err := mapEndpoint("providers."+name, ep); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Payments.BaseURL) != "" {
		if _, err := mapEndpoint("payments", cfg.Payments); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads and validates the config at path without starting anything.
func LoadConfig(path string) (*config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfgm.SetValidator(ValidateConfig)
	return cfgm.Load()
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(ValidateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), &http.Client{Timeout: 10 * time.Second})
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		notify:  systemd.New(),
	}
	// Release whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.MustNewMetrics(a.promReg)

	if a.tracing, err = observability.Setup(context.Background(), mapTracingConfig(cfg, version), log); err != nil {
		return nil, err
	}

	limiter, limiterClose, err := ratelimit.New(mapRateLimitConfig(cfg))
	if err != nil {
		return nil, err
	}
	a.limiterClose = limiterClose

	if a.providers, err = buildProviders(cfg); err != nil {
		return nil, err
	}
	proc, err := buildProcessor(cfg)
	if err != nil {
		return nil, err
	}
	if _, unconfigured := proc.(unconfiguredProcessor); unconfigured {
		log.Warn("payments endpoint not configured; service fees will be flagged for reconciliation")
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log, a.bus, a.metrics)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log)

	a.ledger = audit.New(a.store, log, a.metrics)
	a.gate = billing.New(billing.Config{}, a.store, a.ledger, proc, log, a.metrics)
	a.issuer = mandate.NewIssuer(mapMandateConfig(cfg), a.store, a.ledger, a.bus, log)

	pcfg, err := mapPlannerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.planner = planner.New(pcfg, a.store, a.ledger, a.bus, log)

	ecfg, err := mapExecutionConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.orch = execution.New(ecfg, a.store, a.ledger, a.providers, a.gate, limiter, a.tracing.Tracer(), a.bus, log, a.metrics)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatch = dispatch.New(dcfg, a.store, a.ledger, a.engine, a.orch, a.bus, log, a.metrics)
	a.planner.SetDispatcher(a.dispatch)

	ccfg, err := mapCancellationConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.cancels = cancellation.New(ccfg, a.store, a.ledger, a.providers, a.gate, limiter, a.bus, log)

	if a.triggers, err = mapTriggers(cfg); err != nil {
		return nil, err
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = httpapi.New(hcfg, httpapi.Deps{
		Mandates:      a.issuer,
		Plans:         a.planner,
		Cancellations: a.cancels,
		Audit:         a.ledger,
		Metrics:       promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{Registry: a.promReg}),
	}, log)

	ok = true
	return a, nil
}

func buildProviders(cfg *config.Config) (*capability.Registry, error) {
	reg := capability.NewRegistry()
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hc, err := mapEndpoint("providers."+name, cfg.Providers[name])
		if err != nil {
			return nil, err
		}
		p, err := httpcap.NewProvider(hc, nil)
		if err != nil {
			return nil, fmt.Errorf("providers.%s: %w", name, err)
		}
		reg.Register(name, p)
	}
	return reg, nil
}

func buildProcessor(cfg *config.Config) (capability.Processor, error) {
	if strings.TrimSpace(cfg.Payments.BaseURL) == "" {
		return unconfiguredProcessor{}, nil
	}
	hc, err := mapEndpoint("payments", cfg.Payments)
	if err != nil {
		return nil, err
	}
	p, err := httpcap.NewProcessor(hc, nil)
	if err != nil {
		return nil, fmt.Errorf("payments: %w", err)
	}
	return p, nil
}

var errPaymentsUnconfigured = errors.New("payments endpoint not configured")

// unconfiguredProcessor fails every call; the billing gate turns that into a
// reconcile flag on the plan.
type unconfiguredProcessor struct{}

func (unconfiguredProcessor) Charge(context.Context, capability.ChargeRequest) (capability.PaymentResult, error) {
	return capability.PaymentResult{}, errPaymentsUnconfigured
}

func (unconfiguredProcessor) Refund(context.Context, capability.RefundRequest) (capability.PaymentResult, error) {
	return capability.PaymentResult{}, errPaymentsUnconfigured
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Ledger() *audit.Ledger         { return a.ledger }
func (a *App) Mandates() *mandate.Issuer     { return a.issuer }
func (a *App) Planner() *planner.Planner     { return a.planner }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Engine() *engine.Service       { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.registerTriggers(a.triggers); err != nil {
		return err
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
		// Pick up plans orphaned by a previous process right away.
		if err := a.sched.RunNow(triggerRecover); err != nil {
			a.log.Warn("startup recovery not queued", logx.Err(err))
		}
	} else {
		a.log.Warn("scheduler disabled; plans will only run when booked immediately")
	}
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(e)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.RunWatchdog(c, func() bool { return a.sup.Context().Err() == nil })
	})

	if _, err := a.notify.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("version", a.version), logx.Strings("providers", a.providers.Names()))
	return nil
}

func (a *App) registerTriggers(t triggers) error {
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
	jobs := []struct {
		name, spec string
		timeout    time.Duration
		run        func(context.Context) error
	}{
		{triggerTick, t.Poll, time.Minute, func(c context.Context) error {
			_, err := a.dispatch.Tick(c)
			return err
		}},
		{triggerRecover, t.Recovery, 2 * time.Minute, func(c context.Context) error {
			rep, err := a.dispatch.RecoverStale(c)
			if rep.Requeued > 0 {
				a.log.Info("recovered plans", logx.Int("stale", rep.Stale), logx.Int("unsettled", rep.Unsettled), logx.Int("requeued", rep.Requeued))
			}
			return err
		}},
		{triggerExpire, t.ExpirySweep, 2 * time.Minute, func(c context.Context) error {
			n, err := a.issuer.ExpireDue(c)
			if n > 0 {
				a.log.Info("mandates expired", logx.Int("count", n))
			}
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.sched.AddSchedule(j.name, j.spec, j.timeout, opt, j.run); err != nil {
			return fmt.Errorf("register trigger %s: %w", j.name, err)
		}
	}
	return nil
}

// logEvent keeps routine events at debug; reconcile flags go to warn so the
// alert sink picks them up.
func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	switch d := e.Data.(type) {
	case eventbus.PlanEvent:
		fields = append(fields, logx.String("mandate_id", d.MandateID))
		if d.PlanID != "" {
			fields = append(fields, logx.String("plan_id", d.PlanID))
		}
		if d.Reason != "" {
			fields = append(fields, logx.String("reason", d.Reason))
		}
	case eventbus.TaskEvent:
		fields = append(fields, logx.String("task", d.Name), logx.Int("attempt", d.Attempt))
		if d.Error != "" {
			fields = append(fields, logx.String("error", d.Error))
		}
	}
	if e.Type == "plan.reconcile" {
		a.log.Warn("plan needs reconciliation", fields...)
		return
	}
	a.log.Debug("event", fields...)
}

func (a *App) applyConfig(c context.Context, old, newCfg *config.Config) {
	_, _ = a.notify.Reloading()
	defer func() { _, _ = a.notify.Ready() }()

	sections, attrs, providerChanged := config.SummarizeConfigChange(old, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(providerChanged) > 0 {
		a.log.Debug("provider endpoint changes detected", logx.Strings("providers", providerChanged))
	}
	for _, s := range sections {
		if slices.Contains(restartRequired, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// Scheduler stops before the engine drains and starts after it is up.
	prevSchedEnabled := a.sched.Enabled()
	schedCfg := mapSchedulerConfig(newCfg)
	if prevSchedEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	a.sched.Apply(schedCfg)

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		// Apply starts or stops the worker pool as needed.
		a.engine.Apply(c, engCfg)
	}

	if t, err := mapTriggers(newCfg); err != nil {
		a.log.Warn("invalid trigger schedule; keeping previous", logx.Err(err))
	} else if t != a.triggers {
		if err := a.registerTriggers(t); err != nil {
			a.log.Warn("trigger update failed", logx.Err(err))
		} else {
			a.triggers = t
		}
	}
	if dcfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dcfg)
	}
	if ecfg, err := mapExecutionConfig(newCfg); err != nil {
		a.log.Warn("invalid execution config; keeping previous", logx.Err(err))
	} else {
		a.orch.Apply(ecfg)
	}

	if !prevSchedEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.notify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first so nothing new is queued, then the API, then drain workers.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("httpapi", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("resources", 3*time.Second, func(c context.Context) error { return a.closeResources(c) })

	// Finally, wait for supervised goroutines (config watch/reload, event log, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases resources of an app that was built but never started, as
// the one-shot CLI commands do.
func (a *App) Close(ctx context.Context) error {
	err := a.closeResources(ctx)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// closeResources releases the tracer, rate limiter and store. Each is closed
// at most once.
func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		a.tracing = nil
	}
	if a.limiterClose != nil {
		if err := a.limiterClose(); err != nil {
			errs = append(errs, fmt.Errorf("ratelimit: %w", err))
		}
		a.limiterClose = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
		a.store = nil
	}
	return errors.Join(errs...)
}
