// Package execution runs a claimed plan against its provider: re-validate the
// mandate, log in, discover the form, wait for the window, submit, check the
// caps, complete, then hand over to billing.
//
// Every side-effecting call carries "<planID>:<step>" and is journaled, so a
// run interrupted at any point resumes without reissuing a confirmed call.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"signupassist/internal/audit"
	"signupassist/internal/billing"
	"signupassist/internal/capability"
	"signupassist/internal/domain"
	"signupassist/internal/eventbus"
	"signupassist/internal/metrics"
	"signupassist/internal/ratelimit"
	"signupassist/internal/storage"
	"signupassist/internal/task/engine"
	logx "signupassist/pkg/logx"
)

type Config struct {
	// LoginRetries is how many times a failed login is retried.
	LoginRetries int
	// LoginBackoff is the first retry delay; it doubles per retry.
	LoginBackoff time.Duration
	// StepTimeout bounds each provider call.
	StepTimeout time.Duration
	Breaker     BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.LoginRetries < 0 {
		c.LoginRetries = 0
	} else if c.LoginRetries == 0 {
		c.LoginRetries = 2
	}
	if c.LoginBackoff <= 0 {
		c.LoginBackoff = 2 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	c.Breaker = c.Breaker.withDefaults()
	return c
}

type Orchestrator struct {
	mu  sync.RWMutex
	cfg Config

	store     storage.Store
	ledger    *audit.Ledger
	providers *capability.Registry
	billing   *billing.Gate
	limiter   ratelimit.Limiter
	tracer    trace.Tracer
	bus       eventbus.Bus
	log       logx.Logger
	metrics   *metrics.Metrics
	circuits  breaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator. limiter, tracer, bus and m may be nil.
func New(cfg Config, store storage.Store, ledger *audit.Ledger, providers *capability.Registry, gate *billing.Gate,
	limiter ratelimit.Limiter, tracer trace.Tracer, bus eventbus.Bus, log logx.Logger, m *metrics.Metrics) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("signupassist")
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		ledger:    ledger,
		providers: providers,
		billing:   gate,
		limiter:   limiter,
		tracer:    tracer,
		bus:       bus,
		log:       log.With(logx.String("comp", "execution")),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

// WithClock replaces the time source. It is meant for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithSleep replaces how the orchestrator waits for backoff and for OpensAt.
func (o *Orchestrator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = sleep
	return o
}

func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// infraError marks a failure of our own infrastructure (store, context).
// It is returned to the engine so the run is retried and resumed, while
// provider and billing outcomes are final.
type infraError struct{ err error }

func (e infraError) Error() string { return e.err.Error() }
func (e infraError) Unwrap() error { return e.err }

func infra(format string, err error) error {
	return infraError{err: fmt.Errorf(format+": %w", err)}
}

// run carries the state of one Execute call.
type run struct {
	plan    domain.Plan
	mandate domain.Mandate
	attempt domain.ExecutionAttempt
}

// Execute drives one plan. It returns nil once the plan reached a terminal
// status (success or failure) and an error only when the run should be
// retried. Plans that are neither running nor awaiting settlement are left
// alone.
func (o *Orchestrator) Execute(ctx context.Context, planID string) error {
	ctx, span := o.tracer.Start(ctx, "plan.execute", trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()

	p, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, domain.ErrNotFound) {
		return engine.NoRetry(fmt.Errorf("plan %s: %w", planID, err))
	}
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	span.SetAttributes(planAttrs(p)...)

	r := &run{plan: p, attempt: domain.ExecutionAttempt{ID: domain.NewID("att"), PlanID: p.ID, StartedAt: o.now()}}
	switch {
	case p.Status == domain.PlanRunning:
		err = o.execute(ctx, r)
	case p.Status == domain.PlanSucceeded && p.SettledAt.IsZero():
		o.log.Info("resuming settlement", logx.String("plan_id", p.ID))
		r.attempt.BookingRef = p.BookingRef
		err = o.settle(ctx, r)
		if err == nil {
			o.finish(ctx, r, domain.OutcomeSuccess, "")
		}
	default:
		o.log.Debug("plan not runnable", logx.String("plan_id", p.ID), logx.String("status", string(p.Status)))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		o.log.Warn("execution interrupted", logx.String("plan_id", p.ID), logx.Err(err))
	}
	return err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	m, err := o.store.GetMandate(ctx, r.plan.MandateID)
	if err != nil {
		return infra("load mandate", err)
	}
	r.mandate = m

	sub, err := o.store.GetStep(ctx, r.plan.ID, domain.StepSubmit)
	switch {
	case err == nil:
		o.log.Info("submit already journaled, resuming", logx.String("plan_id", r.plan.ID), logx.String("booking_ref", sub.BookingRef))
	case errors.Is(err, domain.ErrNotFound):
		sub, err = o.book(ctx, r)
		if err != nil {
			return o.resolve(ctx, r, err, storage.PlanUpdate{})
		}
	default:
		return infra("load submit journal", err)
	}

	r.attempt.BookingRef = sub.BookingRef
	r.attempt.ChargedAmountCents = sub.ChargedAmountCents

	if err := o.checkCaps(ctx, r, sub); err != nil {
		return o.resolve(ctx, r, err, storage.PlanUpdate{Reconcile: true, BookingRef: sub.BookingRef})
	}
	done, err := o.complete(ctx, r, sub)
	if err != nil || done {
		return err
	}
	if err := o.settle(ctx, r); err != nil {
		return err
	}
	o.finish(ctx, r, domain.OutcomeSuccess, "")
	return nil
}

// book runs the steps up to and including the journaled submit.
func (o *Orchestrator) book(ctx context.Context, r *run) (domain.StepResult, error) {
	if err := o.checkMandate(ctx, r, "pre_login"); err != nil {
		return domain.StepResult{}, err
	}
	prov, err := o.providers.Provider(r.mandate.Provider)
	if err != nil {
		o.record(ctx, r.plan, audit.ToolProviderLogin, domain.DecisionDenied,
			map[string]any{"provider": r.mandate.Provider},
			map[string]any{"error": domain.Code(domain.ErrProviderLoginFailed), "message": err.Error()})
		return domain.StepResult{}, fmt.Errorf("%v: %w", err, domain.ErrProviderLoginFailed)
	}
	sess, err := o.login(ctx, r, prov)
	if err != nil {
		return domain.StepResult{}, err
	}
	if err := o.discover(ctx, r, prov, sess); err != nil {
		return domain.StepResult{}, err
	}
	if wait := r.plan.OpensAt.Sub(o.now()); wait > 0 {
		o.log.Debug("waiting for window", logx.String("plan_id", r.plan.ID), logx.Duration("wait", wait))
		if err := o.sleep(ctx, wait); err != nil {
			return domain.StepResult{}, infra("wait for window", err)
		}
	}
	m, err := o.store.GetMandate(ctx, r.plan.MandateID)
	if err != nil {
		return domain.StepResult{}, infra("reload mandate", err)
	}
	r.mandate = m
	if err := o.checkMandate(ctx, r, "pre_submit"); err != nil {
		return domain.StepResult{}, err
	}
	return o.submit(ctx, r, prov, sess)
}

// complete moves the plan to succeeded, but only while its mandate is still
// active. done is true when the run ended here.
func (o *Orchestrator) complete(ctx context.Context, r *run, sub domain.StepResult) (done bool, err error) {
	args := map[string]any{"plan_id": r.plan.ID, "booking_ref": sub.BookingRef}
	now := o.now()
	err = o.store.UpdatePlanStatusIf(ctx, r.plan.ID, domain.PlanRunning, domain.PlanSucceeded, storage.PlanUpdate{
		At: now, BookingRef: sub.BookingRef, RequireActiveMandate: true,
	})
	if err == nil {
		r.plan.Status, r.plan.BookingRef, r.plan.UpdatedAt = domain.PlanSucceeded, sub.BookingRef, now
		o.record(ctx, r.plan, audit.ToolPlanComplete, domain.DecisionAllowed, args, map[string]any{"status": domain.PlanSucceeded})
		o.publish("plan.succeeded", r.plan, "")
		o.log.Info("plan succeeded", logx.String("plan_id", r.plan.ID), logx.String("booking_ref", sub.BookingRef))
		return false, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return true, infra("complete plan", err)
	}

	cur, gerr := o.store.GetPlan(ctx, r.plan.ID)
	if gerr != nil {
		return true, infra("reload plan", gerr)
	}
	if cur.Status != domain.PlanRunning {
		o.log.Warn("plan left running under us", logx.String("plan_id", r.plan.ID), logx.String("status", string(cur.Status)))
		return true, nil
	}
	cause := fmt.Errorf("mandate %s no longer active at completion: %w", r.plan.MandateID, domain.ErrMandateInvalidAtExecution)
	o.record(ctx, r.plan, audit.ToolPlanComplete, domain.DecisionDenied, args,
		map[string]any{"error": domain.Code(cause), "message": cause.Error()})
	return true, o.fail(ctx, r, cause, storage.PlanUpdate{Reconcile: true, BookingRef: sub.BookingRef})
}

// settle charges the service fee of a succeeded plan. A billing refusal is
// not fatal: the plan stays succeeded and is flagged for reconciliation.
func (o *Orchestrator) settle(ctx context.Context, r *run) error {
	start := time.Now()
	c, err := o.billing.ChargeServiceFee(ctx, r.plan)
	billingFailed := false
	switch {
	case err == nil:
		r.attempt.FeeChargeID = c.ChargeID
		o.metrics.ObserveStep("billing", "ok", time.Since(start))
	case errors.Is(err, domain.ErrBillingFailed), errors.Is(err, domain.ErrCapExceeded), errors.Is(err, domain.ErrInvalidScope):
		billingFailed = true
		r.attempt.BillingFailed = true
		o.metrics.ObserveStep("billing", "error", time.Since(start))
		o.log.Warn("billing failed, plan kept succeeded", logx.String("plan_id", r.plan.ID), logx.String("code", domain.Code(err)))
	default:
		return infra("charge service fee", err)
	}

	now := o.now()
	if err := o.store.AnnotatePlan(ctx, r.plan.ID, storage.PlanAnnotation{At: now, SettledAt: now, Reconcile: billingFailed}); err != nil {
		return infra("mark settled", err)
	}
	r.plan.SettledAt = now
	if billingFailed {
		r.plan.Reconcile = true
		o.publish("plan.reconcile", r.plan, domain.Code(err))
	}
	return nil
}

// resolve turns a step error into the run's result: infrastructure errors
// go back to the engine, everything else fails the plan.
func (o *Orchestrator) resolve(ctx context.Context, r *run, err error, u storage.PlanUpdate) error {
	var ie infraError
	if errors.As(err, &ie) {
		return err
	}
	return o.fail(ctx, r, err, u)
}

// fail moves the plan to failed. It returns nil once the failure is stored
// since a failed plan is final.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error, u storage.PlanUpdate) error {
	code := domain.Code(cause)
	u.At = o.now()
	u.FailureReason = code
	err := o.store.UpdatePlanStatusIf(ctx, r.plan.ID, domain.PlanRunning, domain.PlanFailed, u)
	if errors.Is(err, domain.ErrConflict) {
		o.log.Warn("plan left running before failure was stored", logx.String("plan_id", r.plan.ID), logx.String("code", code))
		return nil
	}
	if err != nil {
		return infra("fail plan", err)
	}
	r.plan.Status, r.plan.FailureReason = domain.PlanFailed, code
	o.publish("plan.failed", r.plan, code)
	o.log.Warn("plan failed", logx.String("plan_id", r.plan.ID), logx.String("code", code), logx.Err(cause))
	o.finish(ctx, r, domain.OutcomeFailure, code)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run, outcome domain.Outcome, reason string) {
	r.attempt.FinishedAt = o.now()
	r.attempt.Outcome = outcome
	r.attempt.FailureReason = reason
	if err := o.store.PutAttempt(ctx, r.attempt); err != nil {
		o.log.Error("attempt write failed", logx.String("plan_id", r.plan.ID), logx.Err(err))
	}
	o.metrics.IncExecution(string(outcome), reason)
}

func (o *Orchestrator) record(ctx context.Context, p domain.Plan, tool string, decision domain.Decision, args, result any) {
	if _, err := o.ledger.Record(ctx, audit.Record{
		MandateID: p.MandateID, PlanID: p.ID, Tool: tool,
		Args: args, Result: result, Decision: decision,
	}); err != nil {
		o.log.Error("audit write failed", logx.String("plan_id", p.ID), logx.String("tool", tool), logx.Err(err))
	}
}

func (o *Orchestrator) publish(typ string, p domain.Plan, reason string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Time: o.now(),
		Data: eventbus.PlanEvent{MandateID: p.MandateID, PlanID: p.ID, Status: string(p.Status), Reason: reason}})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
