// Package cancellation withdraws plans: a pending plan is simply cancelled,
// a confirmed booking is released at the provider and its service fee
// refunded.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signupassist/internal/audit"
	"signupassist/internal/billing"
	"signupassist/internal/capability"
	"signupassist/internal/domain"
	"signupassist/internal/eventbus"
	"signupassist/internal/ratelimit"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

type Config struct {
	// StepTimeout bounds each provider call.
	StepTimeout time.Duration
}

// Result reports the outcome of a cancellation.
type Result struct {
	Plan   domain.Plan     `json:"plan"`
	Refund *billing.Refund `json:"refund,omitempty"`
	// AlreadyDone is set when a previous call completed the cancellation.
	AlreadyDone bool `json:"already_done,omitempty"`
}

type Flow struct {
	cfg       Config
	store     storage.Store
	ledger    *audit.Ledger
	providers *capability.Registry
	billing   *billing.Gate
	limiter   ratelimit.Limiter
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
}

// New wires a cancellation flow. limiter and bus may be nil.
func New(cfg Config, store storage.Store, ledger *audit.Ledger, providers *capability.Registry, gate *billing.Gate,
	limiter ratelimit.Limiter, bus eventbus.Bus, log logx.Logger) *Flow {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		providers: providers,
		billing:   gate,
		limiter:   limiter,
		bus:       bus,
		log:       log.With(logx.String("comp", "cancellation")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. It is meant for tests.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// Cancel picks the pending or the confirmed path from the plan's status.
func (f *Flow) Cancel(ctx context.Context, planID string) (Result, error) {
	p, err := f.store.GetPlan(ctx, planID)
	if err != nil {
		return Result{}, err
	}
	if p.Status == domain.PlanSucceeded {
		return f.CancelConfirmed(ctx, planID)
	}
	plan, err := f.CancelPending(ctx, planID)
	return Result{Plan: plan}, err
}

// CancelPending cancels a plan that has not been claimed yet. Any other
// status fails with domain.ErrInvalidState and leaves the plan untouched.
func (f *Flow) CancelPending(ctx context.Context, planID string) (domain.Plan, error) {
	p, err := f.store.GetPlan(ctx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	args := map[string]any{"plan_id": p.ID, "reason": "user_request"}
	now := f.now()
	err = f.store.UpdatePlanStatusIf(ctx, p.ID, domain.PlanScheduled, domain.PlanCancelled, storage.PlanUpdate{At: now})
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidState) {
		cur, gerr := f.store.GetPlan(ctx, p.ID)
		if gerr == nil {
			p = cur
		}
		cause := fmt.Errorf("plan %s is %s: %w", p.ID, p.Status, domain.ErrInvalidState)
		f.record(ctx, p, audit.ToolPlanCancel, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(cause), "status": p.Status})
		return p, cause
	}
	if err != nil {
		return p, fmt.Errorf("cancel plan: %w", err)
	}
	p.Status, p.UpdatedAt = domain.PlanCancelled, now
	f.record(ctx, p, audit.ToolPlanCancel, domain.DecisionAllowed, args, map[string]any{"status": domain.PlanCancelled})
	f.publish("plan.cancelled", p, "user_request")
	f.log.Info("plan cancelled", logx.String("plan_id", p.ID))
	return p, nil
}

// CancelConfirmed releases the booking of a succeeded plan and refunds its
// fee. The plan stays succeeded; the outcome is kept in its Cancellation
// annotation. A plan whose fee is still being settled is refused with
// domain.ErrInvalidState. A provider refusal returns
// domain.ErrCancellationRejected and a failed refund returns
// domain.ErrRefundFailed.
func (f *Flow) CancelConfirmed(ctx context.Context, planID string) (Result, error) {
	p, err := f.store.GetPlan(ctx, planID)
	if err != nil {
		return Result{}, err
	}
	key := domain.IdempotencyKey(p.ID, domain.StepCancel)
	args := map[string]any{"plan_id": p.ID, "booking_ref": p.BookingRef, "idempotency_key": key}

	if p.Status != domain.PlanSucceeded {
		cause := fmt.Errorf("plan %s is %s: %w", p.ID, p.Status, domain.ErrInvalidState)
		f.record(ctx, p, audit.ToolProviderCancel, domain.DecisionDenied, args, map[string]any{"error": domain.Code(cause)})
		return Result{Plan: p}, cause
	}
	if p.Cancellation == domain.CancellationRefunded {
		return Result{Plan: p, AlreadyDone: true}, nil
	}
	if p.SettledAt.IsZero() {
		cause := fmt.Errorf("plan %s fee not settled yet: %w", p.ID, domain.ErrInvalidState)
		f.record(ctx, p, audit.ToolProviderCancel, domain.DecisionDenied, args, map[string]any{"error": domain.Code(cause), "message": cause.Error()})
		return Result{Plan: p}, cause
	}

	_, err = f.store.GetStep(ctx, p.ID, domain.StepCancel)
	switch {
	case err == nil:
		f.log.Info("provider cancellation already journaled, retrying refund", logx.String("plan_id", p.ID))
	case errors.Is(err, domain.ErrNotFound):
		if err := f.release(ctx, &p, key, args); err != nil {
			return Result{Plan: p}, err
		}
	default:
		return Result{Plan: p}, fmt.Errorf("load cancel journal: %w", err)
	}

	refund, err := f.billing.RefundServiceFee(ctx, p)
	if err != nil {
		if errors.Is(err, domain.ErrRefundFailed) {
			f.annotate(ctx, &p, domain.CancellationRefundFailed, true)
			f.publish("plan.reconcile", p, domain.Code(err))
		}
		return Result{Plan: p}, err
	}
	f.annotate(ctx, &p, domain.CancellationRefunded, false)
	f.record(ctx, p, audit.ToolCancelledRefunded, domain.DecisionAllowed, args, refund)
	f.publish("plan.cancellation_refunded", p, "")
	f.log.Info("booking cancelled and refunded", logx.String("plan_id", p.ID), logx.Bool("nothing_to_refund", refund.NothingToRefund))
	return Result{Plan: p, Refund: &refund}, nil
}

// release asks the provider to cancel the booking and journals an accepted
// cancellation.
func (f *Flow) release(ctx context.Context, p *domain.Plan, key string, args map[string]any) error {
	m, err := f.store.GetMandate(ctx, p.MandateID)
	if err != nil {
		return fmt.Errorf("load mandate: %w", err)
	}
	if !m.HasScope(domain.ScopeCancel) {
		cause := fmt.Errorf("mandate lacks %s: %w", domain.ScopeCancel, domain.ErrInvalidScope)
		f.record(ctx, *p, audit.ToolProviderCancel, domain.DecisionDenied, args, map[string]any{"error": domain.Code(cause)})
		return cause
	}
	prov, err := f.providers.Provider(m.Provider)
	if err != nil {
		return err
	}
	if err := f.limiter.Wait(ctx, m.Provider); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.StepTimeout)
	defer cancel()
	sess, err := prov.Login(callCtx, capability.LoginRequest{MandateID: m.ID, OrgRef: m.OrgRef, CredentialRef: m.CredentialRef})
	if err != nil {
		f.record(ctx, *p, audit.ToolProviderLogin, domain.DecisionDenied,
			map[string]any{"provider": m.Provider, "purpose": "cancel"},
			map[string]any{"error": domain.Code(domain.ErrProviderLoginFailed), "message": err.Error()})
		return fmt.Errorf("login for cancel: %v: %w", err, domain.ErrProviderLoginFailed)
	}
	res, err := prov.CancelBooking(callCtx, sess, capability.CancelRequest{BookingRef: p.BookingRef, IdempotencyKey: key})
	if err != nil {
		f.record(ctx, *p, audit.ToolProviderCancel, domain.DecisionDenied, args, map[string]any{"message": err.Error()})
		return fmt.Errorf("cancel booking %s: %w", p.BookingRef, err)
	}
	if !res.Success {
		f.annotate(ctx, p, domain.CancellationRejected, false)
		f.record(ctx, *p, audit.ToolCancelRejected, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(domain.ErrCancellationRejected), "message": res.Error})
		f.publish("plan.cancellation_rejected", *p, res.Error)
		f.log.Warn("provider rejected cancellation", logx.String("plan_id", p.ID), logx.String("reason", res.Error))
		return fmt.Errorf("provider: %s: %w", res.Error, domain.ErrCancellationRejected)
	}

	if err := f.store.PutStep(ctx, domain.StepResult{PlanID: p.ID, Step: domain.StepCancel, Key: key, BookingRef: p.BookingRef, At: f.now()}); err != nil {
		return fmt.Errorf("journal cancel: %w", err)
	}
	f.annotate(ctx, p, domain.CancellationAccepted, false)
	f.record(ctx, *p, audit.ToolProviderCancel, domain.DecisionAllowed, args, res)
	return nil
}

func (f *Flow) annotate(ctx context.Context, p *domain.Plan, state domain.CancellationState, reconcile bool) {
	now := f.now()
	if err := f.store.AnnotatePlan(ctx, p.ID, storage.PlanAnnotation{At: now, Cancellation: state, Reconcile: reconcile}); err != nil {
		f.log.Error("annotate plan failed", logx.String("plan_id", p.ID), logx.String("cancellation", string(state)), logx.Err(err))
		return
	}
	p.Cancellation, p.UpdatedAt = state, now
	if reconcile {
		p.Reconcile = true
	}
}

func (f *Flow) record(ctx context.Context, p domain.Plan, tool string, decision domain.Decision, args, result any) {
	if _, err := f.ledger.Record(ctx, audit.Record{
		MandateID: p.MandateID, PlanID: p.ID, Tool: tool,
		Args: args, Result: result, Decision: decision,
	}); err != nil {
		f.log.Error("audit write failed", logx.String("plan_id", p.ID), logx.String("tool", tool), logx.Err(err))
	}
}

func (f *Flow) publish(typ string, p domain.Plan, reason string) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(eventbus.Event{Type: typ, Time: f.now(),
		Data: eventbus.PlanEvent{MandateID: p.MandateID, PlanID: p.ID, Status: string(p.Status), Reason: reason}})
}
