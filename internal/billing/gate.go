// Package billing charges and refunds the service fee. A fee is only ever
// charged against a journaled, successful provider submit, and at most once
// per plan.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signupassist/internal/audit"
	"signupassist/internal/capability"
	"signupassist/internal/domain"
	"signupassist/internal/metrics"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

type Config struct {
	// Timeout bounds each processor call.
	Timeout time.Duration
}

// Charge is the outcome of a successful ChargeServiceFee.
type Charge struct {
	ChargeID    string `json:"charge_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Waived      bool   `json:"waived,omitempty"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// Refund is the outcome of a successful RefundServiceFee.
type Refund struct {
	RefundID    string `json:"refund_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	// NothingToRefund is set when no fee was ever collected.
	NothingToRefund bool `json:"nothing_to_refund,omitempty"`
	Replayed        bool `json:"replayed,omitempty"`
}

type Gate struct {
	cfg     Config
	store   storage.Store
	ledger  *audit.Ledger
	proc    capability.Processor
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, store storage.Store, ledger *audit.Ledger, proc capability.Processor, log logx.Logger, m *metrics.Metrics) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		proc:    proc,
		log:     log.With(logx.String("comp", "billing")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. It is meant for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// ChargeServiceFee collects plan's service fee. It writes exactly one
// billing.charge audit entry per call. A plan whose booking has a journaled
// provider cancellation is never charged.
func (g *Gate) ChargeServiceFee(ctx context.Context, plan domain.Plan) (Charge, error) {
	key := domain.IdempotencyKey(plan.ID, domain.StepFee)
	args := map[string]any{"plan_id": plan.ID, "amount_cents": plan.ServiceFeeCents, "idempotency_key": key}

	if prev, err := g.store.GetStep(ctx, plan.ID, domain.StepFee); err == nil {
		c := Charge{ChargeID: prev.ChargeID, AmountCents: prev.ChargedAmountCents, Waived: prev.ChargeID == "", Replayed: true}
		g.allow(ctx, plan, audit.ToolBillingCharge, args, c)
		g.metrics.IncBilling("charge", "replayed")
		return c, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return Charge{}, fmt.Errorf("load fee journal: %w", err)
	}

	switch _, err := g.store.GetStep(ctx, plan.ID, domain.StepCancel); {
	case err == nil:
		return Charge{}, g.deny(ctx, plan, audit.ToolBillingCharge, "charge", args,
			fmt.Errorf("booking for plan %s was cancelled: %w", plan.ID, domain.ErrBillingFailed))
	case !errors.Is(err, domain.ErrNotFound):
		return Charge{}, fmt.Errorf("load cancel journal: %w", err)
	}

	m, err := g.store.GetMandate(ctx, plan.MandateID)
	if err != nil {
		return Charge{}, fmt.Errorf("load mandate: %w", err)
	}
	sub, err := g.store.GetStep(ctx, plan.ID, domain.StepSubmit)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return Charge{}, g.deny(ctx, plan, audit.ToolBillingCharge, "charge", args,
			fmt.Errorf("no confirmed booking for plan %s: %w", plan.ID, domain.ErrBillingFailed))
	case err != nil:
		return Charge{}, fmt.Errorf("load submit journal: %w", err)
	}
	args["charged_amount_cents"] = sub.ChargedAmountCents

	if err := checkCaps(m, plan, sub.ChargedAmountCents); err != nil {
		return Charge{}, g.deny(ctx, plan, audit.ToolBillingCharge, "charge", args, err)
	}
	if !m.HasScope(domain.ScopePay) {
		return Charge{}, g.deny(ctx, plan, audit.ToolBillingCharge, "charge", args,
			fmt.Errorf("mandate lacks %s: %w", domain.ScopePay, domain.ErrInvalidScope))
	}

	fee := plan.ServiceFeeCents
	if fee == 0 {
		if err := g.journal(ctx, plan.ID, domain.StepFee, key, "", 0); err != nil {
			return Charge{}, err
		}
		c := Charge{Waived: true}
		g.allow(ctx, plan, audit.ToolBillingCharge, args, c)
		g.metrics.IncBilling("charge", "waived")
		return c, nil
	}
	if m.PaymentRef == "" {
		return Charge{}, g.deny(ctx, plan, audit.ToolBillingCharge, "charge", args,
			fmt.Errorf("mandate has no payment method: %w", domain.ErrBillingFailed))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	res, err := g.proc.Charge(callCtx, capability.ChargeRequest{
		PaymentRef:     m.PaymentRef,
		AmountCents:    fee,
		Description:    "service fee " + plan.ID,
		IdempotencyKey: key,
	})
	cancel()
	if err == nil && !res.Success {
		err = fmt.Errorf("declined: %s", res.Error)
	}
	if err != nil {
		return Charge{}, g.deny(ctx, plan, audit.ToolBillingCharge, "charge", args,
			fmt.Errorf("charge %s: %v: %w", plan.ID, err, domain.ErrBillingFailed))
	}

	c := Charge{ChargeID: res.ChargeID, AmountCents: fee}
	jerr := g.journal(ctx, plan.ID, domain.StepFee, key, res.ChargeID, fee)
	g.allow(ctx, plan, audit.ToolBillingCharge, args, c)
	g.metrics.IncBilling("charge", "ok")
	g.log.Info("service fee charged", logx.String("plan_id", plan.ID), logx.String("charge_id", res.ChargeID), logx.Int64("amount_cents", fee))
	return c, jerr
}

// RefundServiceFee returns the fee of a succeeded plan whose provider
// cancellation was accepted.
func (g *Gate) RefundServiceFee(ctx context.Context, plan domain.Plan) (Refund, error) {
	key := domain.IdempotencyKey(plan.ID, domain.StepRefund)
	args := map[string]any{"plan_id": plan.ID, "idempotency_key": key}

	if plan.Status != domain.PlanSucceeded {
		return Refund{}, g.deny(ctx, plan, audit.ToolBillingRefund, "refund", args,
			fmt.Errorf("plan %s is %s: %w", plan.ID, plan.Status, domain.ErrInvalidState))
	}
	if _, err := g.store.GetStep(ctx, plan.ID, domain.StepCancel); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return Refund{}, fmt.Errorf("load cancel journal: %w", err)
		}
		return Refund{}, g.deny(ctx, plan, audit.ToolBillingRefund, "refund", args,
			fmt.Errorf("provider cancellation not accepted for %s: %w", plan.ID, domain.ErrInvalidState))
	}
	if prev, err := g.store.GetStep(ctx, plan.ID, domain.StepRefund); err == nil {
		r := Refund{RefundID: prev.ChargeID, AmountCents: prev.ChargedAmountCents, Replayed: true}
		g.allow(ctx, plan, audit.ToolBillingRefund, args, r)
		g.metrics.IncBilling("refund", "replayed")
		return r, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return Refund{}, fmt.Errorf("load refund journal: %w", err)
	}

	fee, err := g.store.GetStep(ctx, plan.ID, domain.StepFee)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Refund{}, fmt.Errorf("load fee journal: %w", err)
	}
	if err != nil || fee.ChargeID == "" {
		r := Refund{NothingToRefund: true}
		g.allow(ctx, plan, audit.ToolBillingRefund, args, r)
		g.metrics.IncBilling("refund", "nothing")
		return r, nil
	}
	args["charge_id"] = fee.ChargeID
	args["amount_cents"] = fee.ChargedAmountCents

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	res, err := g.proc.Refund(callCtx, capability.RefundRequest{
		ChargeID:       fee.ChargeID,
		AmountCents:    fee.ChargedAmountCents,
		IdempotencyKey: key,
	})
	cancel()
	if err == nil && !res.Success {
		err = fmt.Errorf("declined: %s", res.Error)
	}
	if err != nil {
		return Refund{}, g.deny(ctx, plan, audit.ToolBillingRefund, "refund", args,
			fmt.Errorf("refund %s: %v: %w", plan.ID, err, domain.ErrRefundFailed))
	}

	r := Refund{RefundID: res.ChargeID, AmountCents: fee.ChargedAmountCents}
	jerr := g.journal(ctx, plan.ID, domain.StepRefund, key, res.ChargeID, fee.ChargedAmountCents)
	g.allow(ctx, plan, audit.ToolBillingRefund, args, r)
	g.metrics.IncBilling("refund", "ok")
	g.log.Info("service fee refunded", logx.String("plan_id", plan.ID), logx.String("refund_id", res.ChargeID))
	return r, jerr
}

// checkCaps re-validates both the estimated and the actual spend.
func checkCaps(m domain.Mandate, plan domain.Plan, actual int64) error {
	fee := plan.ServiceFeeCents
	if !plan.Caps().Within(m.MaxAmountCents) {
		return fmt.Errorf("estimated %d + fee %d exceeds mandate max %d: %w",
			plan.MaxProviderChargeCents, fee, m.MaxAmountCents, domain.ErrCapExceeded)
	}
	if !domain.FitsWithin(actual, fee, m.MaxAmountCents) {
		return fmt.Errorf("charged %d + fee %d exceeds mandate max %d: %w",
			actual, fee, m.MaxAmountCents, domain.ErrCapExceeded)
	}
	return nil
}

func (g *Gate) journal(ctx context.Context, planID, step, key, chargeID string, amount int64) error {
	err := g.store.PutStep(ctx, domain.StepResult{
		PlanID: planID, Step: step, Key: key,
		ChargeID: chargeID, ChargedAmountCents: amount, At: g.now(),
	})
	if err != nil {
		g.log.Error("journal write failed", logx.String("plan_id", planID), logx.String("step", step), logx.Err(err))
		return fmt.Errorf("journal %s: %w", step, err)
	}
	return nil
}

func (g *Gate) allow(ctx context.Context, plan domain.Plan, tool string, args, result any) {
	g.record(ctx, plan, tool, domain.DecisionAllowed, args, result)
}

func (g *Gate) deny(ctx context.Context, plan domain.Plan, tool, op string, args any, cause error) error {
	code := domain.Code(cause)
	g.record(ctx, plan, tool, domain.DecisionDenied, args, map[string]any{"error": code, "message": cause.Error()})
	g.metrics.IncBilling(op, "denied")
	g.log.Warn(op+" denied", logx.String("plan_id", plan.ID), logx.String("code", code), logx.Err(cause))
	return cause
}

func (g *Gate) record(ctx context.Context, plan domain.Plan, tool string, decision domain.Decision, args, result any) {
	if _, err := g.ledger.Record(ctx, audit.Record{
		MandateID: plan.MandateID, PlanID: plan.ID, Tool: tool,
		Args: args, Result: result, Decision: decision,
	}); err != nil {
		g.log.Error("audit write failed", logx.String("plan_id", plan.ID), logx.String("tool", tool), logx.Err(err))
	}
}
