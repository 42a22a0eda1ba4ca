package execution

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"signupassist/internal/audit"
	"signupassist/internal/capability"
	"signupassist/internal/domain"
	logx "signupassist/pkg/logx"
)

// step wraps one provider call in a span, the per-step timeout and the step
// duration histogram.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "execution."+name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.config().StepTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.ObserveStep(name, status, time.Since(start))
	return err
}

// checkMandate re-validates the live mandate right before a sensitive step.
func (o *Orchestrator) checkMandate(ctx context.Context, r *run, phase string) error {
	now := o.now()
	args := map[string]any{"phase": phase, "at": now}
	var cause error
	switch {
	case !r.mandate.UsableAt(now):
		cause = fmt.Errorf("mandate %s not usable (status %s): %w", r.mandate.ID, r.mandate.Status, domain.ErrMandateInvalidAtExecution)
	default:
		if missing := r.mandate.MissingScopes(domain.ExecutionScopes...); len(missing) > 0 {
			cause = fmt.Errorf("mandate %s lacks %v: %w", r.mandate.ID, missing, domain.ErrMandateInvalidAtExecution)
		}
	}
	if cause != nil {
		o.record(ctx, r.plan, audit.ToolMandateCheck, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(cause), "status": r.mandate.Status})
		return cause
	}
	o.record(ctx, r.plan, audit.ToolMandateCheck, domain.DecisionAllowed, args, map[string]any{"status": r.mandate.Status})
	return nil
}

// login acquires a delegated session, retrying with exponential backoff.
func (o *Orchestrator) login(ctx context.Context, r *run, prov capability.Provider) (capability.Session, error) {
	cfg := o.config()
	attempts := 1 + cfg.LoginRetries
	delay := cfg.LoginBackoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		args := map[string]any{"provider": r.mandate.Provider, "attempt": i, "max_attempts": attempts}
		if open, until := o.circuits.open(o.now(), r.mandate.Provider, cfg.Breaker); open {
			o.record(ctx, r.plan, audit.ToolProviderLogin, domain.DecisionDenied, args,
				map[string]any{"error": domain.Code(domain.ErrProviderLoginFailed), "message": "circuit open", "open_until": until})
			return capability.Session{}, fmt.Errorf("provider %s circuit open until %s: %w",
				r.mandate.Provider, until.Format(time.RFC3339), domain.ErrProviderLoginFailed)
		}
		if err := o.limiter.Wait(ctx, r.mandate.Provider); err != nil {
			return capability.Session{}, infra("rate limit", err)
		}
		var sess capability.Session
		err := o.step(ctx, "login", func(ctx context.Context) error {
			var err error
			sess, err = prov.Login(ctx, capability.LoginRequest{
				MandateID: r.mandate.ID, OrgRef: r.mandate.OrgRef, CredentialRef: r.mandate.CredentialRef,
			})
			return err
		})
		o.observe(ctx, r, err)
		r.attempt.LoginAttempts = i
		if err == nil {
			o.record(ctx, r.plan, audit.ToolProviderLogin, domain.DecisionAllowed, args, map[string]any{"session": true})
			return sess, nil
		}
		lastErr = err
		o.record(ctx, r.plan, audit.ToolProviderLogin, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(domain.ErrProviderLoginFailed), "message": err.Error()})
		o.log.Warn("provider login failed", logx.String("plan_id", r.plan.ID), logx.Int("attempt", i), logx.Err(err))
		if ctx.Err() != nil {
			return capability.Session{}, infra("login", ctx.Err())
		}
		if i < attempts {
			if err := o.sleep(ctx, delay); err != nil {
				return capability.Session{}, infra("login backoff", err)
			}
			delay *= 2
		}
	}
	return capability.Session{}, fmt.Errorf("login failed after %d attempts: %v: %w", attempts, lastErr, domain.ErrProviderLoginFailed)
}

// discover checks the payload against the provider's registration form.
func (o *Orchestrator) discover(ctx context.Context, r *run, prov capability.Provider, sess capability.Session) error {
	var fields []capability.Field
	err := o.step(ctx, "discover", func(ctx context.Context) error {
		var err error
		fields, err = prov.DiscoverFields(ctx, sess, r.plan.ProgramRef)
		return err
	})
	args := map[string]any{"program_ref": r.plan.ProgramRef}
	if err != nil {
		cause := fmt.Errorf("discover fields: %v: %w", err, domain.ErrProviderSubmitFailed)
		o.record(ctx, r.plan, audit.ToolProviderDiscover, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(cause), "message": err.Error()})
		return cause
	}
	missing, err := capability.MissingRequired(fields, r.plan.Payload)
	if err == nil && len(missing) > 0 {
		err = fmt.Errorf("missing required fields %v", missing)
	}
	if err != nil {
		cause := fmt.Errorf("%v: %w", err, domain.ErrProviderSubmitFailed)
		o.record(ctx, r.plan, audit.ToolProviderDiscover, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(cause), "missing": missing})
		return cause
	}
	o.record(ctx, r.plan, audit.ToolProviderDiscover, domain.DecisionAllowed, args, map[string]any{"fields": len(fields)})
	return nil
}

// submit sends the registration and journals a confirmed booking.
func (o *Orchestrator) submit(ctx context.Context, r *run, prov capability.Provider, sess capability.Session) (domain.StepResult, error) {
	key := domain.IdempotencyKey(r.plan.ID, domain.StepSubmit)
	args := map[string]any{"program_ref": r.plan.ProgramRef, "participant_ref": r.plan.ParticipantRef, "idempotency_key": key}
	if err := o.limiter.Wait(ctx, r.mandate.Provider); err != nil {
		return domain.StepResult{}, infra("rate limit", err)
	}

	var res capability.Result
	err := o.step(ctx, "submit", func(ctx context.Context) error {
		var err error
		res, err = prov.Submit(ctx, sess, capability.SubmitRequest{
			ProgramRef: r.plan.ProgramRef, ParticipantRef: r.plan.ParticipantRef,
			Payload: r.plan.Payload, IdempotencyKey: key,
		})
		return err
	})
	o.observe(ctx, r, err)
	if err == nil && !res.Success {
		err = fmt.Errorf("declined: %s", res.Error)
	}
	if err != nil {
		cause := fmt.Errorf("submit: %v: %w", err, domain.ErrProviderSubmitFailed)
		o.record(ctx, r.plan, audit.ToolProviderSubmit, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(cause), "message": err.Error()})
		return domain.StepResult{}, cause
	}
	o.record(ctx, r.plan, audit.ToolProviderSubmit, domain.DecisionAllowed, args, res)

	sub := domain.StepResult{
		PlanID: r.plan.ID, Step: domain.StepSubmit, Key: key,
		BookingRef: res.BookingRef, ChargedAmountCents: res.ChargedAmountCents, At: o.now(),
	}
	if err := o.store.PutStep(ctx, sub); err != nil {
		return domain.StepResult{}, infra("journal submit", err)
	}
	return sub, nil
}

// checkCaps compares the provider's actual charge with the plan and mandate
// limits before anything is billed.
func (o *Orchestrator) checkCaps(ctx context.Context, r *run, sub domain.StepResult) error {
	fee := r.plan.ServiceFeeCents
	args := map[string]any{
		"charged_amount_cents":      sub.ChargedAmountCents,
		"max_provider_charge_cents": r.plan.MaxProviderChargeCents,
		"service_fee_cents":         fee,
		"mandate_max_cents":         r.mandate.MaxAmountCents,
	}
	var cause error
	switch {
	case sub.ChargedAmountCents < 0:
		cause = fmt.Errorf("provider reported negative charge %d: %w", sub.ChargedAmountCents, domain.ErrCapExceeded)
	case sub.ChargedAmountCents > r.plan.MaxProviderChargeCents:
		cause = fmt.Errorf("provider charged %d over plan cap %d: %w", sub.ChargedAmountCents, r.plan.MaxProviderChargeCents, domain.ErrCapExceeded)
	case !domain.FitsWithin(sub.ChargedAmountCents, fee, r.mandate.MaxAmountCents):
		cause = fmt.Errorf("charged %d + fee %d over mandate max %d: %w", sub.ChargedAmountCents, fee, r.mandate.MaxAmountCents, domain.ErrCapExceeded)
	}
	if cause != nil {
		o.record(ctx, r.plan, audit.ToolCapCheck, domain.DecisionDenied, args,
			map[string]any{"error": domain.Code(cause), "booking_ref": sub.BookingRef, "reconcile": true})
		return cause
	}
	o.record(ctx, r.plan, audit.ToolCapCheck, domain.DecisionAllowed, args, map[string]any{"booking_ref": sub.BookingRef})
	r.attempt.ChargedAmountCents = sub.ChargedAmountCents
	return nil
}

func planAttrs(p domain.Plan) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("plan.id", p.ID),
		attribute.String("mandate.id", p.MandateID),
		attribute.String("program.ref", p.ProgramRef),
	}
}
