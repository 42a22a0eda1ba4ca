// Package planner validates and persists plans: registration intents bound
// to a mandate and scheduled for the instant enrollment opens.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signupassist/internal/audit"
	"signupassist/internal/domain"
	"signupassist/internal/eventbus"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

// Config controls plan admission.
type Config struct {
	// MaxAdvance is the global scheduling horizon; a mandate's own
	// MaxAdvance overrides it. 0 disables the horizon check.
	MaxAdvance time.Duration
	// DefaultServiceFeeCents applies when a request omits the fee.
	DefaultServiceFeeCents int64
}

// CreateRequest describes a plan to schedule.
type CreateRequest struct {
	MandateID              string
	ProgramRef             string
	ParticipantRef         string
	OpensAt                time.Time
	Payload                json.RawMessage
	MaxProviderChargeCents int64
	// ServiceFeeCents nil means Config.DefaultServiceFeeCents.
	ServiceFeeCents *int64
	// Immediate books now instead of waiting for the tick.
	Immediate bool
}

// Dispatcher claims a plan right away instead of on the next tick.
type Dispatcher interface {
	DispatchNow(ctx context.Context, planID string) error
}

type Planner struct {
	cfg    Config
	store  storage.Store
	ledger *audit.Ledger
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	dispatcher Dispatcher
}

func New(cfg Config, store storage.Store, ledger *audit.Ledger, bus eventbus.Bus, log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		bus:    bus,
		log:    log.With(logx.String("comp", "planner")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. It is meant for tests.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// SetDispatcher wires immediate bookings. It must be called before serving.
func (p *Planner) SetDispatcher(d Dispatcher) { p.dispatcher = d }

func (p *Planner) Get(ctx context.Context, id string) (domain.Plan, error) {
	return p.store.GetPlan(ctx, id)
}

func (p *Planner) ListByMandate(ctx context.Context, mandateID string) ([]domain.Plan, error) {
	if _, err := p.store.GetMandate(ctx, mandateID); err != nil {
		return nil, err
	}
	return p.store.ListPlansByMandate(ctx, mandateID)
}

// CreatePlan validates req against its mandate and persists a scheduled plan.
// Nothing is persisted on rejection; rejections after the mandate is loaded
// are audited as denied.
func (p *Planner) CreatePlan(ctx context.Context, req CreateRequest) (domain.Plan, error) {
	now := p.now()
	m, err := p.store.GetMandate(ctx, req.MandateID)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("mandate %s: %w", req.MandateID, err)
	}

	fee := p.cfg.DefaultServiceFeeCents
	if req.ServiceFeeCents != nil {
		fee = *req.ServiceFeeCents
	}
	immediate := req.Immediate || req.OpensAt.IsZero() || req.OpensAt.Before(now)
	opensAt := req.OpensAt.UTC()
	if immediate {
		opensAt = now
	}

	args := map[string]any{
		"program_ref":               req.ProgramRef,
		"participant_ref":           req.ParticipantRef,
		"opens_at":                  opensAt,
		"max_provider_charge_cents": req.MaxProviderChargeCents,
		"service_fee_cents":         fee,
		"immediate":                 immediate,
	}

	if err := p.admit(m, req, opensAt, fee, now); err != nil {
		_, aerr := p.ledger.Record(ctx, audit.Record{
			MandateID: m.ID, Tool: audit.ToolPlanCreate, Args: args,
			Result:   map[string]any{"error": domain.Code(err), "message": err.Error()},
			Decision: domain.DecisionDenied,
		})
		if aerr != nil {
			p.log.Warn("audit of rejected plan failed", logx.String("mandate_id", m.ID), logx.Err(aerr))
		}
		p.log.Info("plan rejected", logx.String("mandate_id", m.ID), logx.String("code", domain.Code(err)))
		return domain.Plan{}, err
	}

	plan := domain.Plan{
		ID:                     domain.NewID("pln"),
		MandateID:              m.ID,
		ProgramRef:             req.ProgramRef,
		ParticipantRef:         req.ParticipantRef,
		OpensAt:                opensAt,
		Payload:                req.Payload,
		MaxProviderChargeCents: req.MaxProviderChargeCents,
		ServiceFeeCents:        fee,
		Status:                 domain.PlanScheduled,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := p.store.CreatePlan(ctx, plan); err != nil {
		return domain.Plan{}, fmt.Errorf("create plan: %w", err)
	}
	if _, err := p.ledger.Record(ctx, audit.Record{
		MandateID: m.ID, PlanID: plan.ID, Tool: audit.ToolPlanCreate, Args: args,
		Result:   map[string]any{"plan_id": plan.ID, "status": plan.Status},
		Decision: domain.DecisionAllowed,
	}); err != nil {
		return domain.Plan{}, err
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "plan.created", Time: now,
			Data: eventbus.PlanEvent{MandateID: m.ID, PlanID: plan.ID, Status: string(plan.Status)}})
	}
	p.log.Info("plan scheduled", logx.String("plan_id", plan.ID), logx.String("mandate_id", m.ID),
		logx.Time("opens_at", plan.OpensAt), logx.Bool("immediate", immediate))

	if immediate && p.dispatcher != nil {
		if err := p.dispatcher.DispatchNow(ctx, plan.ID); err != nil {
			p.log.Warn("immediate dispatch failed", logx.String("plan_id", plan.ID), logx.Err(err))
		}
		if fresh, err := p.store.GetPlan(ctx, plan.ID); err == nil {
			plan = fresh
		}
	}
	return plan, nil
}

// admit applies the creation checks in their fixed order.
func (p *Planner) admit(m domain.Mandate, req CreateRequest, opensAt time.Time, fee int64, now time.Time) error {
	if !m.UsableAt(now) {
		return fmt.Errorf("mandate %s is %s: %w", m.ID, m.Status, domain.ErrMandateInactive)
	}
	if !m.HasScope(domain.ScopeEnroll) {
		return fmt.Errorf("mandate lacks %s: %w", domain.ScopeEnroll, domain.ErrInvalidScope)
	}
	if strings.TrimSpace(req.ProgramRef) == "" {
		return fmt.Errorf("program_ref is required: %w", domain.ErrInvalidArgument)
	}
	if req.MaxProviderChargeCents < 0 || fee < 0 {
		return fmt.Errorf("caps must not be negative: %w", domain.ErrInvalidArgument)
	}
	if !domain.ValidCents(req.MaxProviderChargeCents) || !domain.ValidCents(fee) {
		return fmt.Errorf("caps must not exceed %d cents: %w", domain.MaxCents, domain.ErrInvalidArgument)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("payload is not valid json: %w", domain.ErrInvalidArgument)
	}
	caps := domain.Caps{MaxProviderChargeCents: req.MaxProviderChargeCents, ServiceFeeCents: fee}
	if !caps.Within(m.MaxAmountCents) {
		return fmt.Errorf("caps total %d exceeds mandate max %d: %w", caps.Total(), m.MaxAmountCents, domain.ErrCapExceeded)
	}
	if opensAt.After(m.ValidUntil) {
		return fmt.Errorf("opens_at %s after mandate valid_until %s: %w",
			opensAt.Format(time.RFC3339), m.ValidUntil.Format(time.RFC3339), domain.ErrMandateExpired)
	}
	horizon := p.cfg.MaxAdvance
	if m.MaxAdvance > 0 {
		horizon = m.MaxAdvance
	}
	if horizon > 0 && opensAt.After(now.Add(horizon)) {
		return fmt.Errorf("opens_at beyond %s horizon: %w", horizon, domain.ErrBeyondHorizon)
	}
	return nil
}
