// Package mandate issues, revokes and expires the bounded capability grants
// every plan executes under.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"signupassist/internal/audit"
	"signupassist/internal/domain"
	"signupassist/internal/eventbus"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

// Config controls issuance policy.
type Config struct {
	// Scopes is the catalog of grantable scopes. Empty means
	// domain.DefaultScopeCatalog.
	Scopes []string
	// SweepBatch bounds how many mandates one ExpireDue call handles.
	SweepBatch int
}

// IssueRequest describes a new grant.
type IssueRequest struct {
	Subject        string
	Provider       string
	OrgRef         string
	Scopes         []string
	MaxAmountCents int64
	ValidFrom      time.Time
	ValidUntil     time.Time
	CredentialRef  string
	PaymentRef     string
	MaxAdvance     time.Duration
}

// RevokeResult reports what a revocation changed.
type RevokeResult struct {
	Mandate        domain.Mandate `json:"mandate"`
	AlreadyRevoked bool           `json:"already_revoked"`
	Cancelled      []string       `json:"cancelled_plans"`
}

type Issuer struct {
	store  storage.Store
	ledger *audit.Ledger
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	catalog    []string
	sweepBatch int
}

func NewIssuer(cfg Config, store storage.Store, ledger *audit.Ledger, bus eventbus.Bus, log logx.Logger) *Issuer {
	if log.IsZero() {
		log = logx.Nop()
	}
	catalog := cfg.Scopes
	if len(catalog) == 0 {
		catalog = domain.DefaultScopeCatalog
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	return &Issuer{
		store:      store,
		ledger:     ledger,
		bus:        bus,
		log:        log.With(logx.String("comp", "mandate")),
		now:        func() time.Time { return time.Now().UTC() },
		catalog:    slices.Clone(catalog),
		sweepBatch: cfg.SweepBatch,
	}
}

// WithClock replaces the time source. It is meant for tests.
func (s *Issuer) WithClock(now func() time.Time) *Issuer {
	s.now = now
	return s
}

// IsUsable is true iff m is active and at lies within its validity window.
func IsUsable(m domain.Mandate, at time.Time) bool { return m.UsableAt(at) }

func (s *Issuer) Get(ctx context.Context, id string) (domain.Mandate, error) {
	return s.store.GetMandate(ctx, id)
}

func (s *Issuer) Issue(ctx context.Context, req IssueRequest) (domain.Mandate, error) {
	now := s.now()
	if err := s.validate(&req, now); err != nil {
		s.log.Info("mandate rejected", logx.String("subject", req.Subject), logx.String("code", domain.Code(err)), logx.Err(err))
		return domain.Mandate{}, err
	}

	m := domain.Mandate{
		ID:             domain.NewID("mdt"),
		Subject:        req.Subject,
		Provider:       req.Provider,
		OrgRef:         req.OrgRef,
		Scopes:         req.Scopes,
		MaxAmountCents: req.MaxAmountCents,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		Status:         domain.MandateActive,
		CredentialRef:  req.CredentialRef,
		PaymentRef:     req.PaymentRef,
		MaxAdvance:     req.MaxAdvance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateMandate(ctx, m); err != nil {
		return domain.Mandate{}, fmt.Errorf("create mandate: %w", err)
	}
	if _, err := s.ledger.Record(ctx, audit.Record{
		MandateID: m.ID,
		Tool:      audit.ToolMandateIssue,
		Args: map[string]any{
			"subject":          m.Subject,
			"provider":         m.Provider,
			"org_ref":          m.OrgRef,
			"scopes":           m.Scopes,
			"max_amount_cents": m.MaxAmountCents,
			"valid_from":       m.ValidFrom,
			"valid_until":      m.ValidUntil,
		},
		Result:   map[string]any{"status": m.Status},
		Decision: domain.DecisionAllowed,
	}); err != nil {
		return domain.Mandate{}, err
	}
	s.publish("mandate.issued", m.ID, "")
	s.log.Info("mandate issued", logx.String("mandate_id", m.ID), logx.String("provider", m.Provider),
		logx.Int64("max_amount_cents", m.MaxAmountCents), logx.Time("valid_until", m.ValidUntil))
	return m, nil
}

func (s *Issuer) validate(req *IssueRequest, now time.Time) error {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Provider = strings.TrimSpace(req.Provider)
	if req.Subject == "" || req.Provider == "" {
		return fmt.Errorf("subject and provider are required: %w", domain.ErrInvalidArgument)
	}
	if req.MaxAmountCents <= 0 {
		return fmt.Errorf("max amount must be positive: %w", domain.ErrInvalidArgument)
	}
	if !domain.ValidCents(req.MaxAmountCents) {
		return fmt.Errorf("max amount must not exceed %d cents: %w", domain.MaxCents, domain.ErrInvalidArgument)
	}
	if req.MaxAdvance < 0 {
		return fmt.Errorf("max advance must not be negative: %w", domain.ErrInvalidArgument)
	}
	if len(req.Scopes) == 0 {
		return fmt.Errorf("no scopes requested: %w", domain.ErrInvalidScope)
	}
	scopes := make([]string, 0, len(req.Scopes))
	for _, sc := range req.Scopes {
		sc = strings.TrimSpace(sc)
		if !slices.Contains(s.catalog, sc) {
			return fmt.Errorf("scope %q: %w", sc, domain.ErrInvalidScope)
		}
		if !slices.Contains(scopes, sc) {
			scopes = append(scopes, sc)
		}
	}
	slices.Sort(scopes)
	req.Scopes = scopes

	if req.ValidFrom.IsZero() {
		req.ValidFrom = now
	}
	req.ValidFrom, req.ValidUntil = req.ValidFrom.UTC(), req.ValidUntil.UTC()
	if !req.ValidUntil.After(req.ValidFrom) {
		return fmt.Errorf("valid_until must be after valid_from: %w", domain.ErrInvalidWindow)
	}
	if !req.ValidUntil.After(now) {
		return fmt.Errorf("validity window already ended: %w", domain.ErrInvalidWindow)
	}
	return nil
}

// Revoke moves an active mandate to revoked and cancels its scheduled plans.
// Revoking a revoked mandate re-runs the cascade; an expired one is rejected.
func (s *Issuer) Revoke(ctx context.Context, id string) (RevokeResult, error) {
	for {
		m, err := s.store.GetMandate(ctx, id)
		if err != nil {
			return RevokeResult{}, err
		}
		res := RevokeResult{Mandate: m}
		switch m.Status {
		case domain.MandateExpired:
			_, aerr := s.ledger.Record(ctx, audit.Record{
				MandateID: id, Tool: audit.ToolMandateRevoke,
				Result:   map[string]any{"error": domain.Code(domain.ErrMandateInactive), "status": m.Status},
				Decision: domain.DecisionDenied,
			})
			if aerr != nil {
				s.log.Warn("audit of rejected revoke failed", logx.String("mandate_id", id), logx.Err(aerr))
			}
			return res, fmt.Errorf("mandate %s is expired: %w", id, domain.ErrMandateInactive)
		case domain.MandateRevoked:
			res.AlreadyRevoked = true
		case domain.MandateActive:
			now := s.now()
			err := s.store.UpdateMandateStatusIf(ctx, id, domain.MandateActive, domain.MandateRevoked, now)
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("revoke mandate: %w", err)
			}
			res.Mandate.Status, res.Mandate.UpdatedAt = domain.MandateRevoked, now
			if _, err := s.ledger.Record(ctx, audit.Record{
				MandateID: id, Tool: audit.ToolMandateRevoke,
				Result:   map[string]any{"status": domain.MandateRevoked},
				Decision: domain.DecisionAllowed,
			}); err != nil {
				return res, err
			}
			s.publish("mandate.revoked", id, "")
		default:
			return res, fmt.Errorf("mandate %s has status %q: %w", id, m.Status, domain.ErrInvalidState)
		}

		cancelled, err := s.cascade(ctx, id, "mandate_revoked")
		res.Cancelled = cancelled
		if err != nil {
			return res, err
		}
		s.log.Info("mandate revoked", logx.String("mandate_id", id),
			logx.Bool("already_revoked", res.AlreadyRevoked), logx.Int("cancelled_plans", len(cancelled)))
		return res, nil
	}
}

// ExpireDue marks active mandates past their window expired and cascades to
// their scheduled plans. It returns how many mandates it expired.
func (s *Issuer) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListExpiredMandates(ctx, now, s.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired mandates: %w", err)
	}
	n := 0
	for _, m := range due {
		err := s.store.UpdateMandateStatusIf(ctx, m.ID, domain.MandateActive, domain.MandateExpired, now)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("expire mandate %s: %w", m.ID, err)
		}
		n++
		if _, err := s.ledger.Record(ctx, audit.Record{
			MandateID: m.ID, Tool: audit.ToolMandateExpire,
			Args:     map[string]any{"valid_until": m.ValidUntil},
			Result:   map[string]any{"status": domain.MandateExpired},
			Decision: domain.DecisionAllowed,
		}); err != nil {
			return n, err
		}
		s.publish("mandate.expired", m.ID, "")
		if _, err := s.cascade(ctx, m.ID, "mandate_expired"); err != nil {
			return n, err
		}
	}
	if n > 0 {
		s.log.Info("mandates expired", logx.Int("count", n))
	}
	return n, nil
}

// cascade cancels every plan of the mandate that is still scheduled. Plans
// already claimed are left to the orchestrator, which re-validates live.
func (s *Issuer) cascade(ctx context.Context, mandateID, reason string) ([]string, error) {
	plans, err := s.store.ListPlansByMandate(ctx, mandateID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var cancelled []string
	for _, p := range plans {
		if p.Status != domain.PlanScheduled {
			continue
		}
		err := s.store.UpdatePlanStatusIf(ctx, p.ID, domain.PlanScheduled, domain.PlanCancelled, storage.PlanUpdate{
			At:            s.now(),
			FailureReason: domain.Code(domain.ErrMandateInactive),
		})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return cancelled, fmt.Errorf("cancel plan %s: %w", p.ID, err)
		}
		cancelled = append(cancelled, p.ID)
		if _, err := s.ledger.Record(ctx, audit.Record{
			MandateID: mandateID, PlanID: p.ID, Tool: audit.ToolPlanCancel,
			Args:     map[string]any{"reason": reason},
			Result:   map[string]any{"status": domain.PlanCancelled},
			Decision: domain.DecisionAllowed,
		}); err != nil {
			return cancelled, err
		}
		s.publish("plan.cancelled", mandateID, p.ID)
	}
	return cancelled, nil
}

func (s *Issuer) publish(typ, mandateID, planID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: eventbus.PlanEvent{MandateID: mandateID, PlanID: planID}})
}
