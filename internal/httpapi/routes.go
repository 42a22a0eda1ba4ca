package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"signupassist/internal/audit"
	"signupassist/internal/cancellation"
	"signupassist/internal/domain"
	"signupassist/internal/mandate"
	"signupassist/internal/planner"
)

type Mandates interface {
	Issue(ctx context.Context, req mandate.IssueRequest) (domain.Mandate, error)
	Get(ctx context.Context, id string) (domain.Mandate, error)
	Revoke(ctx context.Context, id string) (mandate.RevokeResult, error)
}

type Plans interface {
	CreatePlan(ctx context.Context, req planner.CreateRequest) (domain.Plan, error)
	Get(ctx context.Context, id string) (domain.Plan, error)
	ListByMandate(ctx context.Context, mandateID string) ([]domain.Plan, error)
}

type Cancellations interface {
	Cancel(ctx context.Context, planID string) (cancellation.Result, error)
}

type Audit interface {
	List(ctx context.Context, mandateID string) ([]domain.AuditEntry, error)
	Verify(ctx context.Context, mandateID string) (audit.Report, error)
}

// Deps are the domain services behind the API.
type Deps struct {
	Mandates      Mandates
	Plans         Plans
	Cancellations Cancellations
	Audit         Audit
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
}

type issueMandateRequest struct {
	Subject        string    `json:"subject"`
	Provider       string    `json:"provider"`
	OrgRef         string    `json:"org_ref"`
	Scopes         []string  `json:"scopes"`
	MaxAmountCents int64     `json:"max_amount_cents"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	CredentialRef  string    `json:"credential_ref"`
	PaymentRef     string    `json:"payment_ref,omitempty"`
	// MaxAdvance is a Go duration string, e.g. "720h".
	MaxAdvance string `json:"max_advance,omitempty"`
}

type createPlanRequest struct {
	MandateID              string          `json:"mandate_id"`
	ProgramRef             string          `json:"program_ref"`
	ParticipantRef         string          `json:"participant_ref,omitempty"`
	OpensAt                time.Time       `json:"opens_at"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	MaxProviderChargeCents int64           `json:"max_provider_charge_cents"`
	ServiceFeeCents        *int64          `json:"service_fee_cents,omitempty"`
	Immediate              bool            `json:"immediate,omitempty"`
}

// NewRouter builds the API handler. An empty token disables auth.
func NewRouter(d Deps, token string, pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))
		if d.Metrics != nil {
			r.Handle("/metrics", d.Metrics)
		}
		if pprof {
			mountPprof(r)
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/mandates", d.issueMandate)
			r.Get("/mandates/{id}", d.getMandate)
			r.Post("/mandates/{id}/revoke", d.revokeMandate)
			r.Get("/mandates/{id}/plans", d.listPlans)
			r.Get("/mandates/{id}/audit", d.listAudit)
			r.Get("/mandates/{id}/audit/verify", d.verifyAudit)
			r.Post("/plans", d.createPlan)
			r.Get("/plans/{id}", d.getPlan)
			r.Post("/plans/{id}/cancel", d.cancelPlan)
		})
	})
	return r
}

func (d Deps) issueMandate(w http.ResponseWriter, r *http.Request) {
	var req issueMandateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	var maxAdvance time.Duration
	if s := strings.TrimSpace(req.MaxAdvance); s != "" {
		dur, err := time.ParseDuration(s)
		if err != nil {
			writeError(w, fmt.Errorf("max_advance: %v: %w", err, domain.ErrInvalidArgument))
			return
		}
		maxAdvance = dur
	}
	m, err := d.Mandates.Issue(r.Context(), mandate.IssueRequest{
		Subject:        req.Subject,
		Provider:       req.Provider,
		OrgRef:         req.OrgRef,
		Scopes:         req.Scopes,
		MaxAmountCents: req.MaxAmountCents,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		CredentialRef:  req.CredentialRef,
		PaymentRef:     req.PaymentRef,
		MaxAdvance:     maxAdvance,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"request_id": newRequestID(), "mandate": m})
}

func (d Deps) getMandate(w http.ResponseWriter, r *http.Request) {
	m, err := d.Mandates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "mandate": m})
}

func (d Deps) revokeMandate(w http.ResponseWriter, r *http.Request) {
	res, err := d.Mandates.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "revocation": res})
}

func (d Deps) listPlans(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := d.Mandates.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	plans, err := d.Plans.ListByMandate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "plans": plans})
}

func (d Deps) listAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := d.Mandates.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := d.Audit.List(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "entries": entries})
}

// verifyAudit answers 200 for a broken chain too; the report says where.
func (d Deps) verifyAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := d.Mandates.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rep, err := d.Audit.Verify(r.Context(), id)
	if err != nil && !isChainBroken(err) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "report": rep})
}

func (d Deps) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := d.Plans.CreatePlan(r.Context(), planner.CreateRequest{
		MandateID:              req.MandateID,
		ProgramRef:             req.ProgramRef,
		ParticipantRef:         req.ParticipantRef,
		OpensAt:                req.OpensAt,
		Payload:                req.Payload,
		MaxProviderChargeCents: req.MaxProviderChargeCents,
		ServiceFeeCents:        req.ServiceFeeCents,
		Immediate:              req.Immediate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"request_id": newRequestID(), "plan": p})
}

func (d Deps) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := d.Plans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "plan": p})
}

func (d Deps) cancelPlan(w http.ResponseWriter, r *http.Request) {
	res, err := d.Cancellations.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "cancellation": res})
}
