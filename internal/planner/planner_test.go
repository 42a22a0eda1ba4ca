package planner

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/audit"
	"signupassist/internal/domain"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type recordingDispatcher struct{ ids []string }

func (d *recordingDispatcher) DispatchNow(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return nil
}

func setup(t *testing.T, cfg Config) (*Planner, storage.Store, *audit.Ledger) {
	t.Helper()
	st := storage.NewMemory()
	clock := func() time.Time { return now }
	l := audit.New(st, logx.Nop(), nil).WithClock(clock)
	return New(cfg, st, l, nil, logx.Nop()).WithClock(clock), st, l
}

func seedMandate(t *testing.T, st storage.Store, mut func(*domain.Mandate)) domain.Mandate {
	t.Helper()
	m := domain.Mandate{
		ID: "mdt_1", Subject: "parent", Provider: "acme",
		Scopes:         []string{domain.ScopeLogin, domain.ScopeEnroll, domain.ScopePay},
		MaxAmountCents: 10000, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(48 * time.Hour),
		Status: domain.MandateActive, CreatedAt: now, UpdatedAt: now,
	}
	if mut != nil {
		mut(&m)
	}
	require.NoError(t, st.CreateMandate(context.Background(), m))
	return m
}

func fee(v int64) *int64 { return &v }

func baseRequest() CreateRequest {
	return CreateRequest{
		MandateID: "mdt_1", ProgramRef: "swim-101", ParticipantRef: "child-1",
		OpensAt: now.Add(24 * time.Hour), Payload: json.RawMessage(`{"dob":"2019-02-03"}`),
		MaxProviderChargeCents: 5000, ServiceFeeCents: fee(2000),
	}
}

func TestCreatePlan(t *testing.T) {
	t.Parallel()
	p, st, l := setup(t, Config{})
	seedMandate(t, st, nil)

	plan, err := p.CreatePlan(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.PlanScheduled, plan.Status)
	assert.Equal(t, now.Add(24*time.Hour), plan.OpensAt)
	assert.Equal(t, int64(7000), plan.Caps().Total())

	got, err := p.Get(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)

	entries, err := l.List(context.Background(), "mdt_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.DecisionAllowed, entries[0].Decision)
	assert.Equal(t, plan.ID, entries[0].PlanID)
}

// A plan opening after its mandate's window is rejected, audited as denied
// and never persisted.
func TestCreatePlanAfterMandateWindow(t *testing.T) {
	t.Parallel()
	p, st, l := setup(t, Config{})
	seedMandate(t, st, func(m *domain.Mandate) { m.ValidUntil = now.Add(10 * time.Hour) })

	req := baseRequest()
	req.OpensAt = now.Add(11 * time.Hour)
	_, err := p.CreatePlan(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrMandateExpired)

	plans, err := st.ListPlansByMandate(context.Background(), "mdt_1")
	require.NoError(t, err)
	assert.Empty(t, plans)

	entries, err := l.List(context.Background(), "mdt_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ToolPlanCreate, entries[0].Tool)
	assert.Equal(t, domain.DecisionDenied, entries[0].Decision)
	assert.JSONEq(t, `{"error":"MandateExpired","message":"`+err.Error()+`"}`, string(entries[0].Result))
}

func TestCreatePlanRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		mandate func(*domain.Mandate)
		req     func(*CreateRequest)
		want    error
	}{
		{name: "missing mandate", req: func(r *CreateRequest) { r.MandateID = "mdt_404" }, want: domain.ErrNotFound},
		{name: "revoked mandate", mandate: func(m *domain.Mandate) { m.Status = domain.MandateRevoked }, want: domain.ErrMandateInactive},
		{name: "window not started", mandate: func(m *domain.Mandate) { m.ValidFrom = now.Add(time.Hour) }, want: domain.ErrMandateInactive},
		{name: "no enroll scope", mandate: func(m *domain.Mandate) { m.Scopes = []string{domain.ScopeLogin} }, want: domain.ErrInvalidScope},
		{name: "negative cap", req: func(r *CreateRequest) { r.MaxProviderChargeCents = -1 }, want: domain.ErrInvalidArgument},
		{name: "no program", req: func(r *CreateRequest) { r.ProgramRef = "" }, want: domain.ErrInvalidArgument},
		{name: "caps over max", req: func(r *CreateRequest) { r.MaxProviderChargeCents = 9000 }, want: domain.ErrCapExceeded},
		{name: "max int64 provider charge", req: func(r *CreateRequest) { r.MaxProviderChargeCents = math.MaxInt64 }, want: domain.ErrInvalidArgument},
		{name: "fee past float precision", req: func(r *CreateRequest) { r.ServiceFeeCents = fee(domain.MaxCents + 1) }, want: domain.ErrInvalidArgument},
		{name: "largest exact charge still capped", req: func(r *CreateRequest) { r.MaxProviderChargeCents = domain.MaxCents }, want: domain.ErrCapExceeded},
		{name: "global horizon", cfg: Config{MaxAdvance: 12 * time.Hour}, want: domain.ErrBeyondHorizon},
		{name: "mandate horizon overrides global", cfg: Config{MaxAdvance: 72 * time.Hour},
			mandate: func(m *domain.Mandate) { m.MaxAdvance = time.Hour }, want: domain.ErrBeyondHorizon},
		{name: "cap checked before expiry", mandate: func(m *domain.Mandate) { m.ValidUntil = now.Add(time.Hour) },
			req: func(r *CreateRequest) { r.MaxProviderChargeCents = 9000 }, want: domain.ErrCapExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st, _ := setup(t, tt.cfg)
			seedMandate(t, st, tt.mandate)
			req := baseRequest()
			if tt.req != nil {
				tt.req(&req)
			}
			_, err := p.CreatePlan(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
			plans, lerr := st.ListPlansByMandate(context.Background(), "mdt_1")
			require.NoError(t, lerr)
			assert.Empty(t, plans)
		})
	}
}

func TestCapTotalEqualToMaxIsAllowed(t *testing.T) {
	t.Parallel()
	p, st, _ := setup(t, Config{})
	seedMandate(t, st, nil)
	req := baseRequest()
	req.MaxProviderChargeCents, req.ServiceFeeCents = 8000, fee(2000)
	_, err := p.CreatePlan(context.Background(), req)
	assert.NoError(t, err)
}

func TestDefaultFee(t *testing.T) {
	t.Parallel()
	p, st, _ := setup(t, Config{DefaultServiceFeeCents: 1500})
	seedMandate(t, st, nil)
	req := baseRequest()
	req.ServiceFeeCents = nil
	plan, err := p.CreatePlan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), plan.ServiceFeeCents)
}

func TestImmediateBookingIsMaterializedAndDispatched(t *testing.T) {
	t.Parallel()
	p, st, _ := setup(t, Config{})
	seedMandate(t, st, nil)
	d := &recordingDispatcher{}
	p.SetDispatcher(d)

	req := baseRequest()
	req.OpensAt = time.Time{}
	plan, err := p.CreatePlan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, now, plan.OpensAt)
	assert.Equal(t, []string{plan.ID}, d.ids)

	stored, err := st.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "mdt_1", stored.MandateID)
}
