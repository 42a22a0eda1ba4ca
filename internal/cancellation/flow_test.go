package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/audit"
	"signupassist/internal/billing"
	"signupassist/internal/capability"
	"signupassist/internal/capability/capabilitytest"
	"signupassist/internal/domain"
	"signupassist/internal/eventbus"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  storage.Store
	ledger *audit.Ledger
	prov   *capabilitytest.Provider
	proc   *capabilitytest.Processor
	bus    eventbus.Bus
	gate   *billing.Gate
	flow   *Flow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return t0 }
	store := storage.NewMemory()
	f := &fixture{
		store:  store,
		ledger: audit.New(store, logx.Nop(), nil).WithClock(clock),
		prov:   capabilitytest.NewProvider("bk_1", 4_000),
		proc:   capabilitytest.NewProcessor(),
		bus:    eventbus.New(),
	}
	reg := capability.NewRegistry()
	reg.Register("acme", f.prov)
	f.gate = billing.New(billing.Config{}, store, f.ledger, f.proc, logx.Nop(), nil).WithClock(clock)
	f.flow = New(Config{}, store, f.ledger, reg, f.gate, nil, f.bus, logx.Nop()).WithClock(clock)

	require.NoError(t, store.CreateMandate(context.Background(), domain.Mandate{
		ID: "mdt_1", Subject: "parent_1", Provider: "acme", Status: domain.MandateActive,
		Scopes: domain.DefaultScopeCatalog, MaxAmountCents: 10_000, PaymentRef: "pm_1",
		ValidFrom: t0.Add(-time.Hour), ValidUntil: t0.Add(24 * time.Hour),
	}))
	require.NoError(t, store.CreatePlan(context.Background(), domain.Plan{
		ID: "pln_1", MandateID: "mdt_1", ProgramRef: "swim-101", OpensAt: t0.Add(time.Hour),
		MaxProviderChargeCents: 5_000, ServiceFeeCents: 500,
		Status: domain.PlanScheduled, CreatedAt: t0, UpdatedAt: t0,
	}))
	return f
}

// booked drives pln_1 to succeeded with its fee charged and settled.
func (f *fixture) booked(t *testing.T) {
	t.Helper()
	f.unsettled(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutStep(ctx, domain.StepResult{
		PlanID: "pln_1", Step: domain.StepFee, Key: "pln_1:fee", ChargeID: "ch_1", ChargedAmountCents: 500, At: t0,
	}))
	require.NoError(t, f.store.AnnotatePlan(ctx, "pln_1", storage.PlanAnnotation{At: t0, SettledAt: t0}))
}

// unsettled drives pln_1 to succeeded with the fee not yet charged, as
// after a crash between booking and settlement.
func (f *fixture) unsettled(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanRunning, storage.PlanUpdate{At: t0}))
	require.NoError(t, f.store.PutStep(ctx, domain.StepResult{
		PlanID: "pln_1", Step: domain.StepSubmit, Key: "pln_1:submit", BookingRef: "bk_1", ChargedAmountCents: 4_000, At: t0,
	}))
	require.NoError(t, f.store.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanRunning, domain.PlanSucceeded, storage.PlanUpdate{At: t0, BookingRef: "bk_1"}))
}

func (f *fixture) plan(t *testing.T) domain.Plan {
	t.Helper()
	p, err := f.store.GetPlan(context.Background(), "pln_1")
	require.NoError(t, err)
	return p
}

func (f *fixture) trail(t *testing.T) []string {
	t.Helper()
	entries, err := f.ledger.ListByPlan(context.Background(), "mdt_1", "pln_1")
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Tool+":"+string(e.Decision))
	}
	return out
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(4, "plan.")
	defer unsub()

	p, err := f.flow.CancelPending(context.Background(), "pln_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, p.Status)
	assert.Equal(t, domain.PlanCancelled, f.plan(t).Status)
	assert.Equal(t, []string{"plan.cancel:allowed"}, f.trail(t))
	assert.Zero(t, f.proc.RefundCount())

	ev := <-events
	assert.Equal(t, "plan.cancelled", ev.Type)

	_, err = f.flow.CancelPending(context.Background(), "pln_1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelPendingOnRunningPlanFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpdatePlanStatusIf(context.Background(), "pln_1", domain.PlanScheduled, domain.PlanRunning, storage.PlanUpdate{At: t0}))
	before := f.plan(t)

	_, err := f.flow.CancelPending(context.Background(), "pln_1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, before, f.plan(t))
	assert.Equal(t, []string{"plan.cancel:denied"}, f.trail(t))
}

func TestCancelConfirmedRefunds(t *testing.T) {
	f := newFixture(t)
	f.booked(t)

	res, err := f.flow.CancelConfirmed(context.Background(), "pln_1")
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, "re_1", res.Refund.RefundID)
	assert.Equal(t, int64(500), res.Refund.AmountCents)

	p := f.plan(t)
	assert.Equal(t, domain.PlanSucceeded, p.Status)
	assert.Equal(t, domain.CancellationRefunded, p.Cancellation)
	assert.False(t, p.Reconcile)
	assert.Equal(t, []string{"pln_1:cancel"}, f.prov.CancelKeys)
	assert.Equal(t, []string{"provider.cancel:allowed", "billing.refund:allowed", "cancelled+refunded:allowed"}, f.trail(t))

	again, err := f.flow.CancelConfirmed(context.Background(), "pln_1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)
	assert.Len(t, f.prov.CancelKeys, 1)
	assert.Equal(t, 1, f.proc.RefundCount())
}

func TestCancelConfirmedRejected(t *testing.T) {
	f := newFixture(t)
	f.booked(t)
	f.prov.CancelResult = capability.Result{Success: false, Error: "past_deadline"}

	_, err := f.flow.CancelConfirmed(context.Background(), "pln_1")
	require.ErrorIs(t, err, domain.ErrCancellationRejected)

	p := f.plan(t)
	assert.Equal(t, domain.PlanSucceeded, p.Status)
	assert.Equal(t, domain.CancellationRejected, p.Cancellation)
	assert.Zero(t, f.proc.RefundCount())
	assert.Equal(t, []string{"cancellation_rejected:denied"}, f.trail(t))
}

func TestCancelConfirmedRefundFailure(t *testing.T) {
	f := newFixture(t)
	f.booked(t)
	f.proc.RefundErr = capabilitytest.ErrScripted

	_, err := f.flow.CancelConfirmed(context.Background(), "pln_1")
	require.ErrorIs(t, err, domain.ErrRefundFailed)

	p := f.plan(t)
	assert.Equal(t, domain.PlanSucceeded, p.Status)
	assert.Equal(t, domain.CancellationRefundFailed, p.Cancellation)
	assert.True(t, p.Reconcile)

	// Retrying skips the provider and only retries the refund.
	f.proc.RefundErr = nil
	res, err := f.flow.CancelConfirmed(context.Background(), "pln_1")
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.Refund.RefundID)
	assert.Len(t, f.prov.CancelKeys, 1)
	assert.Equal(t, domain.CancellationRefunded, f.plan(t).Cancellation)
}

func TestCancelConfirmedRequiresSucceeded(t *testing.T) {
	f := newFixture(t)
	_, err := f.flow.CancelConfirmed(context.Background(), "pln_1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, f.prov.CancelKeys)
}

// Cancelling before the fee settles is refused, so the later settlement
// charges a fee that the refund path can still return.
func TestCancelConfirmedRefusesUnsettledPlan(t *testing.T) {
	f := newFixture(t)
	f.unsettled(t)
	ctx := context.Background()

	_, err := f.flow.CancelConfirmed(ctx, "pln_1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, f.prov.CancelKeys)
	assert.Empty(t, f.plan(t).Cancellation)
	assert.Equal(t, []string{"provider.cancel:denied"}, f.trail(t))

	_, err = f.gate.ChargeServiceFee(ctx, f.plan(t))
	require.NoError(t, err)
	require.NoError(t, f.store.AnnotatePlan(ctx, "pln_1", storage.PlanAnnotation{At: t0, SettledAt: t0}))

	res, err := f.flow.CancelConfirmed(ctx, "pln_1")
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.False(t, res.Refund.NothingToRefund)
	assert.Equal(t, int64(500), res.Refund.AmountCents)
	assert.Equal(t, 1, f.proc.ChargeCount())
	assert.Equal(t, 1, f.proc.RefundCount())
}

// A cancellation journaled while the fee is still unsettled keeps the later
// settlement from charging.
func TestSettlementAfterCancellationDoesNotCharge(t *testing.T) {
	f := newFixture(t)
	f.unsettled(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutStep(ctx, domain.StepResult{
		PlanID: "pln_1", Step: domain.StepCancel, Key: "pln_1:cancel", BookingRef: "bk_1", At: t0,
	}))

	_, err := f.gate.ChargeServiceFee(ctx, f.plan(t))
	require.ErrorIs(t, err, domain.ErrBillingFailed)
	assert.Zero(t, f.proc.ChargeCount())
}

func TestCancelChoosesPath(t *testing.T) {
	f := newFixture(t)
	res, err := f.flow.Cancel(context.Background(), "pln_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, res.Plan.Status)
	assert.Nil(t, res.Refund)

	_, err = f.flow.Cancel(context.Background(), "pln_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
