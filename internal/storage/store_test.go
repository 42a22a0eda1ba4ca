package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/domain"
	logx "signupassist/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
	}
	if sqliteBuilt {
		out["sqlite"] = func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "test.sqlite")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	return out
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seedMandate(t *testing.T, st Store, id string) domain.Mandate {
	t.Helper()
	m := domain.Mandate{
		ID: id, Subject: "parent-1", Provider: "acme", OrgRef: "org-9",
		Scopes:         []string{domain.ScopeLogin, domain.ScopeEnroll},
		MaxAmountCents: 20000, ValidFrom: t0, ValidUntil: t0.Add(72 * time.Hour),
		Status: domain.MandateActive, CredentialRef: "cred-1", PaymentRef: "pm-1",
		MaxAdvance: 48 * time.Hour, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, st.CreateMandate(context.Background(), m))
	return m
}

func seedPlan(t *testing.T, st Store, id, mandateID string, opensAt time.Time) domain.Plan {
	t.Helper()
	p := domain.Plan{
		ID: id, MandateID: mandateID, ProgramRef: "swim-101", ParticipantRef: "child-1",
		OpensAt: opensAt, Payload: json.RawMessage(`{"shirt":"M"}`),
		MaxProviderChargeCents: 5000, ServiceFeeCents: 2000,
		Status: domain.PlanScheduled, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, st.CreatePlan(context.Background(), p))
	return p
}

func TestMandateRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		want := seedMandate(t, st, "mdt_1")

		got, err := st.GetMandate(ctx, "mdt_1")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		assert.ErrorIs(t, st.CreateMandate(ctx, want), domain.ErrConflict)
		_, err = st.GetMandate(ctx, "mdt_missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestMandateStatusCAS(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")

		require.NoError(t, st.UpdateMandateStatusIf(ctx, "mdt_1", domain.MandateActive, domain.MandateRevoked, t0.Add(time.Minute)))
		assert.ErrorIs(t, st.UpdateMandateStatusIf(ctx, "mdt_1", domain.MandateActive, domain.MandateExpired, t0), domain.ErrConflict)
		assert.ErrorIs(t, st.UpdateMandateStatusIf(ctx, "mdt_1", domain.MandateRevoked, domain.MandateActive, t0), domain.ErrInvalidState)
		assert.ErrorIs(t, st.UpdateMandateStatusIf(ctx, "nope", domain.MandateActive, domain.MandateRevoked, t0), domain.ErrNotFound)

		m, err := st.GetMandate(ctx, "mdt_1")
		require.NoError(t, err)
		assert.Equal(t, domain.MandateRevoked, m.Status)
		assert.Equal(t, t0.Add(time.Minute), m.UpdatedAt)
	})
}

func TestListExpiredMandates(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")
		seedMandate(t, st, "mdt_2")
		require.NoError(t, st.UpdateMandateStatusIf(ctx, "mdt_2", domain.MandateActive, domain.MandateRevoked, t0))

		got, err := st.ListExpiredMandates(ctx, t0.Add(73*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "mdt_1", got[0].ID)

		got, err = st.ListExpiredMandates(ctx, t0.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestPlanRoundTripAndListing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")
		p1 := seedPlan(t, st, "pln_1", "mdt_1", t0.Add(2*time.Hour))
		seedPlan(t, st, "pln_2", "mdt_1", t0.Add(time.Hour))
		seedPlan(t, st, "pln_3", "mdt_1", t0.Add(10*time.Hour))

		got, err := st.GetPlan(ctx, "pln_1")
		require.NoError(t, err)
		assert.Equal(t, p1, got)

		assert.ErrorIs(t, st.CreatePlan(ctx, p1), domain.ErrConflict)
		orphan := p1
		orphan.ID, orphan.MandateID = "pln_x", "mdt_missing"
		assert.ErrorIs(t, st.CreatePlan(ctx, orphan), domain.ErrNotFound)

		due, err := st.ListDuePlans(ctx, t0.Add(3*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "pln_2", due[0].ID)
		assert.Equal(t, "pln_1", due[1].ID)

		due, err = st.ListDuePlans(ctx, t0.Add(3*time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		all, err := st.ListPlansByMandate(ctx, "mdt_1")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestPlanStatusCAS(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")
		seedPlan(t, st, "pln_1", "mdt_1", t0.Add(time.Hour))
		claim := t0.Add(59 * time.Minute)

		require.NoError(t, st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: claim}))
		assert.ErrorIs(t, st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: claim}), domain.ErrConflict)
		assert.ErrorIs(t, st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanSucceeded, PlanUpdate{At: claim}), domain.ErrInvalidState)

		require.NoError(t, st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanRunning, domain.PlanFailed, PlanUpdate{
			At: claim.Add(time.Minute), FailureReason: "CapExceeded", BookingRef: "bk-7", Reconcile: true,
		}))
		p, err := st.GetPlan(ctx, "pln_1")
		require.NoError(t, err)
		assert.Equal(t, domain.PlanFailed, p.Status)
		assert.Equal(t, claim, p.ClaimedAt)
		assert.Equal(t, "CapExceeded", p.FailureReason)
		assert.Equal(t, "bk-7", p.BookingRef)
		assert.True(t, p.Reconcile)
	})
}

func TestUpdateRequiresActiveMandate(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")
		seedPlan(t, st, "pln_1", "mdt_1", t0.Add(time.Hour))
		require.NoError(t, st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: t0}))
		require.NoError(t, st.UpdateMandateStatusIf(ctx, "mdt_1", domain.MandateActive, domain.MandateRevoked, t0))

		err := st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanRunning, domain.PlanSucceeded, PlanUpdate{At: t0, RequireActiveMandate: true})
		assert.ErrorIs(t, err, domain.ErrConflict)

		p, err := st.GetPlan(ctx, "pln_1")
		require.NoError(t, err)
		assert.Equal(t, domain.PlanRunning, p.Status)
	})
}

func TestStaleAndUnsettled(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")
		seedPlan(t, st, "pln_1", "mdt_1", t0.Add(time.Hour))
		seedPlan(t, st, "pln_2", "mdt_1", t0.Add(time.Hour))
		require.NoError(t, st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: t0}))
		require.NoError(t, st.UpdatePlanStatusIf(ctx, "pln_2", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: t0}))
		require.NoError(t, st.UpdatePlanStatusIf(ctx, "pln_2", domain.PlanRunning, domain.PlanSucceeded, PlanUpdate{At: t0.Add(time.Minute)}))

		stale, err := st.ListStalePlans(ctx, t0.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "pln_1", stale[0].ID)

		require.NoError(t, st.ReclaimPlan(ctx, "pln_1", t0, t0.Add(time.Hour)))
		assert.ErrorIs(t, st.ReclaimPlan(ctx, "pln_1", t0, t0.Add(2*time.Hour)), domain.ErrConflict)

		unsettled, err := st.ListUnsettledPlans(ctx, t0.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, unsettled, 1)
		assert.Equal(t, "pln_2", unsettled[0].ID)

		require.NoError(t, st.AnnotatePlan(ctx, "pln_2", PlanAnnotation{SettledAt: t0.Add(2 * time.Minute), Reconcile: true}))
		unsettled, err = st.ListUnsettledPlans(ctx, t0.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, unsettled)

		require.NoError(t, st.AnnotatePlan(ctx, "pln_2", PlanAnnotation{Cancellation: domain.CancellationRefunded}))
		p, err := st.GetPlan(ctx, "pln_2")
		require.NoError(t, err)
		assert.True(t, p.Reconcile)
		assert.Equal(t, domain.CancellationRefunded, p.Cancellation)
		assert.Equal(t, domain.PlanSucceeded, p.Status)

		assert.ErrorIs(t, st.AnnotatePlan(ctx, "pln_missing", PlanAnnotation{Reconcile: true}), domain.ErrNotFound)
	})
}

func TestAttemptsAndSteps(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := domain.ExecutionAttempt{ID: "att_1", PlanID: "pln_1", StartedAt: t0, LoginAttempts: 2}
		require.NoError(t, st.PutAttempt(ctx, a))
		a.FinishedAt, a.Outcome, a.BookingRef, a.BillingFailed = t0.Add(time.Minute), domain.OutcomeSuccess, "bk-1", true
		require.NoError(t, st.PutAttempt(ctx, a))

		got, err := st.ListAttempts(ctx, "pln_1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a, got[0])

		_, err = st.GetStep(ctx, "pln_1", domain.StepSubmit)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		first := domain.StepResult{PlanID: "pln_1", Step: domain.StepSubmit, Key: "pln_1:submit", BookingRef: "bk-1", ChargedAmountCents: 4500, At: t0}
		require.NoError(t, st.PutStep(ctx, first))
		second := first
		second.BookingRef = "bk-2"
		require.NoError(t, st.PutStep(ctx, second))

		s, err := st.GetStep(ctx, "pln_1", domain.StepSubmit)
		require.NoError(t, err)
		assert.Equal(t, first, s)
	})
}

func TestAuditAppendGuardsSeq(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.LastAudit(ctx, "mdt_1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		e := domain.AuditEntry{
			ID: "aud_1", MandateID: "mdt_1", Seq: 1, Tool: "mandate.issue",
			Args: json.RawMessage(`{"a":1}`), Result: json.RawMessage(`null`),
			ArgsHash: "h1", ResultHash: "h2", Decision: domain.DecisionAllowed,
			Timestamp: t0, PrevHash: "", EntryHash: "e1",
		}
		require.NoError(t, st.AppendAudit(ctx, e))
		dup := e
		dup.ID = "aud_2"
		assert.ErrorIs(t, st.AppendAudit(ctx, dup), domain.ErrConflict)

		e2 := e
		e2.ID, e2.Seq, e2.PrevHash, e2.EntryHash, e2.Timestamp = "aud_3", 2, "e1", "e2", t0.Add(time.Nanosecond)
		require.NoError(t, st.AppendAudit(ctx, e2))

		last, err := st.LastAudit(ctx, "mdt_1")
		require.NoError(t, err)
		assert.Equal(t, e2, last)

		list, err := st.ListAudit(ctx, "mdt_1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, int64(1), list[0].Seq)
		assert.Equal(t, int64(2), list[1].Seq)
	})
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedMandate(t, st, "mdt_1")
		seedPlan(t, st, "pln_1", "mdt_1", t0)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if st.UpdatePlanStatusIf(ctx, "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: t0}) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
	st, err := Open(Config{}, logx.Logger{})
	require.NoError(t, err)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestOpenSQLiteHonorsBuildTags(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tags.sqlite")}, logx.Nop())
	if !sqliteBuilt {
		require.ErrorIs(t, err, ErrDriverNotBuilt)
		return
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	assert.NoError(t, st.Ping(context.Background()))
}
