package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/config"
	"signupassist/internal/domain"
	"signupassist/internal/mandate"
	"signupassist/internal/planner"
)

// remote fakes one activity provider and the payment processor on a single
// server, speaking the httpcap wire format.
type remote struct {
	srv      *httptest.Server
	bookings atomic.Int32
	charges  atomic.Int32
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	rm := &remote{}
	r := chi.NewRouter()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	r.Post("/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, map[string]string{"token": "sess_1"})
	})
	r.Get("/v1/programs/{ref}/fields", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, map[string]any{"fields": []any{}})
	})
	r.Post("/v1/registrations", func(w http.ResponseWriter, _ *http.Request) {
		n := rm.bookings.Add(1)
		reply(w, map[string]any{"success": true, "booking_ref": fmt.Sprintf("bk_%d", n), "charged_amount_cents": 1000})
	})
	r.Post("/v1/charges", func(w http.ResponseWriter, _ *http.Request) {
		n := rm.charges.Add(1)
		reply(w, map[string]any{"success": true, "charge_id": fmt.Sprintf("ch_%d", n)})
	})
	rm.srv = httptest.NewServer(r)
	t.Cleanup(rm.srv.Close)
	return rm
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func baseConfig(providerURL, paymentsURL string) map[string]any {
	cfg := map[string]any{
		"logging":   map[string]any{"level": "ERROR", "console": false},
		"storage":   map[string]any{"driver": "memory"},
		"scheduler": map[string]any{"enabled": true, "poll": "1h", "recovery": "1h", "expiry_sweep": "1h"},
		"planner":   map[string]any{"default_service_fee_cents": 300},
		"providers": map[string]any{"acme": map[string]any{"base_url": providerURL}},
	}
	if paymentsURL != "" {
		cfg["payments"] = map[string]any{"base_url": paymentsURL}
	}
	return cfg
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := NewApp(path, "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func issue(t *testing.T, a *App) domain.Mandate {
	t.Helper()
	now := time.Now().UTC()
	m, err := a.Mandates().Issue(context.Background(), mandate.IssueRequest{
		Subject:        "parent_1",
		Provider:       "acme",
		OrgRef:         "org_1",
		Scopes:         domain.DefaultScopeCatalog,
		MaxAmountCents: 10_000,
		ValidFrom:      now.Add(-time.Minute),
		ValidUntil:     now.Add(24 * time.Hour),
		CredentialRef:  "cred_1",
		PaymentRef:     "pm_1",
	})
	require.NoError(t, err)
	return m
}

func waitSettled(t *testing.T, a *App, planID string) domain.Plan {
	t.Helper()
	var p domain.Plan
	require.Eventually(t, func() bool {
		got, err := a.Planner().Get(context.Background(), planID)
		if err != nil {
			return false
		}
		p = got
		return p.Status == domain.PlanSucceeded && (p.Reconcile || !p.SettledAt.IsZero())
	}, 5*time.Second, 10*time.Millisecond)
	return p
}

func TestImmediatePlanBooksAndBills(t *testing.T) {
	rm := newRemote(t)
	a := startApp(t, writeConfig(t, baseConfig(rm.srv.URL, rm.srv.URL)))
	ctx := context.Background()

	m := issue(t, a)
	plan, err := a.Planner().CreatePlan(ctx, planner.CreateRequest{
		MandateID:              m.ID,
		ProgramRef:             "swim-101",
		ParticipantRef:         "kid_1",
		MaxProviderChargeCents: 2_000,
		Immediate:              true,
	})
	require.NoError(t, err)

	got := waitSettled(t, a, plan.ID)
	assert.Equal(t, "bk_1", got.BookingRef)
	assert.False(t, got.Reconcile)
	assert.EqualValues(t, 1, rm.bookings.Load())
	assert.EqualValues(t, 1, rm.charges.Load())

	rep, err := a.Ledger().Verify(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Greater(t, rep.Entries, 2)
}

func TestUnconfiguredPaymentsFlagsReconcile(t *testing.T) {
	rm := newRemote(t)
	a := startApp(t, writeConfig(t, baseConfig(rm.srv.URL, "")))

	m := issue(t, a)
	plan, err := a.Planner().CreatePlan(context.Background(), planner.CreateRequest{
		MandateID:              m.ID,
		ProgramRef:             "swim-101",
		ParticipantRef:         "kid_1",
		MaxProviderChargeCents: 2_000,
		Immediate:              true,
	})
	require.NoError(t, err)

	got := waitSettled(t, a, plan.ID)
	assert.True(t, got.Reconcile, "booking stands, fee flagged")
	assert.Equal(t, "bk_1", got.BookingRef)
	assert.Zero(t, rm.charges.Load())
}

func TestStartRegistersTriggers(t *testing.T) {
	rm := newRemote(t)
	a := startApp(t, writeConfig(t, baseConfig(rm.srv.URL, rm.srv.URL)))

	snap := a.Scheduler().Snapshot()
	assert.True(t, snap.Running)
	var names []string
	for _, s := range snap.Schedules {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{triggerTick, triggerRecover, triggerExpire}, names)
}

func TestApplyConfigLive(t *testing.T) {
	rm := newRemote(t)
	a := startApp(t, writeConfig(t, baseConfig(rm.srv.URL, rm.srv.URL)))
	old := a.Config()

	raw := baseConfig(rm.srv.URL, rm.srv.URL)
	raw["scheduler"] = map[string]any{"enabled": true, "poll": "30m", "recovery": "1h", "expiry_sweep": "1h"}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	next, err := config.Decode("config.json", b)
	require.NoError(t, err)

	a.applyConfig(context.Background(), old, next)
	assert.Equal(t, "30m", a.triggers.Poll)

	raw["scheduler"] = map[string]any{"enabled": false}
	b, err = json.Marshal(raw)
	require.NoError(t, err)
	off, err := config.Decode("config.json", b)
	require.NoError(t, err)

	a.applyConfig(context.Background(), next, off)
	assert.False(t, a.Scheduler().Enabled())
	assert.False(t, a.Engine().Enabled())
	assert.False(t, a.Scheduler().Snapshot().Running)
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]func(cfg map[string]any){
		"bad trigger": func(cfg map[string]any) {
			cfg["scheduler"] = map[string]any{"enabled": true, "poll": "whenever"}
		},
		"bad provider timeout": func(cfg map[string]any) {
			cfg["providers"] = map[string]any{"acme": map[string]any{"base_url": "https://acme.example", "timeout": "soon"}}
		},
		"sqlite without path": func(cfg map[string]any) {
			cfg["storage"] = map[string]any{"driver": "sqlite"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			raw := baseConfig("https://acme.example", "")
			mutate(raw)
			_, err := LoadConfig(writeConfig(t, raw))
			assert.Error(t, err)
		})
	}

	cfg, err := LoadConfig(writeConfig(t, baseConfig("https://acme.example", "https://pay.example")))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestNewAppFailsOnInvalidConfig(t *testing.T) {
	raw := baseConfig("https://acme.example", "")
	raw["ratelimit"] = map[string]any{"driver": "redis"}
	_, err := NewApp(writeConfig(t, raw), "test")
	require.Error(t, err)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	a, err := NewApp(writeConfig(t, baseConfig("https://acme.example", "")), "test")
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	require.NoError(t, a.closeResources(context.Background()))
}

func TestStopClosesDone(t *testing.T) {
	rm := newRemote(t)
	a, err := NewApp(writeConfig(t, baseConfig(rm.srv.URL, rm.srv.URL)), "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, a.Err())
}

func TestMapExecutionBreaker(t *testing.T) {
	cfg := &config.Config{Execution: config.ExecutionConfig{
		Breaker: config.BreakerConfig{TripFailures: 3, BaseDelay: "10s", MaxDelay: "1m", ResetAfter: "10m"},
	}}
	ec, err := mapExecutionConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, ec.Breaker.TripFailures)
	assert.Equal(t, 10*time.Second, ec.Breaker.BaseDelay)
	assert.Equal(t, time.Minute, ec.Breaker.MaxDelay)
	assert.Equal(t, 10*time.Minute, ec.Breaker.ResetAfter)

	cfg.Execution.Breaker.ResetAfter = "-1s"
	_, err = mapExecutionConfig(cfg)
	assert.Error(t, err)
}
