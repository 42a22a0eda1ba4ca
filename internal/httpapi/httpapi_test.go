package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/audit"
	"signupassist/internal/billing"
	"signupassist/internal/cancellation"
	"signupassist/internal/capability"
	"signupassist/internal/capability/capabilitytest"
	"signupassist/internal/domain"
	"signupassist/internal/mandate"
	"signupassist/internal/metrics"
	"signupassist/internal/planner"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

const testToken = "s3cret"

func newDeps(t *testing.T) Deps {
	t.Helper()
	store := storage.NewMemory()
	ledger := audit.New(store, logx.Nop(), nil)
	reg := capability.NewRegistry()
	reg.Register("acme", capabilitytest.NewProvider("bk_1", 1_000))
	gate := billing.New(billing.Config{}, store, ledger, capabilitytest.NewProcessor(), logx.Nop(), nil)

	promReg := prometheus.NewRegistry()
	metrics.MustNewMetrics(promReg)
	return Deps{
		Mandates:      mandate.NewIssuer(mandate.Config{}, store, ledger, nil, logx.Nop()),
		Plans:         planner.New(planner.Config{DefaultServiceFeeCents: 500}, store, ledger, nil, logx.Nop()),
		Cancellations: cancellation.New(cancellation.Config{}, store, ledger, reg, gate, nil, nil, logx.Nop()),
		Audit:         ledger,
		Metrics:       promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
}

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T, d Deps) *client {
	t.Helper()
	srv := httptest.NewServer(NewRouter(d, testToken, false))
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(c.t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %v", body)
	assert.NotEmpty(t, body["request_id"])
	return e["code"].(string)
}

func mandateBody() map[string]any {
	return map[string]any{
		"subject":          "parent_1",
		"provider":         "acme",
		"org_ref":          "org_1",
		"scopes":           []string{domain.ScopeLogin, domain.ScopeEnroll, domain.ScopeCancel},
		"max_amount_cents": 10_000,
		"valid_until":      time.Now().Add(72 * time.Hour).UTC(),
		"credential_ref":   "cred_1",
		"payment_ref":      "pm_1",
	}
}

func TestHealthzIsPublic(t *testing.T) {
	c := newClient(t, newDeps(t))
	resp, err := c.srv.Client().Get(c.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenRequired(t *testing.T) {
	c := newClient(t, newDeps(t))

	resp, err := c.srv.Client().Get(c.srv.URL + "/v1/mandates/mdt_x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	req, _ := http.NewRequest(http.MethodGet, c.srv.URL+"/v1/mandates/mdt_x", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = c.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = c.srv.Client().Get(c.srv.URL + "/v1/mandates/mdt_x?token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMandateAndPlanLifecycle(t *testing.T) {
	c := newClient(t, newDeps(t))

	status, body := c.do(http.MethodPost, "/v1/mandates", mandateBody())
	require.Equal(t, http.StatusCreated, status, body)
	mdtID := body["mandate"].(map[string]any)["id"].(string)

	status, body = c.do(http.MethodGet, "/v1/mandates/"+mdtID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["mandate"].(map[string]any)["status"])

	status, body = c.do(http.MethodPost, "/v1/plans", map[string]any{
		"mandate_id":                mdtID,
		"program_ref":               "swim-101",
		"opens_at":                  time.Now().Add(time.Hour).UTC(),
		"max_provider_charge_cents": 5_000,
	})
	require.Equal(t, http.StatusCreated, status, body)
	plan := body["plan"].(map[string]any)
	plnID := plan["id"].(string)
	assert.Equal(t, "scheduled", plan["status"])
	assert.EqualValues(t, 500, plan["service_fee_cents"])

	status, body = c.do(http.MethodGet, "/v1/plans/"+plnID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, plnID, body["plan"].(map[string]any)["id"])

	status, body = c.do(http.MethodGet, "/v1/mandates/"+mdtID+"/plans", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["plans"], 1)

	status, body = c.do(http.MethodPost, "/v1/plans/"+plnID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "cancelled", body["cancellation"].(map[string]any)["plan"].(map[string]any)["status"])

	status, body = c.do(http.MethodPost, "/v1/plans/"+plnID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "InvalidState", errorCode(t, body))

	status, body = c.do(http.MethodPost, "/v1/mandates/"+mdtID+"/revoke", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "revoked", body["revocation"].(map[string]any)["mandate"].(map[string]any)["status"])

	status, body = c.do(http.MethodGet, "/v1/mandates/"+mdtID+"/audit", nil)
	require.Equal(t, http.StatusOK, status)
	var tools []string
	for _, e := range body["entries"].([]any) {
		tools = append(tools, e.(map[string]any)["tool"].(string))
	}
	assert.Equal(t, []string{
		audit.ToolMandateIssue, audit.ToolPlanCreate,
		audit.ToolPlanCancel, audit.ToolPlanCancel, // allowed, then the denied retry
		audit.ToolMandateRevoke,
	}, tools)

	status, body = c.do(http.MethodGet, "/v1/mandates/"+mdtID+"/audit/verify", nil)
	require.Equal(t, http.StatusOK, status)
	rep := body["report"].(map[string]any)
	assert.Equal(t, true, rep["ok"])
	assert.EqualValues(t, 5, rep["entries"])
}

func TestErrorEnvelopes(t *testing.T) {
	c := newClient(t, newDeps(t))
	status, body := c.do(http.MethodPost, "/v1/mandates", mandateBody())
	require.Equal(t, http.StatusCreated, status)
	mdtID := body["mandate"].(map[string]any)["id"].(string)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown mandate", http.MethodGet, "/v1/mandates/mdt_missing", nil, http.StatusNotFound, "NotFound"},
		{"unknown plan", http.MethodGet, "/v1/plans/pln_missing", nil, http.StatusNotFound, "NotFound"},
		{"unknown field", http.MethodPost, "/v1/plans", `{"mandate_id":"x","bogus":1}`, http.StatusBadRequest, "InvalidArgument"},
		{"bad json", http.MethodPost, "/v1/mandates", `{`, http.StatusBadRequest, "InvalidArgument"},
		{"bad max_advance", http.MethodPost, "/v1/mandates", `{"max_advance":"forever"}`, http.StatusBadRequest, "InvalidArgument"},
		{"unknown scope", http.MethodPost, "/v1/mandates", func() any {
			b := mandateBody()
			b["scopes"] = []string{"admin:all"}
			return b
		}(), http.StatusUnprocessableEntity, "InvalidScope"},
		{"caps over mandate max", http.MethodPost, "/v1/plans", map[string]any{
			"mandate_id": mdtID, "program_ref": "swim-101", "opens_at": time.Now().Add(time.Hour).UTC(),
			"max_provider_charge_cents": 9_900,
		}, http.StatusUnprocessableEntity, "CapExceeded"},
		{"provider cap at int64 max", http.MethodPost, "/v1/plans", map[string]any{
			"mandate_id": mdtID, "program_ref": "swim-101", "opens_at": time.Now().Add(time.Hour).UTC(),
			"max_provider_charge_cents": int64(math.MaxInt64),
		}, http.StatusBadRequest, "InvalidArgument"},
		{"mandate max past float precision", http.MethodPost, "/v1/mandates", func() any {
			b := mandateBody()
			b["max_amount_cents"] = int64(1<<53 + 1)
			return b
		}(), http.StatusBadRequest, "InvalidArgument"},
		{"audit of unknown mandate", http.MethodGet, "/v1/mandates/mdt_missing/audit", nil, http.StatusNotFound, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := c.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status, body)
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}
}

type brokenAudit struct{}

func (brokenAudit) List(context.Context, string) ([]domain.AuditEntry, error) { return nil, nil }

func (brokenAudit) Verify(_ context.Context, id string) (audit.Report, error) {
	return audit.Report{MandateID: id, Entries: 3, BrokenAt: 2, Reason: "hash mismatch"},
		fmt.Errorf("seq 2: hash mismatch: %w", domain.ErrChainBroken)
}

func TestVerifyReportsBrokenChain(t *testing.T) {
	d := newDeps(t)
	d.Audit = brokenAudit{}
	c := newClient(t, d)
	status, body := c.do(http.MethodPost, "/v1/mandates", mandateBody())
	require.Equal(t, http.StatusCreated, status)
	mdtID := body["mandate"].(map[string]any)["id"].(string)

	status, body = c.do(http.MethodGet, "/v1/mandates/"+mdtID+"/audit/verify", nil)
	require.Equal(t, http.StatusOK, status)
	rep := body["report"].(map[string]any)
	assert.Equal(t, false, rep["ok"])
	assert.EqualValues(t, 2, rep["broken_at"])
}

func TestMetricsEndpoint(t *testing.T) {
	c := newClient(t, newDeps(t))
	req, _ := http.NewRequest(http.MethodGet, c.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "signupassist_engine_queue_depth")
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	d := newDeps(t)
	for _, enabled := range []bool{false, true} {
		srv := httptest.NewServer(NewRouter(d, "", enabled))
		resp, err := srv.Client().Get(srv.URL + "/debug/pprof/cmdline")
		require.NoError(t, err)
		resp.Body.Close()
		srv.Close()
		if enabled {
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		} else {
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		"NotFound":             http.StatusNotFound,
		"InvalidArgument":      http.StatusBadRequest,
		"BeyondHorizon":        http.StatusUnprocessableEntity,
		"MandateInactive":      http.StatusConflict,
		"CancellationRejected": http.StatusConflict,
		"RefundFailed":         http.StatusBadGateway,
		"Internal":             http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, newDeps(t), logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newDeps(t), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
}
