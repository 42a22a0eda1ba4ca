package httpcap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/capability"
)

func TestProviderFlow(t *testing.T) {
	t.Parallel()
	var submitKey atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "cred-1", body["credential_ref"])
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "sess-1"})
	})
	mux.HandleFunc("GET /v1/programs/swim-101/fields", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sess-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"fields":[{"name":"dob","required":true}]}`))
	})
	mux.HandleFunc("POST /v1/registrations", func(w http.ResponseWriter, r *http.Request) {
		submitKey.Store(r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"success":true,"booking_ref":"bk-1","charged_amount_cents":4500}`))
	})
	mux.HandleFunc("POST /v1/registrations/bk-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"error":"past cancellation deadline"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := NewProvider(Config{BaseURL: srv.URL + "/", Token: "svc-token"}, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := p.Login(ctx, capability.LoginRequest{MandateID: "mdt_1", CredentialRef: "cred-1"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.Token)

	fields, err := p.DiscoverFields(ctx, sess, "swim-101")
	require.NoError(t, err)
	assert.Equal(t, []capability.Field{{Name: "dob", Required: true}}, fields)

	res, err := p.Submit(ctx, sess, capability.SubmitRequest{ProgramRef: "swim-101", IdempotencyKey: "pln_1:submit"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "bk-1", res.BookingRef)
	assert.Equal(t, int64(4500), res.ChargedAmountCents)
	assert.Equal(t, "pln_1:submit", submitKey.Load())

	res, err = p.CancelBooking(ctx, sess, capability.CancelRequest{BookingRef: "bk-1", IdempotencyKey: "pln_1:cancel"})
	require.NoError(t, err, "a 4xx decline is a result, not a transport error")
	assert.False(t, res.Success)
	assert.Equal(t, "past cancellation deadline", res.Error)
}

func TestProcessorRetriesUnavailable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pln_1:fee", r.Header.Get("Idempotency-Key"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"charge_id":"ch_1"}`))
	}))
	defer srv.Close()

	p, err := NewProcessor(Config{BaseURL: srv.URL, BaseDelay: time.Millisecond}, srv.Client())
	require.NoError(t, err)
	res, err := p.Charge(context.Background(), capability.ChargeRequest{PaymentRef: "pm-1", AmountCents: 2000, IdempotencyKey: "pln_1:fee"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ch_1", res.ChargeID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServerErrorIsTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	p, err := NewProcessor(Config{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = p.Refund(context.Background(), capability.RefundRequest{ChargeID: "ch_1", IdempotencyKey: "pln_1:refund"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.Status)
	assert.Equal(t, "boom", se.Message)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()
	_, err := NewProvider(Config{}, nil)
	assert.Error(t, err)
}
