// Package capability defines the external collaborators the core calls
// through: activity providers that hold the enrollment slots and the payment
// processor that collects the service fee.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// LoginRequest asks a provider for a delegated session.
type LoginRequest struct {
	MandateID     string
	OrgRef        string
	CredentialRef string
}

// Session is an opaque delegated session handle.
type Session struct {
	Token string `json:"token"`
}

// Field is one input a provider's registration form needs.
type Field struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// SubmitRequest carries a registration for one participant.
type SubmitRequest struct {
	ProgramRef     string
	ParticipantRef string
	Payload        json.RawMessage
	IdempotencyKey string
}

// CancelRequest asks a provider to release a confirmed booking.
type CancelRequest struct {
	BookingRef     string
	IdempotencyKey string
}

// Result reports a provider submit or cancel outcome. A returned error means
// the call itself failed; Success=false means the provider declined.
type Result struct {
	Success            bool   `json:"success"`
	BookingRef         string `json:"booking_ref,omitempty"`
	ChargedAmountCents int64  `json:"charged_amount_cents,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Provider is an activity provider's registration surface.
type Provider interface {
	Login(ctx context.Context, req LoginRequest) (Session, error)
	DiscoverFields(ctx context.Context, s Session, programRef string) ([]Field, error)
	Submit(ctx context.Context, s Session, req SubmitRequest) (Result, error)
	CancelBooking(ctx context.Context, s Session, req CancelRequest) (Result, error)
}

// ChargeRequest charges the service fee against a delegated payment method.
type ChargeRequest struct {
	PaymentRef     string
	AmountCents    int64
	Description    string
	IdempotencyKey string
}

// RefundRequest returns a previously collected charge.
type RefundRequest struct {
	ChargeID       string
	AmountCents    int64
	IdempotencyKey string
}

// PaymentResult reports a processor outcome.
type PaymentResult struct {
	Success  bool   `json:"success"`
	ChargeID string `json:"charge_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Processor is the payment processor surface.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentResult, error)
}

// Registry resolves providers by the name stored on a mandate.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MissingRequired returns required field names absent from payload, which
// must be a JSON object.
func MissingRequired(fields []Field, payload json.RawMessage) ([]string, error) {
	values := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &values); err != nil {
			return nil, fmt.Errorf("payload is not a json object: %w", err)
		}
	}
	var missing []string
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if v, ok := values[f.Name]; !ok || string(v) == "null" {
			missing = append(missing, f.Name)
		}
	}
	return missing, nil
}
