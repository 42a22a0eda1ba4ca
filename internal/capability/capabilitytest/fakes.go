// Package capabilitytest provides scripted, thread-safe fakes of the
// provider and processor capabilities.
package capabilitytest

import (
	"context"
	"errors"
	"sync"

	"signupassist/internal/capability"
)

var ErrScripted = errors.New("scripted failure")

// Provider is a scripted capability.Provider.
type Provider struct {
	mu sync.Mutex

	// LoginErrs is consumed one entry per Login call; nil entries succeed.
	LoginErrs   []error
	Fields      []capability.Field
	DiscoverErr error

	SubmitResult capability.Result
	SubmitErr    error
	// OnSubmit runs before Submit returns, e.g. to race a revoke.
	OnSubmit func()

	CancelResult capability.Result
	CancelErr    error

	LoginCalls  int
	SubmitKeys  []string
	CancelKeys  []string
	SubmitCalls int
}

var _ capability.Provider = (*Provider)(nil)

// NewProvider returns a provider whose submit succeeds with the given charge.
func NewProvider(bookingRef string, chargedCents int64) *Provider {
	return &Provider{
		SubmitResult: capability.Result{Success: true, BookingRef: bookingRef, ChargedAmountCents: chargedCents},
		CancelResult: capability.Result{Success: true, BookingRef: bookingRef},
	}
}

func (p *Provider) Login(ctx context.Context, _ capability.LoginRequest) (capability.Session, error) {
	if err := ctx.Err(); err != nil {
		return capability.Session{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LoginCalls++
	if len(p.LoginErrs) > 0 {
		err := p.LoginErrs[0]
		p.LoginErrs = p.LoginErrs[1:]
		if err != nil {
			return capability.Session{}, err
		}
	}
	return capability.Session{Token: "sess"}, nil
}

func (p *Provider) DiscoverFields(ctx context.Context, _ capability.Session, _ string) ([]capability.Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capability.Field(nil), p.Fields...), p.DiscoverErr
}

func (p *Provider) Submit(ctx context.Context, _ capability.Session, req capability.SubmitRequest) (capability.Result, error) {
	if err := ctx.Err(); err != nil {
		return capability.Result{}, err
	}
	p.mu.Lock()
	p.SubmitCalls++
	p.SubmitKeys = append(p.SubmitKeys, req.IdempotencyKey)
	res, err, hook := p.SubmitResult, p.SubmitErr, p.OnSubmit
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (p *Provider) CancelBooking(ctx context.Context, _ capability.Session, req capability.CancelRequest) (capability.Result, error) {
	if err := ctx.Err(); err != nil {
		return capability.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CancelKeys = append(p.CancelKeys, req.IdempotencyKey)
	return p.CancelResult, p.CancelErr
}

// Submits returns the number of Submit calls so far.
func (p *Provider) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SubmitCalls
}

// Processor is a scripted capability.Processor.
type Processor struct {
	mu sync.Mutex

	ChargeResult capability.PaymentResult
	ChargeErr    error
	RefundResult capability.PaymentResult
	RefundErr    error

	Charges []capability.ChargeRequest
	Refunds []capability.RefundRequest
}

var _ capability.Processor = (*Processor)(nil)

// NewProcessor returns a processor whose charges and refunds succeed.
func NewProcessor() *Processor {
	return &Processor{
		ChargeResult: capability.PaymentResult{Success: true, ChargeID: "ch_1"},
		RefundResult: capability.PaymentResult{Success: true, ChargeID: "re_1"},
	}
}

func (p *Processor) Charge(ctx context.Context, req capability.ChargeRequest) (capability.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return capability.PaymentResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Charges = append(p.Charges, req)
	return p.ChargeResult, p.ChargeErr
}

func (p *Processor) Refund(ctx context.Context, req capability.RefundRequest) (capability.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return capability.PaymentResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Refunds = append(p.Refunds, req)
	return p.RefundResult, p.RefundErr
}

// ChargeCount returns the number of Charge calls so far.
func (p *Processor) ChargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Charges)
}

// RefundCount returns the number of Refund calls so far.
func (p *Processor) RefundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Refunds)
}
