package httpcap

import (
	"context"
	"fmt"
	"net/http"

	"signupassist/internal/capability"
)

// Processor talks to the payment processor API.
type Processor struct {
	c *client
}

var _ capability.Processor = (*Processor)(nil)

func NewProcessor(cfg Config, hc *http.Client) (*Processor, error) {
	c, err := newClient(cfg, hc)
	if err != nil {
		return nil, fmt.Errorf("processor client: %w", err)
	}
	return &Processor{c: c}, nil
}

func (p *Processor) Charge(ctx context.Context, req capability.ChargeRequest) (capability.PaymentResult, error) {
	body := map[string]any{
		"payment_ref":  req.PaymentRef,
		"amount_cents": req.AmountCents,
		"description":  req.Description,
	}
	return p.call(ctx, "/v1/charges", body, req.IdempotencyKey)
}

func (p *Processor) Refund(ctx context.Context, req capability.RefundRequest) (capability.PaymentResult, error) {
	body := map[string]any{
		"charge_id":    req.ChargeID,
		"amount_cents": req.AmountCents,
	}
	return p.call(ctx, "/v1/refunds", body, req.IdempotencyKey)
}

func (p *Processor) call(ctx context.Context, path string, body any, key string) (capability.PaymentResult, error) {
	var out capability.PaymentResult
	status, err := p.c.do(ctx, http.MethodPost, path, "", body, map[string]string{"Idempotency-Key": key}, &out)
	if err != nil {
		return capability.PaymentResult{}, err
	}
	if status >= 300 {
		out.Success = false
		if out.Error == "" {
			out.Error = http.StatusText(status)
		}
	}
	return out, nil
}
