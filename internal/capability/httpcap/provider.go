package httpcap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"signupassist/internal/capability"
)

// Provider talks to an activity provider's registration API.
type Provider struct {
	c *client
}

var _ capability.Provider = (*Provider)(nil)

func NewProvider(cfg Config, hc *http.Client) (*Provider, error) {
	c, err := newClient(cfg, hc)
	if err != nil {
		return nil, fmt.Errorf("provider client: %w", err)
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Login(ctx context.Context, req capability.LoginRequest) (capability.Session, error) {
	body := map[string]string{
		"mandate_id":     req.MandateID,
		"org_ref":        req.OrgRef,
		"credential_ref": req.CredentialRef,
	}
	var out struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	status, err := p.c.do(ctx, http.MethodPost, "/v1/sessions", "", body, nil, &out)
	if err != nil {
		return capability.Session{}, err
	}
	if status >= 300 || out.Token == "" {
		return capability.Session{}, fmt.Errorf("login refused (status %d): %s", status, out.Error)
	}
	return capability.Session{Token: out.Token}, nil
}

func (p *Provider) DiscoverFields(ctx context.Context, s capability.Session, programRef string) ([]capability.Field, error) {
	var out struct {
		Fields []capability.Field `json:"fields"`
	}
	status, err := p.c.do(ctx, http.MethodGet, "/v1/programs/"+url.PathEscape(programRef)+"/fields", s.Token, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("discover fields: status %d", status)
	}
	return out.Fields, nil
}

func (p *Provider) Submit(ctx context.Context, s capability.Session, req capability.SubmitRequest) (capability.Result, error) {
	body := map[string]any{
		"program_ref":     req.ProgramRef,
		"participant_ref": req.ParticipantRef,
		"payload":         req.Payload,
	}
	return p.result(ctx, "/v1/registrations", s, body, req.IdempotencyKey)
}

func (p *Provider) CancelBooking(ctx context.Context, s capability.Session, req capability.CancelRequest) (capability.Result, error) {
	return p.result(ctx, "/v1/registrations/"+url.PathEscape(req.BookingRef)+"/cancel", s, map[string]any{}, req.IdempotencyKey)
}

func (p *Provider) result(ctx context.Context, path string, s capability.Session, body any, key string) (capability.Result, error) {
	var out capability.Result
	status, err := p.c.do(ctx, http.MethodPost, path, s.Token, body, map[string]string{"Idempotency-Key": key}, &out)
	if err != nil {
		return capability.Result{}, err
	}
	if status >= 300 {
		out.Success = false
		if out.Error == "" {
			out.Error = http.StatusText(status)
		}
	}
	return out, nil
}
