// Package httpcap implements the provider and processor capabilities as
// JSON-over-HTTP clients. Side-effecting calls carry an Idempotency-Key
// header so a resumed execution never books or charges twice.
package httpcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const userAgent = "signupassist/1 (+capability-client)"

// Config configures one remote endpoint.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// MaxAttempts bounds retries of 429/502/503/504 responses. 0 means 3.
	MaxAttempts int
	BaseDelay   time.Duration
}

// StatusError is a non-2xx response the remote did not classify as a decline.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote status %d: %s", e.Status, e.Message)
}

type client struct {
	base        string
	token       string
	hc          *http.Client
	maxAttempts int
	baseDelay   time.Duration
}

func newClient(cfg Config, hc *http.Client) (*client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base url is required")
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &client{base: base, token: cfg.Token, hc: hc, maxAttempts: cfg.MaxAttempts, baseDelay: cfg.BaseDelay}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 200 * time.Millisecond
	}
	return c, nil
}

// declined reports whether status is a business refusal rather than a fault.
func declined(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests &&
		status != http.StatusUnauthorized && status != http.StatusForbidden
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

// do sends body as JSON and decodes a 2xx (or declined 4xx) response into out.
// It returns the response status.
func (c *client) do(ctx context.Context, method, path, bearer string, body any, headers map[string]string, out any) (int, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = b
	}
	if bearer == "" {
		bearer = c.token
	}

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if attempt < c.maxAttempts && ctx.Err() == nil {
				if werr := c.sleep(ctx, attempt, ""); werr != nil {
					return 0, err
				}
				continue
			}
			return 0, err
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300, declined(resp.StatusCode):
			if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil && resp.StatusCode < 300 {
					return resp.StatusCode, fmt.Errorf("decode response: %w", err)
				}
			}
			return resp.StatusCode, nil
		case shouldRetryStatus(resp.StatusCode) && attempt < c.maxAttempts:
			if err := c.sleep(ctx, attempt, resp.Header.Get("Retry-After")); err != nil {
				return resp.StatusCode, err
			}
			continue
		default:
			return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: errorMessage(respBody)}
		}
	}
}

func (c *client) sleep(ctx context.Context, attempt int, retryAfter string) error {
	d := c.baseDelay << (attempt - 1)
	if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && sec >= 0 {
		d = time.Duration(sec) * time.Second
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errorMessage(body []byte) string {
	var env struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		switch v := env.Error.(type) {
		case string:
			return v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				return m
			}
		}
		if env.Message != "" {
			return env.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
