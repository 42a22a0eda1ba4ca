package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// AlertConfig forwards log lines at or above MinLevel (default WARN) to an
// ops webhook, at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	URL        string
	MinLevel   string
	RatePerSec int
}

// alertPayload is the webhook body. Text is a ready-to-post summary for
// chat-style hooks; the other fields keep the line structured.
type alertPayload struct {
	Text    string            `json:"text"`
	Level   string            `json:"level,omitempty"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

const (
	alertTextMax  = 3500
	alertValueMax = 600
	alertStackMax = 900
)

// alertWriter is the zerolog sink. It never blocks the logging call: lines
// over the rate or beyond the queue are dropped.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	url, lim, floor := s.alertURL, s.limiter, s.minLevel
	s.mu.Unlock()

	if url == "" || lim == nil || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if body := alertBody(p); body != nil {
		select {
		case s.alertQueue <- body:
		default:
		}
	}
	return len(p), nil
}

// alertWorker posts queued alerts until ctx ends. Delivery is best effort.
func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-s.alertQueue:
			s.mu.Lock()
			url := s.alertURL
			s.mu.Unlock()
			if url != "" {
				s.postAlert(ctx, url, body)
			}
		}
	}
}

func (s *Service) postAlert(ctx context.Context, url string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}

// alertBody turns one zerolog JSON line into an alertPayload. A line that is
// not JSON is forwarded as plain text.
func alertBody(line []byte) []byte {
	line = bytes.TrimSpace(line)
	var p alertPayload
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		p.Text = truncate(string(line), alertTextMax)
	} else {
		p.Level, _ = m[zerolog.LevelFieldName].(string)
		p.Message, _ = m[zerolog.MessageFieldName].(string)
		delete(m, zerolog.LevelFieldName)
		delete(m, zerolog.MessageFieldName)
		delete(m, zerolog.TimestampFieldName)
		p.Fields = make(map[string]string, len(m))
		for k, v := range m {
			limit := alertValueMax
			if k == "stack" {
				limit = alertStackMax
			}
			p.Fields[k] = truncate(fmt.Sprint(v), limit)
		}
		p.Text = truncate(summarize(p), alertTextMax)
	}
	if p.Text == "" {
		return nil
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return out
}

// summarize renders "[LEVEL] message" followed by one "- key=value" line per
// field, keys sorted so repeated alerts read the same.
func summarize(p alertPayload) string {
	var b strings.Builder
	if p.Level != "" {
		b.WriteString("[" + strings.ToUpper(p.Level) + "] ")
	}
	b.WriteString(p.Message)
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n" + p.Fields[k])
			continue
		}
		b.WriteString("\n- " + k + "=" + p.Fields[k])
	}
	return b.String()
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
