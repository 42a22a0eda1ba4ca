package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "signupassist/pkg/logx"
)

// BreakerConfig tunes the per-provider circuit breaker. After TripFailures
// consecutive failed provider calls, logins to that provider fail fast for a
// cooldown that starts at BaseDelay and doubles per further failure up to
// MaxDelay. A provider idle for ResetAfter since its last failure starts
// over. TripFailures < 0 disables the breaker.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c BreakerConfig) enabled() bool { return c.TripFailures > 0 }

type providerCircuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breaker tracks consecutive provider failures, keyed by provider name.
type breaker struct {
	mu sync.Mutex
	m  map[string]*providerCircuit
}

// get returns the circuit for provider. Callers hold b.mu.
func (b *breaker) get(provider string) *providerCircuit {
	k := strings.TrimSpace(provider)
	if k == "" {
		return nil
	}
	if b.m == nil {
		b.m = make(map[string]*providerCircuit)
	}
	c := b.m[k]
	if c == nil {
		c = &providerCircuit{}
		b.m[k] = c
	}
	return c
}

func (c *providerCircuit) expire(now time.Time, cfg BreakerConfig) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > cfg.ResetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// open reports whether calls to provider should fail fast, and until when.
func (b *breaker) open(now time.Time, provider string, cfg BreakerConfig) (bool, time.Time) {
	if !cfg.enabled() {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)
	if c == nil {
		return false, time.Time{}
	}
	c.expire(now, cfg)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record feeds one provider call outcome into the breaker. It returns true
// when this failure opened the circuit.
func (b *breaker) record(now time.Time, provider string, cfg BreakerConfig, err error) bool {
	if !cfg.enabled() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)
	if c == nil {
		return false
	}
	c.expire(now, cfg)

	if err == nil {
		*c = providerCircuit{}
		return false
	}
	c.fails++
	c.lastFailure = now
	if c.fails < cfg.TripFailures {
		return false
	}

	d := cfg.BaseDelay
	for i := 0; i < c.fails-cfg.TripFailures; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			break
		}
	}
	d = min(d, cfg.MaxDelay)
	c.openUntil = now.Add(d)
	return c.fails == cfg.TripFailures
}

// observe feeds a provider call outcome into the breaker. Calls cut short by
// our own context are not the provider's fault and are skipped.
func (o *Orchestrator) observe(ctx context.Context, r *run, err error) {
	if ctx.Err() != nil {
		return
	}
	if o.circuits.record(o.now(), r.mandate.Provider, o.config().Breaker, err) {
		o.log.Warn("provider circuit opened", logx.String("provider", r.mandate.Provider), logx.Err(err))
	}
}
