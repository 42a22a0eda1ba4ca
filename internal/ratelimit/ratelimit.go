// Package ratelimit paces calls to external providers. The local limiter
// keeps one token bucket per key in process; the redis limiter shares the
// buckets between scheduler instances.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter blocks until a call for key may proceed or ctx ends.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Config selects and sizes the limiter.
type Config struct {
	Driver     string // none | local | redis
	RatePerSec float64
	Burst      int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// New builds the configured limiter. The returned close func releases any
// connection the limiter holds and is never nil.
func New(cfg Config) (Limiter, func() error, error) {
	noop := func() error { return nil }
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Nop{}, noop, nil
	case "local":
		return NewLocal(cfg.RatePerSec, cfg.Burst), noop, nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, noop, errors.New("ratelimit: redis addr is required")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(rdb, cfg.KeyPrefix, cfg.RatePerSec, cfg.Burst), rdb.Close, nil
	default:
		return nil, noop, errors.New("ratelimit: unknown driver: " + cfg.Driver)
	}
}

// Nop never waits.
type Nop struct{}

func (Nop) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// Local keeps an x/time/rate bucket per key.
type Local struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func NewLocal(perSec float64, burst int) *Local {
	return &Local{limit: rate.Limit(perSec), burst: burst, buckets: map[string]*rate.Limiter{}}
}

func (l *Local) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

func (l *Local) Wait(ctx context.Context, key string) error {
	return l.bucket(key).Wait(ctx)
}

// Allow reports whether a call for key may proceed now, consuming a token.
func (l *Local) Allow(key string) bool {
	return l.bucket(key).Allow()
}
