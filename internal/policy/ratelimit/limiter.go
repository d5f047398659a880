// Package ratelimit enforces the politeness delay between requests to the
// source site.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
)

// Scope selects how limiters are keyed.
type Scope string

const (
	// ScopeHost spaces requests to the same host; different hosts proceed independently.
	ScopeHost Scope = "host"
	// ScopeGlobal spaces every request made through the limiter.
	ScopeGlobal Scope = "global"
)

const globalKey = "*"

// Config holds limiter configuration.
type Config struct {
	// MinDelay is the minimum spacing between consecutive requests.
	// Zero disables limiting.
	MinDelay time.Duration
	// Burst allows that many requests before spacing applies.
	Burst int
	Scope Scope
}

// Limiter manages per-host token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	scope    Scope
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	scope := cfg.Scope
	if scope != ScopeGlobal {
		scope = ScopeHost
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		scope:    scope,
	}
}

// Wait blocks until a request to rawURL may proceed, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	key := l.key(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) key(rawURL string) string {
	if l.scope == ScopeGlobal {
		return globalKey
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
