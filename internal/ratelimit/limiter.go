// Package ratelimit implements the tiered and strict fixed-window limiters.
// Counters live in the shared store, so every gateway replica enforces the
// same budget for a client.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgequota/edgegate/internal/config"
)

// Unlimited is the tier limit that skips counting entirely.
const Unlimited int64 = -1

// Counter is the store operation the limiters need.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration // zero when Allowed
}

// ResetAfter is the time left in the current window.
func (r Result) ResetAfter(now time.Time) time.Duration {
	if r.ResetAt.IsZero() || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

// Unlimited reports whether the check bypassed counting.
func (r Result) Unlimited() bool { return r.Limit == Unlimited }

// check runs one fixed-window increment. Exactly limit hits pass per window.
func check(ctx context.Context, c Counter, key string, limit int64, window time.Duration, now time.Time) (Result, error) {
	count, ttl, err := c.IncrWindow(ctx, key, window)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = window
	}
	res := Result{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

// TierLimiter enforces a per-tier request budget per fixed window.
type TierLimiter struct {
	counter     Counter
	tiers       map[string]int64
	defaultTier string
	window      time.Duration
	prefix      string
	now         func() time.Time
}

// NewTierLimiter builds a TierLimiter from validated config.
func NewTierLimiter(c Counter, cfg config.RateLimitConfig) *TierLimiter {
	tiers := make(map[string]int64, len(cfg.Tiers))
	for k, v := range cfg.Tiers {
		tiers[strings.ToLower(k)] = v
	}
	return &TierLimiter{
		counter:     c,
		tiers:       tiers,
		defaultTier: cfg.DefaultTier,
		window:      config.MustParseDuration(cfg.Window, time.Hour),
		prefix:      cfg.KeyPrefix,
		now:         time.Now,
	}
}

// ResolveTier maps a client-supplied tier to a configured one. Unknown and
// empty tiers resolve to the default tier.
func (l *TierLimiter) ResolveTier(tier string) string {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := l.tiers[tier]; ok {
		return tier
	}
	return l.defaultTier
}

// Window is the counting window shared by all tiers.
func (l *TierLimiter) Window() time.Duration { return l.window }

// Key is the store key counting clientKey within tier.
func (l *TierLimiter) Key(tier, clientKey string) string {
	return l.prefix + tier + ":" + clientKey
}

// CheckLimit counts one request for clientKey in tier. Tiers with an
// Unlimited budget never touch the store.
func (l *TierLimiter) CheckLimit(ctx context.Context, clientKey, tier string) (Result, error) {
	tier = l.ResolveTier(tier)
	limit := l.tiers[tier]
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}
	return check(ctx, l.counter, l.Key(tier, clientKey), limit, l.window, l.now())
}

// StrictLimiter is the extra budget for sensitive path prefixes. It runs
// after the tier limiter and both must pass.
type StrictLimiter struct {
	counter  Counter
	limit    int64
	window   time.Duration
	prefixes []string
	exempt   map[string]struct{}
	prefix   string
	now      func() time.Time
}

// NewStrictLimiter builds a StrictLimiter, or returns nil when it is disabled.
func NewStrictLimiter(c Counter, cfg config.RateLimitConfig) *StrictLimiter {
	if !cfg.Strict.Enabled {
		return nil
	}
	exempt := make(map[string]struct{}, len(cfg.Strict.ExemptTiers))
	for _, t := range cfg.Strict.ExemptTiers {
		exempt[strings.ToLower(t)] = struct{}{}
	}
	return &StrictLimiter{
		counter:  c,
		limit:    cfg.Strict.Limit,
		window:   config.MustParseDuration(cfg.Strict.Window, 15*time.Minute),
		prefixes: cfg.Strict.PathPrefixes,
		exempt:   exempt,
		prefix:   cfg.KeyPrefix + "strict:",
		now:      time.Now,
	}
}

// Applies reports whether a request for path made under tier is subject to
// the strict limit. A prefix matches whole segments only, so /api/auth
// covers /api/auth/login but not /api/authors.
func (s *StrictLimiter) Applies(path, tier string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.exempt[tier]; ok {
		return false
	}
	for _, p := range s.prefixes {
		p = strings.TrimSuffix(p, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// CheckLimit counts one request for clientKey against the strict budget.
func (s *StrictLimiter) CheckLimit(ctx context.Context, clientKey string) (Result, error) {
	return check(ctx, s.counter, s.prefix+clientKey, s.limit, s.window, s.now())
}
