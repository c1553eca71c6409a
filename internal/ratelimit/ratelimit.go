// Package ratelimit is a fixed-window limiter whose counters live in the
// shared store, so every instance sees the same counts.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/config"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
)

const (
	PolicyRedeem   = "redeem"
	PolicyRedeemIP = "redeem-ip"
	PolicyWebhook  = "webhook"
	PolicyLogin    = "login"
	PolicyTelegram = "telegram"
	PolicyCheckout = "checkout"
)

type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

// PolicyFromConfig binds a configured limit to its name.
func PolicyFromConfig(name string, limit config.RateLimit) Policy {
	return Policy{Name: name, Max: limit.Max, Window: limit.Window}
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter struct {
	repo    models.RateLimitRepository
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewLimiter(repo models.RateLimitRepository, clk clock.Clock, m *metrics.Metrics) *Limiter {
	return &Limiter{repo: repo, clock: clk, metrics: m}
}

// Allow counts one request for key under policy. The count and the window
// rollover happen in one store statement, so concurrent callers across
// instances never admit more than policy.Max per window.
func (l *Limiter) Allow(ctx context.Context, policy Policy, key string) (Result, error) {
	if key == "" {
		return Result{}, errors.New("rate limit key is empty")
	}
	now := l.clock.Now()
	windowMs := policy.Window.Milliseconds()
	hits, startMs, err := l.repo.HitRateLimit(ctx, policy.Name+":"+key, now.UnixMilli(), windowMs)
	if err != nil {
		return Result{}, err
	}

	resetAt := time.UnixMilli(startMs + windowMs)
	res := Result{
		Allowed: hits <= int64(policy.Max),
		Limit:   policy.Max,
		ResetAt: resetAt,
	}
	if remaining := int64(policy.Max) - hits; remaining > 0 {
		res.Remaining = int(remaining)
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	l.metrics.RateLimit(policy.Name, res.Allowed)
	return res, nil
}

// Prune drops counters whose window started before now-retention.
func (l *Limiter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return l.repo.PruneRateLimits(ctx, l.clock.Now().Add(-retention).UnixMilli())
}

// HashKey turns a secret (a session token) into a fixed-size key that is
// safe to store.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
