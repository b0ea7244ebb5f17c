package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/soulbridge/atelier/internal/config"
)

const (
	keyInvokeUser  = "invoke:user:%d"
	keyIdempotency = "invoke:idem:%d:%s"
	idempotencyTTL = 10 * time.Minute
)

// InvokeLimiter throttles metered feature invocations per user and
// guards replayed requests carrying an idempotency key. A nil limiter
// (rate limiting disabled) allows everything.
type InvokeLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	userRate  float64
	userBurst int
}

func NewInvokeLimiter(cfg config.Config) (*InvokeLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.InvokeUserRate <= 0 || limitCfg.InvokeUserBurst <= 0 {
		return nil, errors.New("invoke user rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &InvokeLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		locker:    NewLocker(client),
		userRate:  limitCfg.InvokeUserRate,
		userBurst: limitCfg.InvokeUserBurst,
	}, nil
}

func (l *InvokeLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *InvokeLimiter) AllowUser(ctx context.Context, userID int64) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyInvokeUser, userID), l.userRate, l.userBurst)
}

// ClaimIdempotencyKey marks a user's idempotency key as in flight. It
// returns false when the key was already claimed, in which case the
// request is a replay.
func (l *InvokeLimiter) ClaimIdempotencyKey(ctx context.Context, userID int64, key string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyIdempotency, userID, strings.TrimSpace(key)), idempotencyTTL)
}

// ReleaseIdempotencyKey frees a claimed key so a failed request can be
// retried before the TTL expires.
func (l *InvokeLimiter) ReleaseIdempotencyKey(ctx context.Context, userID int64, key, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyIdempotency, userID, strings.TrimSpace(key)), token)
}
