package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FallbackLimiter tries a primary (distributed) Limiter first and falls
// through to a secondary (in-process) Limiter when the primary returns
// an error, so a Redis outage degrades the rate limiter to per-instance
// enforcement instead of taking down request evaluation. Modeled on the
// cache package's two-tier hybrid composition.
type FallbackLimiter struct {
	primary   Limiter
	secondary Limiter
	log       *zap.Logger
}

// NewFallbackLimiter builds a FallbackLimiter. log may be nil, in which
// case a no-op logger is used.
func NewFallbackLimiter(primary, secondary Limiter, log *zap.Logger) *FallbackLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackLimiter{primary: primary, secondary: secondary, log: log}
}

// Check implements Limiter, preferring the primary backend.
func (f *FallbackLimiter) Check(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	res, err := f.primary.Check(ctx, identity, limit, window)
	if err != nil {
		f.log.Warn("ratelimit: primary backend unavailable, falling back to in-process counter",
			zap.String("identity", identity), zap.Error(err))
		return f.secondary.Check(ctx, identity, limit, window)
	}
	return res, nil
}

// Peek implements Limiter, preferring the primary backend.
func (f *FallbackLimiter) Peek(ctx context.Context, identity string, window time.Duration) (int, time.Time, error) {
	count, resetAt, err := f.primary.Peek(ctx, identity, window)
	if err != nil {
		f.log.Warn("ratelimit: primary backend unavailable for peek, falling back",
			zap.String("identity", identity), zap.Error(err))
		return f.secondary.Peek(ctx, identity, window)
	}
	return count, resetAt, nil
}

// Reset clears the counter on both backends so a reset is never
// partially observed after a fallback occurred mid-window.
func (f *FallbackLimiter) Reset(ctx context.Context, identity string) error {
	err := f.primary.Reset(ctx, identity)
	if serr := f.secondary.Reset(ctx, identity); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Close releases both backends.
func (f *FallbackLimiter) Close() error {
	err := f.primary.Close()
	if serr := f.secondary.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}
