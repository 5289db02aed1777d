package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls bounded retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts includes the first try. Default: 2.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry. Default: 300ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay. Default: 5s.
	MaxBackoff time.Duration
	// Name labels retry log lines.
	Name string
}

// DoVal runs fn, retrying transient failures. Context cancellation stops
// retries immediately.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 300 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	var zero T
	delay := cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !IsTransient(err) || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		zap.L().Warn("resilience: retrying",
			zap.String("operation", cfg.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		// ±25% jitter
		jittered := time.Duration(float64(delay) * (0.75 + rand.Float64()/2))
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
		delay = min(delay*2, cfg.MaxBackoff)
	}
}

// Do is DoVal for functions without a result.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
