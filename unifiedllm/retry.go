package unifiedllm

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// jitterFactors scale the capped delay by attempt number. The factor is a
// pure function of the attempt so that delays are reproducible.
var jitterFactors = [4]float64{0.75, 0.90, 0.60, 0.85}

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"` // retries after the first attempt
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=1"`
	Jitter       bool          `yaml:"jitter" env:"JITTER"`

	// OnRetry is called before each sleep.
	OnRetry func(err error, attempt int, delay time.Duration) `yaml:"-"`
}

// DefaultRetryConfig returns a config that does not retry. Callers opt in by
// raising MaxRetries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   0,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// WithRetries returns the default config with the given retry count.
func WithRetries(n int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = n
	return cfg
}

// DelayForAttempt returns the sleep before retry attempt n (0-indexed):
// min(initial * multiplier^n, max), scaled by jitterFactors[n%4] when jitter is on.
func (c RetryConfig) DelayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := c.InitialDelay.Seconds() * math.Pow(c.Multiplier, float64(attempt))
	capped := math.Min(base, c.MaxDelay.Seconds())
	if c.Jitter {
		capped *= jitterFactors[attempt%4]
	}
	return time.Duration(capped * float64(time.Second))
}

// Retry executes fn, retrying transient failures with backoff. Permanent and
// unclassified errors return immediately. Cancellation of ctx during a sleep
// returns an AbortError wrapping ctx.Err().
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = zap.NewNop()
	}

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		delay := cfg.DelayForAttempt(attempt)
		logger.Warn("transient provider error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}
