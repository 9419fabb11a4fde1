package coupon

import (
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig bounds the optimistic read-modify-write loops.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRedeemRetry is used by the engine and the adjustment service.
func DefaultRedeemRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

// DefaultSalesRetry is used by the sales aggregator and reconciler.
func DefaultSalesRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// newConflictPolicy retries only on ErrVersionConflict. Every other error,
// including deterministic validation failures, ends the loop at once.
// After the last attempt the final error is returned unwrapped.
func newConflictPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	cfg = cfg.normalize()
	return retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return errors.Is(err, ErrVersionConflict)
		}).
		WithMaxRetries(cfg.MaxAttempts-1).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
}
