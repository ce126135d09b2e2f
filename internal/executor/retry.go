package executor

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Defaults for RetryPolicy fields left zero.
const (
	DefaultBaseDelay    = 2 * time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultMultiplier   = 2.0
	DefaultPollInterval = 2 * time.Second
	// DefaultStatementTimeout applies when a plan sets no timeout.
	DefaultStatementTimeout = 30 * time.Minute
)

// RetryPolicy decides whether and when a failed statement is resubmitted.
type RetryPolicy struct {
	// MaxRetries is the number of resubmissions after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter spreads each delay uniformly over [delay/2, delay].
	Jitter bool
	// IsTransient classifies an error class. Nil means IsTransientClass.
	IsTransient func(class string) bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     true,
	}
}

// IsTransientClass reports whether failures of this class may succeed when
// resubmitted. Unknown classes are treated as permanent.
func IsTransientClass(class string) bool {
	switch class {
	case ClassTimeout, ClassWarehouseUnavailable, ClassResourceExhausted, ClassConnection:
		return true
	}
	return false
}

func (p RetryPolicy) transient(class string) bool {
	if p.IsTransient != nil {
		return p.IsTransient(class)
	}
	return IsTransientClass(class)
}

// ShouldRetry reports whether a failure of class after attempt attempts
// (1-based) is resubmitted.
func (p RetryPolicy) ShouldRetry(class string, attempt int) bool {
	return p.transient(class) && attempt <= p.MaxRetries
}

// Backoff returns the wait before retry number retry (1-based): exponential
// in the multiplier, capped at MaxDelay.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	base, maxDelay, mult := p.BaseDelay, p.MaxDelay, p.Multiplier
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if mult < 1 {
		mult = DefaultMultiplier
	}
	if retry < 1 {
		retry = 1
	}

	backoff := float64(base) * math.Pow(mult, float64(retry-1))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	if p.Jitter {
		backoff = backoff/2 + rand.Float64()*backoff/2
	}
	return time.Duration(backoff)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
