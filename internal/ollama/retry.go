// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first attempt, so an
	// operation is tried at most MaxAttempts+1 times. Negative disables
	// retries.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps any single wait. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the wait per failed attempt (default 2).
	Multiplier float64

	// Jitter adds a random fraction in [0, Jitter) of each wait (default 0).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// attempts returns the total number of tries the policy allows.
func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 0 {
		return 1
	}
	return p.MaxAttempts + 1
}

// Delay returns the wait after failed attempt n (1-indexed):
// BaseDelay * Multiplier^(n-1), capped by MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
