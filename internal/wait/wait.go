// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wait provides the suspension primitive shared by the limiter, the
// retry loop and the mock backend.
//
// Every place that has to pause an operation (waiting for rate-limit tokens,
// backing off between attempts, simulating per-chunk latency) goes through a
// Waiter, so the same algorithms run unchanged in blocking and non-blocking
// clients. Only the adapter differs:
//
//   - Blocking parks the calling goroutine, the way a synchronous call
//     occupies its caller, and wakes it as soon as the context ends.
//   - Cooperative suspends on a timer, returning without a timer when the
//     duration is zero, and also wakes early when the context ends.
//   - Func adapts any function, which is how tests record delays without
//     sleeping.
package wait

import (
	"context"
	"time"
)

// Waiter suspends the caller for d or until ctx is done.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// Blocking waits on the calling goroutine.
type Blocking struct{}

// Wait blocks for d. A context that is already done is reported without
// waiting; one that ends during the wait stops the timer and returns at once.
func (Blocking) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	return sleep(ctx, d)
}

// Cooperative waits on a timer and returns as soon as ctx is done.
type Cooperative struct{}

// Wait suspends for d, stopping the timer early on cancellation.
func (Cooperative) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Func adapts a plain function to the Waiter interface.
type Func func(ctx context.Context, d time.Duration) error

// Wait calls f.
func (f Func) Wait(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// Or returns w, or Cooperative when w is nil.
func Or(w Waiter) Waiter {
	if w == nil {
		return Cooperative{}
	}
	return w
}
