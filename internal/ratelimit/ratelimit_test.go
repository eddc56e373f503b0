// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

// =============================================================================
// LIMITS
// =============================================================================

func TestLimits_For(t *testing.T) {
	limits := Limits{
		Heavy: Limit{Rate: 2, Capacity: 3},
		Light: Limit{Rate: 40, Capacity: 40},
		Endpoints: map[string]Limit{
			"version": {Rate: 100, Capacity: 200},
		},
	}

	tests := []struct {
		key  string
		want Limit
	}{
		{"generate", Limit{Rate: 2, Capacity: 3}},
		{"chat", Limit{Rate: 2, Capacity: 3}},
		{"list-models", Limit{Rate: 40, Capacity: 40}},
		{"version", Limit{Rate: 100, Capacity: 200}},
		{"something-new", Limit{Rate: 2, Capacity: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, limits.For(tc.key))
		})
	}
}

func TestDefaultLimits_LightIsCheaperThanHeavy(t *testing.T) {
	d := DefaultLimits()
	assert.Greater(t, d.Light.Rate, d.Heavy.Rate)
	assert.Greater(t, d.Light.Capacity, d.Heavy.Capacity)

	// Zero-valued limits fall back to the defaults per class.
	var empty Limits
	assert.Equal(t, d.Heavy, empty.For("generate"))
	assert.Equal(t, d.Light, empty.For("version"))
}

// =============================================================================
// BUCKET
// =============================================================================

func TestBucket_BurstThenWait(t *testing.T) {
	const (
		r = 4.0
		c = 5
	)
	b := NewBucket("generate", Limit{Rate: r, Capacity: c})

	var delays []time.Duration
	rec := wait.Func(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	for i := 0; i < c; i++ {
		waited, err := b.Acquire(context.Background(), 1, rec)
		require.NoError(t, err)
		assert.Zero(t, waited, "acquisition %d should be immediate", i+1)
	}

	waited, err := b.Acquire(context.Background(), 1, rec)
	require.NoError(t, err)
	require.Len(t, delays, 1, "only the (c+1)th acquisition waits")
	assert.InDelta(t, float64(time.Second)/r, float64(waited), float64(20*time.Millisecond))
}

func TestBucket_ThirdAcquisitionWaitsOneOverRate(t *testing.T) {
	reg := NewRegistry(Limits{Endpoints: map[string]Limit{"generate": {Rate: 2, Capacity: 2}}}, wait.Blocking{})
	ctx := context.Background()

	start := time.Now()
	_, err := reg.Acquire(ctx, "generate", 1)
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, "generate", 1)
	require.NoError(t, err)
	firstTwo := time.Since(start)

	thirdStart := time.Now()
	_, err = reg.Acquire(ctx, "generate", 1)
	require.NoError(t, err)
	third := time.Since(thirdStart)

	assert.Less(t, firstTwo, 100*time.Millisecond)
	assert.GreaterOrEqual(t, third, 450*time.Millisecond)
	assert.GreaterOrEqual(t, third-firstTwo, 400*time.Millisecond)
}

func TestBucket_CostAboveCapacity(t *testing.T) {
	b := NewBucket("generate", Limit{Rate: 1, Capacity: 2})
	_, err := b.Acquire(context.Background(), 3, wait.Blocking{})
	assert.ErrorIs(t, err, ErrCostExceedsCapacity)
}

func TestBucket_CancelledWaitReturnsTokens(t *testing.T) {
	b := NewBucket("pull-model", Limit{Rate: 1, Capacity: 1})
	_, err := b.Acquire(context.Background(), 1, wait.Blocking{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, 1, wait.Cooperative{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled reservation gave its token back, so the next caller waits
	// at most one refill period rather than two.
	delay, r, err := b.Reserve(1)
	require.NoError(t, err)
	defer r.Cancel()
	assert.LessOrEqual(t, delay, time.Second)
}

func TestBucket_BlockingWaitEndsOnCancel(t *testing.T) {
	b := NewBucket("pull-model", Limit{Rate: 0.2, Capacity: 1})
	_, err := b.Acquire(context.Background(), 1, wait.Blocking{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = b.Acquire(ctx, 1, wait.Blocking{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBucket_AvailableStaysInRange(t *testing.T) {
	b := NewBucket("chat", Limit{Rate: 1, Capacity: 3})
	assert.InDelta(t, 3.0, b.Available(), 0.01)

	for i := 0; i < 5; i++ {
		_, r, err := b.Reserve(1)
		require.NoError(t, err)
		defer r.Cancel()
		got := b.Available()
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 3.0)
	}
}

// TestBucket_ConcurrentNoOverIssue checks that concurrent callers on one key
// never get more immediate grants than the capacity.
// Run with: go test -race -run TestBucket_ConcurrentNoOverIssue
func TestBucket_ConcurrentNoOverIssue(t *testing.T) {
	const capacity = 10
	b := NewBucket("generate", Limit{Rate: 0.5, Capacity: capacity})

	var immediate atomic.Int32
	var wg sync.WaitGroup
	noSleep := wait.Func(func(context.Context, time.Duration) error { return nil })

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waited, err := b.Acquire(context.Background(), 1, noSleep)
			if err != nil {
				t.Error(err)
				return
			}
			if waited == 0 {
				immediate.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(immediate.Load()), capacity)
	assert.GreaterOrEqual(t, int(immediate.Load()), capacity-1)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry(DefaultLimits(), nil)

	var wg sync.WaitGroup
	got := make([]*Bucket, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = reg.Bucket("generate")
		}(i)
	}
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
	assert.Equal(t, []string{"generate"}, reg.Keys())
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	reg := NewRegistry(Limits{
		Heavy: Limit{Rate: 1, Capacity: 1},
		Light: Limit{Rate: 1, Capacity: 1},
	}, wait.Blocking{})
	ctx := context.Background()

	_, err := reg.Acquire(ctx, "generate", 1)
	require.NoError(t, err)

	// generate is now empty, version is untouched.
	start := time.Now()
	waited, err := reg.Acquire(ctx, "version", 1)
	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	assert.Equal(t, []string{"generate", "version"}, reg.Keys())
}

func TestRegistry_AcquireWith(t *testing.T) {
	reg := NewRegistry(Limits{Heavy: Limit{Rate: 1, Capacity: 1}}, wait.Blocking{})
	calls := 0
	rec := wait.Func(func(context.Context, time.Duration) error {
		calls++
		return nil
	})

	_, err := reg.AcquireWith(context.Background(), "chat", 1, rec)
	require.NoError(t, err)
	_, err = reg.AcquireWith(context.Background(), "chat", 1, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
