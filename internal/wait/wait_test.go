// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package wait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocking_SleepsFullDuration(t *testing.T) {
	start := time.Now()
	err := Blocking{}.Wait(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBlocking_WakesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Blocking{}.Wait(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBlocking_CancelledBeforeWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Blocking{}.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "should not sleep on a dead context")
}

func TestCooperative_WakesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Cooperative{}.Wait(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCooperative_ZeroDuration(t *testing.T) {
	require.NoError(t, Cooperative{}.Wait(context.Background(), 0))
}

func TestFunc_RecordsDelays(t *testing.T) {
	var got []time.Duration
	w := Func(func(_ context.Context, d time.Duration) error {
		got = append(got, d)
		return nil
	})

	require.NoError(t, w.Wait(context.Background(), time.Second))
	require.NoError(t, w.Wait(context.Background(), 2*time.Second))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, got)
}

func TestOr(t *testing.T) {
	assert.Equal(t, Cooperative{}, Or(nil))
	assert.Equal(t, Blocking{}, Or(Blocking{}))
}
