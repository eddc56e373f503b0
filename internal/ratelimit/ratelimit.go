// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit implements per-endpoint token-bucket admission control.
//
// Each endpoint key owns one Bucket, created lazily on first use and kept for
// the lifetime of the Registry. Acquire never rejects: it reserves the tokens
// and suspends the caller, through a wait.Waiter, until the reservation
// matures. Buckets are independent, so callers hammering one endpoint never
// contend with callers of another.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

// ErrCostExceedsCapacity is returned when a single acquisition asks for more
// tokens than the bucket can ever hold.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds bucket capacity")

// =============================================================================
// LIMITS
// =============================================================================

// Limit is the refill rate (tokens per second) and capacity of one bucket.
type Limit struct {
	Rate     float64 `toml:"rate" json:"rate"`
	Capacity int     `toml:"capacity" json:"capacity"`
}

// Limits configures a Registry: one Limit per endpoint class plus optional
// per-key overrides.
type Limits struct {
	Heavy     Limit            `toml:"heavy" json:"heavy"`
	Light     Limit            `toml:"light" json:"light"`
	Endpoints map[string]Limit `toml:"endpoints" json:"endpoints,omitempty"`
}

// DefaultLimits returns the default admission limits. Metadata endpoints get
// a higher rate and capacity than inference endpoints.
func DefaultLimits() Limits {
	return Limits{
		Heavy: Limit{Rate: 10, Capacity: 10},
		Light: Limit{Rate: 50, Capacity: 50},
	}
}

// For returns the limit that applies to key.
func (l Limits) For(key string) Limit {
	if lim, ok := l.Endpoints[key]; ok && lim.Rate > 0 && lim.Capacity > 0 {
		return lim
	}
	defaults := DefaultLimits()
	switch api.ClassOf(key) {
	case api.ClassLight:
		return orDefault(l.Light, defaults.Light)
	default:
		return orDefault(l.Heavy, defaults.Heavy)
	}
}

func orDefault(l, def Limit) Limit {
	if l.Rate <= 0 {
		l.Rate = def.Rate
	}
	if l.Capacity <= 0 {
		l.Capacity = def.Capacity
	}
	return l
}

// =============================================================================
// BUCKET
// =============================================================================

// Bucket is a token bucket for a single endpoint key.
//
// Tokens are deducted at reservation time under the limiter's own lock, then
// the caller waits out the reservation delay. Concurrent callers therefore
// queue behind each other instead of racing for the same refill, and tokens
// are never over-issued.
type Bucket struct {
	key     string
	limit   Limit
	limiter *rate.Limiter
}

// NewBucket creates a full bucket.
func NewBucket(key string, limit Limit) *Bucket {
	return &Bucket{
		key:     key,
		limit:   limit,
		limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Capacity),
	}
}

// Key returns the endpoint key the bucket belongs to.
func (b *Bucket) Key() string { return b.key }

// Limit returns the bucket's rate and capacity.
func (b *Bucket) Limit() Limit { return b.limit }

// Available reports the tokens that can be granted right now, in [0, capacity].
// Tokens already promised to waiting callers are not available.
func (b *Bucket) Available() float64 {
	tokens := b.limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	if capacity := float64(b.limit.Capacity); tokens > capacity {
		return capacity
	}
	return tokens
}

// Reserve deducts cost tokens and returns how long the caller must wait
// before using them.
func (b *Bucket) Reserve(cost int) (time.Duration, *rate.Reservation, error) {
	if cost > b.limit.Capacity {
		return 0, nil, fmt.Errorf("%w: key %q cost %d capacity %d", ErrCostExceedsCapacity, b.key, cost, b.limit.Capacity)
	}
	r := b.limiter.ReserveN(time.Now(), cost)
	if !r.OK() {
		return 0, nil, fmt.Errorf("%w: key %q", ErrCostExceedsCapacity, b.key)
	}
	return r.Delay(), r, nil
}

// Acquire blocks through w until cost tokens are granted. If ctx ends first,
// the reservation is cancelled and its tokens are returned to the bucket.
func (b *Bucket) Acquire(ctx context.Context, cost int, w wait.Waiter) (time.Duration, error) {
	if cost <= 0 {
		cost = 1
	}
	delay, r, err := b.Reserve(cost)
	if err != nil {
		return 0, err
	}
	if delay <= 0 {
		return 0, nil
	}
	if err := wait.Or(w).Wait(ctx, delay); err != nil {
		r.Cancel()
		return 0, err
	}
	return delay, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps endpoint keys to buckets. It is safe for concurrent use; the
// registry lock only guards the map, never an acquisition.
type Registry struct {
	limits Limits
	waiter wait.Waiter

	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewRegistry creates an empty registry. w is the default waiter used by
// Acquire; nil selects wait.Cooperative.
func NewRegistry(limits Limits, w wait.Waiter) *Registry {
	return &Registry{
		limits:  limits,
		waiter:  wait.Or(w),
		buckets: make(map[string]*Bucket),
	}
}

// Bucket returns the bucket for key, creating it on first use.
func (r *Registry) Bucket(key string) *Bucket {
	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = r.buckets[key]; ok {
		return b
	}
	b = NewBucket(key, r.limits.For(key))
	r.buckets[key] = b
	return b
}

// Acquire waits with the registry's default waiter until cost tokens are
// granted for key. It returns the time spent waiting.
func (r *Registry) Acquire(ctx context.Context, key string, cost int) (time.Duration, error) {
	return r.Bucket(key).Acquire(ctx, cost, r.waiter)
}

// AcquireWith is Acquire with an explicit waiter.
func (r *Registry) AcquireWith(ctx context.Context, key string, cost int, w wait.Waiter) (time.Duration, error) {
	return r.Bucket(key).Acquire(ctx, cost, w)
}

// Keys returns the keys that have a bucket, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.buckets))
	for k := range r.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
