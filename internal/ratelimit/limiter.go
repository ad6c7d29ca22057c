// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit implements per-user, per-tenant and global token buckets.
//
// Buckets refill lazily on access. Each bucket has its own lock, so checks
// against unrelated keys never contend.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	gwlog "github.com/tombee/mcpgateway/internal/log"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

// Scope is the level a bucket applies to.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// Key used for the single global bucket and for callers without an identity.
const (
	GlobalID    = "global"
	AnonymousID = "_anonymous_"
)

// Bucket describes a token bucket.
type Bucket struct {
	Capacity        float64
	RefillPerSecond float64
}

// Limits is the full limiter configuration. It can be replaced at runtime
// with SetLimits.
type Limits struct {
	User   Bucket
	Tenant Bucket
	Global Bucket

	// TenantShare caps every tenant bucket at this fraction of the global
	// bucket, both capacity and refill. 0 disables the cap.
	TenantShare float64

	TenantOverrides map[string]Bucket
	UserOverrides   map[string]Bucket
}

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed bool

	// Scope and ID identify the bucket that denied the request. They are
	// empty when Allowed is true.
	Scope Scope
	ID    string

	// RetryAfter is how long until the denying bucket holds enough tokens.
	RetryAfter time.Duration

	// Exceeded is set when the cost can never fit in the bucket.
	Exceeded bool
}

// RetryAfterMs returns RetryAfter rounded up to whole milliseconds.
func (d Decision) RetryAfterMs() int64 {
	return (&gwerrors.RateLimitedError{RetryAfter: d.RetryAfter}).RetryAfterMs()
}

// Err converts a denial to a *errors.RateLimitedError. It returns nil when
// the request was allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &gwerrors.RateLimitedError{Scope: string(d.Scope), ScopeID: d.ID, RetryAfter: d.RetryAfter}
}

// BucketSnapshot is a point-in-time view of a bucket.
type BucketSnapshot struct {
	Scope           Scope     `json:"scope"`
	ID              string    `json:"id"`
	Capacity        float64   `json:"capacity"`
	RefillPerSecond float64   `json:"refill_per_second"`
	Tokens          float64   `json:"tokens"`
	LastUsed        time.Time `json:"last_used"`
}

type bucketKey struct {
	scope Scope
	id    string
}

type versionedLimits struct {
	Limits
	version uint64
}

type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	limits   Bucket
	version  uint64
	lastUsed time.Time
}

// Options configures a Limiter.
type Options struct {
	// Clock overrides time.Now (optional)
	Clock func() time.Time

	// OnDeny is called for every denied check (optional).
	OnDeny func(Decision)

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Limiter holds the token buckets for every scope.
type Limiter struct {
	limits  atomic.Pointer[versionedLimits]
	buckets sync.Map // bucketKey -> *bucket

	now    func() time.Time
	onDeny func(Decision)
	logger *slog.Logger
}

// New creates a Limiter.
func New(limits Limits, opts Options) *Limiter {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		now:    now,
		onDeny: opts.OnDeny,
		logger: gwlog.WithComponent(gwlog.Or(opts.Logger), "ratelimit"),
	}
	l.limits.Store(&versionedLimits{Limits: limits, version: 1})
	return l
}

// SetLimits replaces the configuration. Existing buckets adopt the new
// capacity and refill rate on their next access and keep their tokens,
// clamped to the new capacity.
func (l *Limiter) SetLimits(limits Limits) {
	for {
		cur := l.limits.Load()
		next := &versionedLimits{Limits: limits, version: cur.version + 1}
		if l.limits.CompareAndSwap(cur, next) {
			l.logger.Info("rate limits updated",
				slog.Float64("user_capacity", limits.User.Capacity),
				slog.Float64("tenant_capacity", limits.Tenant.Capacity),
				slog.Float64("global_capacity", limits.Global.Capacity),
				slog.Float64("tenant_share", limits.TenantShare),
			)
			return
		}
	}
}

// Limits returns the current configuration.
func (l *Limiter) Limits() Limits {
	return l.limits.Load().Limits
}

// bucketLimits derives the effective bucket for a key. Tenant buckets are
// capped by the fairness share of the global bucket.
func bucketLimits(ls Limits, scope Scope, id string) Bucket {
	switch scope {
	case ScopeUser:
		if b, ok := ls.UserOverrides[id]; ok {
			return b
		}
		return ls.User
	case ScopeTenant:
		b := ls.Tenant
		if o, ok := ls.TenantOverrides[id]; ok {
			b = o
		}
		if ls.TenantShare > 0 {
			b.Capacity = math.Min(b.Capacity, math.Floor(ls.TenantShare*ls.Global.Capacity))
			b.RefillPerSecond = math.Min(b.RefillPerSecond, ls.TenantShare*ls.Global.RefillPerSecond)
		}
		return b
	default:
		return ls.Global
	}
}

func (l *Limiter) bucketFor(scope Scope, id string, now time.Time) *bucket {
	key := bucketKey{scope: scope, id: id}
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}

	ls := l.limits.Load()
	limits := bucketLimits(ls.Limits, scope, id)
	b := &bucket{
		lim:      rate.NewLimiter(rate.Limit(limits.RefillPerSecond), burst(limits)),
		limits:   limits,
		version:  ls.version,
		lastUsed: now,
	}
	v, _ := l.buckets.LoadOrStore(key, b)
	return v.(*bucket)
}

func burst(b Bucket) int {
	if b.Capacity < 1 {
		return 1
	}
	return int(b.Capacity)
}

// refresh adopts the current limits. Callers hold b.mu.
func (b *bucket) refresh(ls *versionedLimits, scope Scope, id string, now time.Time) {
	if b.version == ls.version {
		return
	}
	limits := bucketLimits(ls.Limits, scope, id)
	if limits != b.limits {
		b.lim.SetLimitAt(now, rate.Limit(limits.RefillPerSecond))
		b.lim.SetBurstAt(now, burst(limits))
		b.limits = limits
	}
	b.version = ls.version
}

// take consumes cost tokens if available. The returned reservation can be
// cancelled to refund them.
func (l *Limiter) take(scope Scope, id string, cost int, now time.Time) (*rate.Reservation, Decision) {
	b := l.bucketFor(scope, id, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(l.limits.Load(), scope, id, now)
	b.lastUsed = now

	tokens := b.lim.TokensAt(now)
	if tokens >= float64(cost) {
		return b.lim.ReserveN(now, cost), Decision{Allowed: true}
	}

	d := Decision{Scope: scope, ID: id}
	need := float64(cost)
	if need > float64(burst(b.limits)) {
		// Never satisfiable; report the time until the bucket is full.
		d.Exceeded = true
		need = float64(burst(b.limits))
	}
	d.RetryAfter = durationFor(need-tokens, b.limits.RefillPerSecond)
	return nil, d
}

func durationFor(tokens, perSecond float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	if perSecond <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(tokens / perSecond * float64(time.Second)))
}

func (l *Limiter) refund(scope Scope, id string, res *rate.Reservation, now time.Time) {
	if res == nil {
		return
	}
	b := l.bucketFor(scope, id, now)
	b.mu.Lock()
	res.CancelAt(now)
	b.mu.Unlock()
}

// TryConsume checks a single bucket and consumes cost tokens if allowed.
// A cost below 1 counts as 1.
func (l *Limiter) TryConsume(scope Scope, id string, cost int) Decision {
	if cost < 1 {
		cost = 1
	}
	_, d := l.take(scope, id, cost, l.now())
	if !d.Allowed {
		l.denied(d)
	}
	return d
}

// Check evaluates the user, tenant and global buckets in that order. The
// first denial wins and later scopes are not consulted. Tokens already
// taken from earlier scopes are returned when a later scope denies.
func (l *Limiter) Check(userID, tenantID string, cost int) Decision {
	if cost < 1 {
		cost = 1
	}
	if userID == "" {
		userID = AnonymousID
	}
	if tenantID == "" {
		tenantID = AnonymousID
	}

	now := l.now()
	steps := []bucketKey{
		{scope: ScopeUser, id: userID},
		{scope: ScopeTenant, id: tenantID},
		{scope: ScopeGlobal, id: GlobalID},
	}

	taken := make([]*rate.Reservation, 0, len(steps))
	for i, k := range steps {
		res, d := l.take(k.scope, k.id, cost, now)
		if !d.Allowed {
			for j := i - 1; j >= 0; j-- {
				l.refund(steps[j].scope, steps[j].id, taken[j], now)
			}
			l.denied(d)
			return d
		}
		taken = append(taken, res)
	}
	return Decision{Allowed: true}
}

func (l *Limiter) denied(d Decision) {
	gwlog.Trace(context.Background(), l.logger, "rate limit denied",
		slog.String("scope", string(d.Scope)),
		slog.String("id", d.ID),
		slog.Int64("retry_after_ms", d.RetryAfterMs()),
	)
	if l.onDeny != nil {
		l.onDeny(d)
	}
}

// Bucket returns a snapshot of the bucket for scope and id, if one exists.
func (l *Limiter) Bucket(scope Scope, id string) (BucketSnapshot, bool) {
	v, ok := l.buckets.Load(bucketKey{scope: scope, id: id})
	if !ok {
		return BucketSnapshot{}, false
	}
	b := v.(*bucket)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(l.limits.Load(), scope, id, now)

	tokens := math.Max(0, math.Min(b.lim.TokensAt(now), float64(burst(b.limits))))
	return BucketSnapshot{
		Scope:           scope,
		ID:              id,
		Capacity:        float64(burst(b.limits)),
		RefillPerSecond: b.limits.RefillPerSecond,
		Tokens:          tokens,
		LastUsed:        b.lastUsed,
	}, true
}

// Cleanup removes buckets untouched for longer than maxAge and returns how
// many were removed. A removed bucket is recreated full on next use, so
// maxAge should be at least the time a bucket needs to refill completely.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	removed := 0

	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()

		if idle && l.buckets.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})

	if removed > 0 {
		l.logger.Debug("evicted idle rate limit buckets", slog.Int("count", removed))
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
