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

package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func generous() Bucket { return Bucket{Capacity: 1_000_000, RefillPerSecond: 1_000_000} }

func TestTryConsume_RefillAfterWait(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 10, RefillPerSecond: 1}}, Options{Clock: clock.Now})

	for i := 0; i < 10; i++ {
		require.True(t, l.TryConsume(ScopeUser, "alice", 1).Allowed, "request %d", i)
	}
	d := l.TryConsume(ScopeUser, "alice", 1)
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(5 * time.Second)

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.TryConsume(ScopeUser, "alice", 1).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestTryConsume_RetryAfterForCost(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 10, RefillPerSecond: 2}}, Options{Clock: clock.Now})

	require.True(t, l.TryConsume(ScopeUser, "u", 9).Allowed)

	d := l.TryConsume(ScopeUser, "u", 4)
	require.False(t, d.Allowed)
	assert.Equal(t, ScopeUser, d.Scope)
	assert.Equal(t, "u", d.ID)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)
	assert.Equal(t, int64(1500), d.RetryAfterMs())

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, l.TryConsume(ScopeUser, "u", 4).Allowed)
}

func TestTryConsume_CostAboveCapacity(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 5, RefillPerSecond: 1}}, Options{Clock: clock.Now})

	require.True(t, l.TryConsume(ScopeUser, "u", 2).Allowed)

	d := l.TryConsume(ScopeUser, "u", 50)
	assert.False(t, d.Allowed)
	assert.True(t, d.Exceeded)
	assert.Equal(t, 2*time.Second, d.RetryAfter, "time until the bucket is full")
}

func TestTokensStayWithinBounds(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 3, RefillPerSecond: 1}}, Options{Clock: clock.Now})

	for i := 0; i < 10; i++ {
		l.TryConsume(ScopeUser, "u", 1)
		snap, ok := l.Bucket(ScopeUser, "u")
		require.True(t, ok)
		assert.GreaterOrEqual(t, snap.Tokens, 0.0)
		assert.LessOrEqual(t, snap.Tokens, snap.Capacity)
	}

	clock.Advance(time.Hour)
	snap, _ := l.Bucket(ScopeUser, "u")
	assert.Equal(t, 3.0, snap.Tokens)
}

func TestCheck_ScopeOrderAndShortCircuit(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{
		User:   Bucket{Capacity: 2, RefillPerSecond: 1},
		Tenant: generous(),
		Global: generous(),
	}, Options{Clock: clock.Now})

	require.True(t, l.Check("alice", "acme", 1).Allowed)
	require.True(t, l.Check("alice", "acme", 1).Allowed)

	d := l.Check("alice", "acme", 1)
	require.False(t, d.Allowed)
	assert.Equal(t, ScopeUser, d.Scope)

	// The tenant and global buckets were consulted only for the two allowed calls.
	tenant, ok := l.Bucket(ScopeTenant, "acme")
	require.True(t, ok)
	assert.Equal(t, float64(1_000_000-2), tenant.Tokens)

	// Another user of the same tenant is unaffected.
	assert.True(t, l.Check("bob", "acme", 1).Allowed)
}

func TestCheck_LaterDenialRefundsEarlierScopes(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{
		User:   Bucket{Capacity: 5, RefillPerSecond: 1},
		Tenant: Bucket{Capacity: 1, RefillPerSecond: 1},
		Global: generous(),
	}, Options{Clock: clock.Now})

	require.True(t, l.Check("alice", "acme", 1).Allowed)

	d := l.Check("alice", "acme", 1)
	require.False(t, d.Allowed)
	assert.Equal(t, ScopeTenant, d.Scope)
	assert.Equal(t, "acme", d.ID)

	user, _ := l.Bucket(ScopeUser, "alice")
	assert.Equal(t, 4.0, user.Tokens, "the denied request must not cost user tokens")

	_, ok := l.Bucket(ScopeGlobal, GlobalID)
	assert.True(t, ok)
	global, _ := l.Bucket(ScopeGlobal, GlobalID)
	assert.Equal(t, float64(1_000_000-1), global.Tokens, "global is not touched after a tenant denial")
}

func TestCheck_GlobalDenial(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{
		User:   generous(),
		Tenant: generous(),
		Global: Bucket{Capacity: 1, RefillPerSecond: 1},
	}, Options{Clock: clock.Now})

	require.True(t, l.Check("a", "t1", 1).Allowed)
	d := l.Check("b", "t2", 1)
	require.False(t, d.Allowed)
	assert.Equal(t, ScopeGlobal, d.Scope)

	err := d.Err()
	var limited *gwerrors.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "global", limited.Scope)
	assert.True(t, limited.IsRetryable())
}

func TestCheck_AnonymousCallersShareBucket(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 1, RefillPerSecond: 1}, Tenant: generous(), Global: generous()},
		Options{Clock: clock.Now})

	require.True(t, l.Check("", "", 1).Allowed)
	d := l.Check("", "", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, AnonymousID, d.ID)
}

// A single tenant hammering the gateway at 1000 req/s is held to its 30%
// share of the global bucket while other tenants keep getting through.
func TestTenantFairnessShare(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{
		User:        generous(),
		Tenant:      Bucket{Capacity: 1000, RefillPerSecond: 1000},
		Global:      Bucket{Capacity: 1000, RefillPerSecond: 1000},
		TenantShare: 0.3,
	}, Options{Clock: clock.Now})

	const seconds = 10
	acme, other := 0, 0
	for i := 0; i < seconds*1000; i++ {
		if l.Check("u", "acme", 1).Allowed {
			acme++
		}
		if i%10 == 0 && l.Check("v", "globex", 1).Allowed {
			other++
		}
		clock.Advance(time.Millisecond)
	}

	maxAcme := 300 + 300*seconds
	assert.LessOrEqual(t, acme, maxAcme)
	assert.Greater(t, acme, 300*seconds-10)
	assert.Equal(t, seconds*100, other, "other tenants stay within their own share")

	snap, ok := l.Bucket(ScopeTenant, "acme")
	require.True(t, ok)
	assert.Equal(t, 300.0, snap.Capacity)
	assert.Equal(t, 300.0, snap.RefillPerSecond)
}

func TestOverrides(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{
		User:            Bucket{Capacity: 100, RefillPerSecond: 1},
		Tenant:          Bucket{Capacity: 100, RefillPerSecond: 1},
		Global:          generous(),
		TenantOverrides: map[string]Bucket{"small": {Capacity: 1, RefillPerSecond: 1}},
		UserOverrides:   map[string]Bucket{"vip": {Capacity: 500, RefillPerSecond: 10}},
	}, Options{Clock: clock.Now})

	require.True(t, l.Check("x", "small", 1).Allowed)
	assert.False(t, l.Check("y", "small", 1).Allowed)

	l.TryConsume(ScopeUser, "vip", 1)
	snap, _ := l.Bucket(ScopeUser, "vip")
	assert.Equal(t, 500.0, snap.Capacity)
}

func TestSetLimits_AppliesToExistingBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 10, RefillPerSecond: 1}}, Options{Clock: clock.Now})

	require.True(t, l.TryConsume(ScopeUser, "u", 1).Allowed)

	l.SetLimits(Limits{User: Bucket{Capacity: 2, RefillPerSecond: 1}})

	snap, ok := l.Bucket(ScopeUser, "u")
	require.True(t, ok)
	assert.Equal(t, 2.0, snap.Capacity)
	assert.LessOrEqual(t, snap.Tokens, 2.0)

	assert.True(t, l.TryConsume(ScopeUser, "u", 1).Allowed)
	assert.True(t, l.TryConsume(ScopeUser, "u", 1).Allowed)
	assert.False(t, l.TryConsume(ScopeUser, "u", 1).Allowed)
	assert.Equal(t, 2.0, l.Limits().User.Capacity)
}

func TestCleanup_EvictsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{User: Bucket{Capacity: 1, RefillPerSecond: 1}}, Options{Clock: clock.Now})

	l.TryConsume(ScopeUser, "old", 1)
	clock.Advance(10 * time.Minute)
	l.TryConsume(ScopeUser, "fresh", 1)

	assert.Equal(t, 1, l.Cleanup(5*time.Minute))
	assert.Equal(t, 1, l.Len())

	_, ok := l.Bucket(ScopeUser, "old")
	assert.False(t, ok)
	_, ok = l.Bucket(ScopeUser, "fresh")
	assert.True(t, ok)
}

func TestOnDeny(t *testing.T) {
	clock := newFakeClock()
	var denials []Decision
	l := New(Limits{User: Bucket{Capacity: 1, RefillPerSecond: 1}}, Options{
		Clock:  clock.Now,
		OnDeny: func(d Decision) { denials = append(denials, d) },
	})

	l.TryConsume(ScopeUser, "u", 1)
	l.TryConsume(ScopeUser, "u", 1)
	require.Len(t, denials, 1)
	assert.Equal(t, ScopeUser, denials[0].Scope)
}
