// Copyright 2025 Phillip Lindsay
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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}
func (failingStore) Reset(context.Context, string) error { return errors.New("connection refused") }
func (failingStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, errors.New("connection refused")
}

type countingRecorder struct {
	allowed, rejected, degraded int
}

func (r *countingRecorder) RecordRateLimitDecision(_ context.Context, _ string, allowed, degraded bool) {
	if allowed {
		r.allowed++
	} else {
		r.rejected++
	}
	if degraded {
		r.degraded++
	}
}

func TestAuthPolicyScenario(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	policy, ok := PolicyFor(ClassAuth)
	require.True(t, ok)
	key := Key(ClassAuth, "1.2.3.4")

	var first Result
	for i := 1; i <= 5; i++ {
		result := limiter.Check(context.Background(), key, policy)
		require.True(t, result.Allowed, "request %d", i)
		assert.Equal(t, 5-i, result.Remaining, "request %d", i)
		if i == 1 {
			first = result
		}
		clock.Advance(time.Second)
	}

	sixth := limiter.Check(context.Background(), key, policy)
	assert.False(t, sixth.Allowed)
	assert.Equal(t, 0, sixth.Remaining)
	assert.Equal(t, first.ResetAt, sixth.ResetAt)
	assert.Equal(t, "Too many authentication attempts, please try again later.", sixth.Message)
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	policy := Policy{Name: "test", Window: time.Minute, MaxRequests: 3, RejectionMessage: "slow down"}

	for i := 0; i < 4; i++ {
		limiter.Check(context.Background(), "k", policy)
	}
	assert.False(t, limiter.Check(context.Background(), "k", policy).Allowed)

	clock.Advance(time.Minute + time.Millisecond)

	result := limiter.Check(context.Background(), "k", policy)
	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), result.ResetAt)
}

func TestRejectionsDoNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	policy := Policy{Name: "test", Window: time.Minute, MaxRequests: 1}

	first := limiter.Check(context.Background(), "k", policy)
	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second)
		result := limiter.Check(context.Background(), "k", policy)
		assert.False(t, result.Allowed)
		assert.Equal(t, first.ResetAt, result.ResetAt)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())
	policy := Policy{Name: "test", Window: time.Minute, MaxRequests: 1}

	assert.True(t, limiter.Check(context.Background(), Key(ClassAPI, "1.1.1.1"), policy).Allowed)
	assert.False(t, limiter.Check(context.Background(), Key(ClassAPI, "1.1.1.1"), policy).Allowed)
	assert.True(t, limiter.Check(context.Background(), Key(ClassAPI, "2.2.2.2"), policy).Allowed)
	assert.True(t, limiter.Check(context.Background(), Key(ClassAuth, "1.1.1.1"), policy).Allowed)
}

func TestConcurrentChecksNeverOveradmit(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())
	policy := Policy{Name: "test", Window: time.Hour, MaxRequests: 50}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Check(context.Background(), "shared", policy).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, admitted)
}

func TestFailurePolicy(t *testing.T) {
	policy := Policy{Name: "test", Window: time.Minute, MaxRequests: 10, RejectionMessage: "slow down"}

	t.Run("fail open admits", func(t *testing.T) {
		rec := &countingRecorder{}
		limiter := NewLimiter(failingStore{}, WithRecorder(rec))
		result := limiter.Check(context.Background(), "k", policy)
		assert.True(t, result.Allowed)
		assert.True(t, result.Degraded)
		assert.Equal(t, 10, result.Remaining)
		assert.Equal(t, 1, rec.degraded)
	})

	t.Run("fail closed rejects", func(t *testing.T) {
		limiter := NewLimiter(failingStore{}, WithFailurePolicy(FailClosed))
		result := limiter.Check(context.Background(), "k", policy)
		assert.False(t, result.Allowed)
		assert.True(t, result.Degraded)
		assert.NotEmpty(t, result.Message)
	})
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		resetAt time.Time
		want    int64
	}{
		{"whole seconds", now.Add(30 * time.Second), 30},
		{"rounds up", now.Add(1500 * time.Millisecond), 2},
		{"already passed", now.Add(-time.Second), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Result{ResetAt: tt.resetAt}.RetryAfter(now))
		})
	}
}

func TestRecorderCountsDecisions(t *testing.T) {
	rec := &countingRecorder{}
	limiter := NewLimiter(NewMemoryStore(), WithRecorder(rec))
	policy := Policy{Name: "test", Window: time.Minute, MaxRequests: 2}

	for i := 0; i < 3; i++ {
		limiter.Check(context.Background(), "k", policy)
	}
	assert.Equal(t, 2, rec.allowed)
	assert.Equal(t, 1, rec.rejected)
}
