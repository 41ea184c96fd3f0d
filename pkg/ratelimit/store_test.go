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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _, err := store.Increment(ctx, "short", time.Minute, now)
	require.NoError(t, err)
	_, _, err = store.Increment(ctx, "long", time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	removed, err := store.Sweep(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, _, err := store.Increment(ctx, "k", time.Minute, now)
		require.NoError(t, err)
	}
	require.NoError(t, store.Reset(ctx, "k"))

	count, _, err := store.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func TestRedisStoreIncrement(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	count, resetAt, err := store.Increment(ctx, "auth:1.2.3.4", 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, now.Add(15*time.Minute), resetAt, time.Second)

	count, _, err = store.Increment(ctx, "auth:1.2.3.4", 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.True(t, mr.Exists("test:auth:1.2.3.4"))
	assert.Equal(t, 15*time.Minute, mr.TTL("test:auth:1.2.3.4"))
}

func TestRedisStoreResetAtIsStableWithinWindow(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	opened := time.UnixMilli(time.Now().UnixMilli())

	_, first, err := store.Increment(ctx, "auth:1.2.3.4", 15*time.Minute, opened)
	require.NoError(t, err)
	assert.True(t, first.Equal(opened.Add(15*time.Minute)))

	for _, later := range []time.Duration{1234 * time.Millisecond, 7 * time.Minute, 14*time.Minute + 59*time.Second} {
		_, resetAt, err := store.Increment(ctx, "auth:1.2.3.4", 15*time.Minute, opened.Add(later))
		require.NoError(t, err)
		assert.True(t, first.Equal(resetAt), "reset moved to %s after %s", resetAt, later)
	}
}

func TestRedisStoreWindowExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.Increment(ctx, "k", time.Minute, time.Now())
		require.NoError(t, err)
	}
	mr.FastForward(time.Minute + time.Second)

	count, _, err := store.Increment(ctx, "k", time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisStoreReset(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, _, err := store.Increment(ctx, "k", time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx, "k"))
	assert.False(t, mr.Exists("test:k"))
}

func TestRedisStoreFailureFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "")

	limiter := NewLimiter(store)
	result := limiter.Check(context.Background(), "k", Policy{Name: "test", Window: time.Minute, MaxRequests: 1})
	assert.True(t, result.Allowed)
	assert.True(t, result.Degraded)
}
