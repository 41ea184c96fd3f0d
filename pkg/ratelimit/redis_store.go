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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript opens a window on the first hit and returns the count and
// the window end in unix milliseconds. The end is stored with the counter so
// every hit in the window reports the same reset time. A key left without an
// expiry is given one so a lost PEXPIRE cannot pin a window open forever.
var incrementScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
local stored = redis.call('HGET', KEYS[1], 'reset')
local reset
if count == 1 or not stored then
  reset = now + window
  redis.call('HSET', KEYS[1], 'reset', string.format('%d', reset))
  redis.call('PEXPIRE', KEYS[1], window)
else
  reset = tonumber(stored)
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], math.max(reset - now, 1))
  end
end
return {count, reset}
`)

// RedisStore keeps counters in Redis so that every instance shares the same windows.
// Windows expire through key TTLs, so Sweep has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds(), now.UnixMilli()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment %q: %w", key, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis increment %q: unexpected reply length %d", key, len(res))
	}
	return res[0], time.UnixMilli(res[1]), nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Sweep implements Store.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
