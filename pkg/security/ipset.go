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

package security

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// IPEntry is one member of an IPSet.
type IPEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IPSet is a set of client addresses whose members expire. Membership is
// best effort: a store error is returned to the caller, which decides
// whether to proceed.
type IPSet interface {
	Add(ctx context.Context, ip, reason string) error
	Contains(ctx context.Context, ip string) (bool, error)
	Remove(ctx context.Context, ip string) error
	List(ctx context.Context) ([]IPEntry, error)
}

// MemoryIPSet keeps members in process.
type MemoryIPSet struct {
	c *cache.Cache
}

// NewMemoryIPSet creates a set whose members expire after ttl.
func NewMemoryIPSet(ttl time.Duration) *MemoryIPSet {
	cleanup := ttl / 4
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &MemoryIPSet{c: cache.New(ttl, cleanup)}
}

// Add implements IPSet. Adding an existing member refreshes its expiry.
func (s *MemoryIPSet) Add(_ context.Context, ip, reason string) error {
	s.c.SetDefault(ip, reason)
	return nil
}

// Contains implements IPSet.
func (s *MemoryIPSet) Contains(_ context.Context, ip string) (bool, error) {
	_, ok := s.c.Get(ip)
	return ok, nil
}

// Remove implements IPSet.
func (s *MemoryIPSet) Remove(_ context.Context, ip string) error {
	s.c.Delete(ip)
	return nil
}

// List implements IPSet, ordered by address.
func (s *MemoryIPSet) List(context.Context) ([]IPEntry, error) {
	items := s.c.Items()
	out := make([]IPEntry, 0, len(items))
	for ip, item := range items {
		reason, _ := item.Object.(string)
		out = append(out, IPEntry{IP: ip, Reason: reason, ExpiresAt: time.Unix(0, item.Expiration)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

// RedisIPSet shares members between instances as keys with a TTL.
type RedisIPSet struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIPSet creates a set storing members under prefix.
func NewRedisIPSet(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIPSet {
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisIPSet{client: client, prefix: prefix, ttl: ttl}
}

// Add implements IPSet.
func (s *RedisIPSet) Add(ctx context.Context, ip, reason string) error {
	if err := s.client.Set(ctx, s.prefix+ip, reason, s.ttl).Err(); err != nil {
		return fmt.Errorf("ipset add %s: %w", ip, err)
	}
	return nil
}

// Contains implements IPSet.
func (s *RedisIPSet) Contains(ctx context.Context, ip string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+ip).Result()
	if err != nil {
		return false, fmt.Errorf("ipset lookup %s: %w", ip, err)
	}
	return n > 0, nil
}

// Remove implements IPSet.
func (s *RedisIPSet) Remove(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, s.prefix+ip).Err(); err != nil {
		return fmt.Errorf("ipset remove %s: %w", ip, err)
	}
	return nil
}

// List implements IPSet, ordered by address. Members that expire during the
// scan are skipped.
func (s *RedisIPSet) List(ctx context.Context) ([]IPEntry, error) {
	var out []IPEntry
	now := time.Now()
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		reason, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ipset list: %w", err)
		}
		ttl, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("ipset list: %w", err)
		}
		out = append(out, IPEntry{
			IP:        strings.TrimPrefix(key, s.prefix),
			Reason:    reason,
			ExpiresAt: now.Add(ttl),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ipset list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

// DefaultHoneypotPaths are paths no legitimate client of this service requests.
var DefaultHoneypotPaths = []string{
	"/wp-admin", "/wp-login.php", "/.env", "/.git/", "/phpmyadmin", "/xmlrpc.php", "/admin.php",
}

// Honeypot matches scanner probes.
type Honeypot struct {
	paths []string
}

// NewHoneypot creates a matcher. Nil paths selects DefaultHoneypotPaths.
func NewHoneypot(paths []string) *Honeypot {
	if paths == nil {
		paths = DefaultHoneypotPaths
	}
	h := &Honeypot{}
	for _, p := range paths {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			h.paths = append(h.paths, p)
		}
	}
	return h
}

// Matches reports whether path is a honeypot path or lies below one.
func (h *Honeypot) Matches(path string) bool {
	path = strings.ToLower(path)
	for _, p := range h.paths {
		if path == p || path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
