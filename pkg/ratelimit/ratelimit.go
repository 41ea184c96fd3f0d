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

// Package ratelimit implements fixed-window request limiting with pluggable
// counter stores.
//
// A window opens on the first request for a key and lasts for the policy's
// window duration. Every request inside the window increments the counter;
// once the counter exceeds the policy maximum, requests are rejected until the
// window resets. Counters live in a Store: MemoryStore for a single process,
// RedisStore when several instances must share limits.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// FailurePolicy decides what happens when the store cannot be reached.
type FailurePolicy int

const (
	// FailOpen admits requests while the store is failing.
	FailOpen FailurePolicy = iota
	// FailClosed rejects requests while the store is failing.
	FailClosed
)

// String returns the configuration name of the policy.
func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Policy is an immutable fixed-window limit for one route class.
type Policy struct {
	Name             string
	Window           time.Duration
	MaxRequests      int
	RejectionMessage string
}

// Result describes the limiter's decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Message   string
	// Degraded is set when the store failed and the failure policy decided the outcome.
	Degraded bool
}

// RetryAfter returns the whole seconds until the window resets, never less than one.
func (r Result) RetryAfter(now time.Time) int64 {
	secs := int64(r.ResetAt.Sub(now) / time.Second)
	if r.ResetAt.Sub(now)%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		return 1
	}
	return secs
}

// Recorder receives one call per limiter decision.
type Recorder interface {
	RecordRateLimitDecision(ctx context.Context, policy string, allowed, degraded bool)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailurePolicy sets the behaviour on store errors. The default is FailOpen.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.failure = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithRecorder sets the decision recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// Limiter applies policies against a Store.
type Limiter struct {
	store    Store
	failure  FailurePolicy
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		failure: FailOpen,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying counter store.
func (l *Limiter) Store() Store {
	return l.store
}

// Now returns the limiter's current time.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Check counts one request for key under policy and reports whether it may proceed.
func (l *Limiter) Check(ctx context.Context, key string, policy Policy) Result {
	now := l.now()

	count, resetAt, err := l.store.Increment(ctx, key, policy.Window, now)
	if err != nil {
		result := l.degraded(ctx, key, policy, now, err)
		l.record(ctx, policy, result)
		return result
	}

	result := Result{
		Allowed: count <= int64(policy.MaxRequests),
		Limit:   policy.MaxRequests,
		ResetAt: resetAt,
	}
	if result.Allowed {
		result.Remaining = policy.MaxRequests - int(count)
	} else {
		result.Message = policy.RejectionMessage
	}

	l.record(ctx, policy, result)
	return result
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Sweep removes expired counters from the store.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}

func (l *Limiter) degraded(ctx context.Context, key string, policy Policy, now time.Time, err error) Result {
	l.logger.ErrorContext(ctx, "rate limit store failure",
		"error", err,
		"key", key,
		"policy", policy.Name,
		"failure_policy", l.failure.String(),
	)

	if l.failure == FailClosed {
		return Result{
			Allowed:  false,
			Limit:    policy.MaxRequests,
			ResetAt:  now.Add(policy.Window),
			Message:  "Rate limiting is temporarily unavailable, please try again later.",
			Degraded: true,
		}
	}
	return Result{
		Allowed:   true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests,
		ResetAt:   now.Add(policy.Window),
		Degraded:  true,
	}
}

func (l *Limiter) record(ctx context.Context, policy Policy, result Result) {
	if l.recorder != nil {
		l.recorder.RecordRateLimitDecision(ctx, policy.Name, result.Allowed, result.Degraded)
	}
}
