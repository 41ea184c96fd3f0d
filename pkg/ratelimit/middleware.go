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
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// SetHeaders writes the X-RateLimit-* headers for result.
func SetHeaders(h http.Header, result Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// WriteRejection writes the 429 response for a rejected result.
func WriteRejection(w http.ResponseWriter, result Result, now time.Time) {
	retryAfter := result.RetryAfter(now)
	SetHeaders(w.Header(), result)
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	message := result.Message
	if message == "" {
		message = "Too many requests"
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    false,
		"error":      message,
		"retryAfter": retryAfter,
	})
}

// Middleware limits requests by client identity using Classify to pick the policy.
func (l *Limiter) Middleware(resolver *IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, ok := Classify(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			policy, ok := PolicyFor(class)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result := l.Check(r.Context(), Key(class, resolver.ClientIP(r)), policy)
			if !result.Allowed {
				WriteRejection(w, result, l.now())
				return
			}

			SetHeaders(w.Header(), result)
			next.ServeHTTP(w, r)
		})
	}
}
