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
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/plindsay/loomguard/pkg/errors"
)

var (
	corsAllowedMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsAllowedHeaders = strings.Join([]string{
		"Content-Type", "Authorization", "X-Requested-With", CSRFHeaderName,
		"x-confirm-destructive", "x-operation-intent", "x-emergency-override",
	}, ", ")
	corsExposedHeaders = strings.Join([]string{
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", CSRFHeaderName,
	}, ", ")
)

// NormalizeOrigin reduces an origin or URL to scheme://host[:port] in lower
// case. It returns "" for values that are not absolute http(s) URLs.
func NormalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// ResolveOrigins builds the trusted origin set from configured origins and the
// deployment's own base URL. Invalid entries are dropped.
func ResolveOrigins(configured []string, baseURL string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range append(append([]string(nil), configured...), baseURL) {
		n := NormalizeOrigin(o)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// CORSPolicy answers cross-origin requests from a fixed allow-list. It never
// emits a wildcard origin because responses carry credentials.
type CORSPolicy struct {
	origins map[string]bool
	maxAge  string
	observer
}

// NewCORSPolicy creates a policy over origins, which should come from ResolveOrigins.
func NewCORSPolicy(origins []string, maxAge time.Duration, opts ...Option) *CORSPolicy {
	p := &CORSPolicy{
		origins:  make(map[string]bool, len(origins)),
		maxAge:   strconv.Itoa(int(maxAge.Seconds())),
		observer: newObserver(opts),
	}
	for _, o := range origins {
		if n := NormalizeOrigin(o); n != "" {
			p.origins[n] = true
		}
	}
	return p
}

// Allowed reports whether origin is trusted.
func (p *CORSPolicy) Allowed(origin string) bool {
	n := NormalizeOrigin(origin)
	return n != "" && p.origins[n]
}

// HeadersFor returns the CORS response headers for origin. Untrusted origins
// get only Vary: Origin.
func (p *CORSPolicy) HeadersFor(origin string) http.Header {
	h := make(http.Header)
	h.Set("Vary", "Origin")
	if !p.Allowed(origin) {
		return h
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
	h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
	h.Set("Access-Control-Max-Age", p.maxAge)
	return h
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// serve writes CORS headers and answers preflights. It reports whether the
// request should continue down the chain.
func (p *CORSPolicy) serve(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	w.Header().Add("Vary", "Origin")
	if origin == "" {
		return true
	}

	for k, v := range p.HeadersFor(origin) {
		if k != "Vary" {
			w.Header()[k] = v
		}
	}

	if !isPreflight(r) {
		return true
	}
	if !p.Allowed(origin) {
		p.recorder.RecordCORSRejection(r.Context())
		p.securityEvent(r.Context(), "cors_origin_disallowed", "preflight from untrusted origin", "origin", origin, "path", r.URL.Path)
		apperrors.WriteJSON(w, apperrors.New(apperrors.CORSOriginDisallowed, "Origin not allowed"))
		return false
	}
	w.WriteHeader(http.StatusNoContent)
	return false
}

// Middleware applies the policy to every request and terminates preflights.
func (p *CORSPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.serve(w, r) {
			next.ServeHTTP(w, r)
		}
	})
}
