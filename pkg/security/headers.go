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
	"path"
	"strings"
)

const (
	productionCSP = "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: blob: https:; " +
		"font-src 'self' data:; " +
		"connect-src 'self' https:; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'; " +
		"object-src 'none'; " +
		"upgrade-insecure-requests"

	developmentCSP = "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline' 'unsafe-eval'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: blob: https: http://localhost:*; " +
		"font-src 'self' data:; " +
		"connect-src 'self' https: http://localhost:* ws://localhost:*; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'; " +
		"object-src 'none'"
)

// HeaderPolicy sets the fixed response security headers.
type HeaderPolicy struct {
	csp string
}

// NewHeaderPolicy selects the production or development CSP.
func NewHeaderPolicy(production bool) *HeaderPolicy {
	if production {
		return &HeaderPolicy{csp: productionCSP}
	}
	return &HeaderPolicy{csp: developmentCSP}
}

// CSP returns the Content-Security-Policy value in use.
func (p *HeaderPolicy) CSP() string { return p.csp }

// Apply sets the security headers on h. api adds the no-store and noindex
// directives used for API responses. Applying twice yields the same headers.
func (p *HeaderPolicy) Apply(h http.Header, api bool) {
	h.Set("Content-Security-Policy", p.csp)
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=(), usb=()")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Set("Cross-Origin-Embedder-Policy", "credentialless")
	if api {
		h.Set("Cache-Control", "no-store, max-age=0")
		h.Set("X-Robots-Tag", "noindex, nofollow")
	}
}

var staticPrefixes = []string{"/_next/static/", "/_next/image", "/static/", "/assets/"}

var staticExtensions = map[string]bool{
	".css": true, ".js": true, ".map": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".ico": true, ".webp": true, ".avif": true,
	".woff": true, ".woff2": true, ".ttf": true, ".txt": true, ".xml": true,
}

// IsStaticAsset reports paths whose GET and HEAD requests skip the pipeline
// once the client has passed the IP checks. API paths are never static.
func IsStaticAsset(p string) bool {
	if strings.HasPrefix(p, "/api/") {
		return false
	}
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}
