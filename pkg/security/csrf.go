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
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/plindsay/loomguard/pkg/errors"
)

const (
	// CSRFCookieName holds the token on the client.
	CSRFCookieName = "csrf-token"
	// CSRFHeaderName carries the echoed token on state-changing requests.
	CSRFHeaderName = "x-csrf-token"
	// CSRFTokenTTL is the cookie lifetime.
	CSRFTokenTTL = 24 * time.Hour

	csrfTokenBytes = 32
)

// DefaultCSRFExemptPaths are prefixes that carry their own authenticity proof.
var DefaultCSRFExemptPaths = []string{"/api/auth/callback", "/api/webhooks/"}

// CSRFGuard implements double-submit cookie protection.
type CSRFGuard struct {
	secure bool
	exempt []string
	observer
}

// NewCSRFGuard creates a guard. secure marks the cookie Secure, which production
// deployments require. Nil exemptPaths selects DefaultCSRFExemptPaths.
func NewCSRFGuard(secure bool, exemptPaths []string, opts ...Option) *CSRFGuard {
	if exemptPaths == nil {
		exemptPaths = DefaultCSRFExemptPaths
	}
	return &CSRFGuard{secure: secure, exempt: exemptPaths, observer: newObserver(opts)}
}

// Issue returns a new 64 character hex token.
func (g *CSRFGuard) Issue() (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Validate reports whether the cookie and header tokens are both present,
// well formed and equal. The comparison is constant time.
func (g *CSRFGuard) Validate(cookieToken, headerToken string) bool {
	if !isHexToken(cookieToken) || !isHexToken(headerToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) == 1
}

func isHexToken(s string) bool {
	if len(s) != 2*csrfTokenBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// RequiresProtection reports whether method changes state.
func RequiresProtection(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// IsExempt reports whether path is under an exempt prefix.
func (g *CSRFGuard) IsExempt(path string) bool {
	for _, p := range g.exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// SetToken writes the token cookie and mirrors it in the response header.
func (g *CSRFGuard) SetToken(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(CSRFTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(CSRFHeaderName, token)
}

// Rotate issues and sets a fresh token.
func (g *CSRFGuard) Rotate(w http.ResponseWriter) (string, error) {
	token, err := g.Issue()
	if err != nil {
		return "", err
	}
	g.SetToken(w, token)
	return token, nil
}

// TokenFromRequest returns the cookie token, or "".
func TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// serve applies the guard and reports whether the request may continue.
func (g *CSRFGuard) serve(w http.ResponseWriter, r *http.Request) bool {
	cookieToken := TokenFromRequest(r)

	if !RequiresProtection(r.Method) {
		if cookieToken == "" {
			if _, err := g.Rotate(w); err != nil {
				g.logger.ErrorContext(r.Context(), "failed to issue csrf token", "error", err)
			}
		}
		return true
	}
	if g.IsExempt(r.URL.Path) {
		return true
	}

	headerToken := r.Header.Get(CSRFHeaderName)
	if g.Validate(cookieToken, headerToken) {
		return true
	}

	reason := "mismatch"
	if cookieToken == "" || headerToken == "" {
		reason = "missing"
	}
	g.recorder.RecordCSRFRejection(r.Context(), reason)
	g.securityEvent(r.Context(), "csrf_validation_failed", "state-changing request without a matching csrf token",
		"method", r.Method,
		"path", r.URL.Path,
		"reason", reason,
	)
	apperrors.WriteJSON(w, apperrors.New(apperrors.CSRFValidationFailed, "Invalid CSRF token"))
	return false
}

// Middleware issues tokens on safe requests and rejects protected requests
// whose header token does not match the cookie.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.serve(w, r) {
			next.ServeHTTP(w, r)
		}
	})
}

// TokenHandler issues a fresh token and returns it as JSON.
func (g *CSRFGuard) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := g.Rotate(w)
		if err != nil {
			apperrors.WriteJSON(w, apperrors.NewInternalError("Failed to issue CSRF token", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"success":true,"token":%q}`+"\n", token)
	})
}
