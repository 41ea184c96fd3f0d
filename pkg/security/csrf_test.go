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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorderStub struct {
	csrf    []string
	cors    int
	threats []string
	blocked []string
}

func (r *recorderStub) RecordCSRFRejection(_ context.Context, reason string) { r.csrf = append(r.csrf, reason) }
func (r *recorderStub) RecordCORSRejection(context.Context)                  { r.cors++ }
func (r *recorderStub) RecordThreat(_ context.Context, category, _ string) {
	r.threats = append(r.threats, category)
}
func (r *recorderStub) RecordBlockedRequest(_ context.Context, reason string) {
	r.blocked = append(r.blocked, reason)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestCSRFIssue(t *testing.T) {
	g := NewCSRFGuard(false, nil)
	a, err := g.Issue()
	require.NoError(t, err)
	b, err := g.Issue()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.True(t, isHexToken(a))
	assert.NotEqual(t, a, b)
}

func TestCSRFValidate(t *testing.T) {
	g := NewCSRFGuard(false, nil)
	token, err := g.Issue()
	require.NoError(t, err)
	other, err := g.Issue()
	require.NoError(t, err)

	tests := []struct {
		name           string
		cookie, header string
		want           bool
	}{
		{name: "matching tokens", cookie: token, header: token, want: true},
		{name: "upper case hex", cookie: strings.ToUpper(token), header: strings.ToUpper(token), want: true},
		{name: "different tokens", cookie: token, header: other},
		{name: "missing header", cookie: token},
		{name: "missing cookie", header: token},
		{name: "both missing"},
		{name: "too short", cookie: token[:63], header: token[:63]},
		{name: "not hex", cookie: strings.Repeat("z", 64), header: strings.Repeat("z", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Validate(tt.cookie, tt.header))
		})
	}
}

func TestRequiresProtection(t *testing.T) {
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		assert.True(t, RequiresProtection(m), m)
	}
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		assert.False(t, RequiresProtection(m), m)
	}
}

func TestCSRFSetTokenCookie(t *testing.T) {
	g := NewCSRFGuard(true, nil)
	rec := httptest.NewRecorder()
	token, err := g.Rotate(rec)
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CSRFCookieName, c.Name)
	assert.Equal(t, token, c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 86400, c.MaxAge)
	assert.Equal(t, token, rec.Header().Get(CSRFHeaderName))
}

func TestCSRFMiddleware(t *testing.T) {
	stub := &recorderStub{}
	g := NewCSRFGuard(false, nil, WithRecorder(stub))
	h := g.Middleware(okHandler())
	token, err := g.Issue()
	require.NoError(t, err)

	t.Run("safe request without cookie gets a token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, rec.Header().Get(CSRFHeaderName), 64)
	})

	t.Run("safe request with cookie keeps it", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get(CSRFHeaderName))
	})

	t.Run("matching post passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: token})
		req.Header.Set(CSRFHeaderName, token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/sessions/1", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "CSRF_VALIDATION_FAILED", body["code"])
		assert.NotEmpty(t, body["error"])
	})

	t.Run("exempt webhook passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	assert.Equal(t, []string{"missing"}, stub.csrf)
}

func TestCSRFTokenHandler(t *testing.T) {
	g := NewCSRFGuard(false, nil)
	rec := httptest.NewRecorder()
	g.TokenHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, rec.Header().Get(CSRFHeaderName), body["token"])
}
