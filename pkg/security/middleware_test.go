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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plindsay/loomguard/pkg/ratelimit"
)

type pipelineFixture struct {
	handler    http.Handler
	blocked    *MemoryIPSet
	suspicious *MemoryIPSet
	recorder   *recorderStub
	csrf       *CSRFGuard
	reached    *int
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		blocked:    NewMemoryIPSet(time.Hour),
		suspicious: NewMemoryIPSet(time.Hour),
		recorder:   &recorderStub{},
		reached:    new(int),
	}
	f.csrf = NewCSRFGuard(false, nil)

	p, err := NewPipeline(PipelineConfig{
		Headers:         NewHeaderPolicy(true),
		CORS:            NewCORSPolicy([]string{"https://app.example.com"}, time.Hour),
		CSRF:            f.csrf,
		Blocked:         f.blocked,
		Suspicious:      f.suspicious,
		Honeypot:        NewHoneypot(nil),
		Limiter:         ratelimit.NewLimiter(ratelimit.NewMemoryStore()),
		BlockOnCritical: true,
	}, WithRecorder(f.recorder))
	require.NoError(t, err)

	f.handler = p.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*f.reached++
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *pipelineFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func request(method, target, ip string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = ip + ":41000"
	return req
}

func TestPipelineStaticAssetBypass(t *testing.T) {
	f := newPipelineFixture(t)
	rec := f.serve(request(http.MethodGet, "/_next/static/app.js", "192.0.2.1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get(CSRFHeaderName))
}

func TestPipelineStaticAssetStillChecksClient(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.serve(request(http.MethodGet, "/wp-admin/js/common.js", "203.0.113.20"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.serve(request(http.MethodGet, "/_next/static/app.js", "203.0.113.20"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "IP_BLOCKED", decodeBody(t, rec)["code"])

	assert.Equal(t, []string{"honeypot", "ip_blocked"}, f.recorder.blocked)
	assert.Equal(t, 0, *f.reached)
}

func TestPipelineStaticBypassIsReadOnly(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.serve(request(http.MethodPost, "/feedback.xml", "192.0.2.1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CSRF_VALIDATION_FAILED", decodeBody(t, rec)["code"])
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestPipelineAppliesHeaders(t *testing.T) {
	f := newPipelineFixture(t)
	rec := f.serve(request(http.MethodGet, "/api/sessions", "192.0.2.1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "noindex, nofollow", rec.Header().Get("X-Robots-Tag"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestPipelineHoneypotBlocksClient(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.serve(request(http.MethodGet, "/wp-login.php", "203.0.113.9"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.serve(request(http.MethodGet, "/api/sessions", "203.0.113.9"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "IP_BLOCKED", decodeBody(t, rec)["code"])

	rec = f.serve(request(http.MethodGet, "/api/sessions", "203.0.113.10"))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"honeypot", "ip_blocked"}, f.recorder.blocked)
	assert.Equal(t, 1, *f.reached)
}

func TestPipelineOrderCORSBeforeCSRF(t *testing.T) {
	f := newPipelineFixture(t)

	req := request(http.MethodOptions, "/api/sessions", "192.0.2.1")
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := f.serve(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CORS_ORIGIN_DISALLOWED", decodeBody(t, rec)["code"])

	rec = f.serve(request(http.MethodPost, "/api/sessions", "192.0.2.1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CSRF_VALIDATION_FAILED", decodeBody(t, rec)["code"])
	assert.Equal(t, 0, *f.reached)
}

func TestPipelineThreatMonitor(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.serve(request(http.MethodGet, "/api/search?q="+url.QueryEscape("1' OR '1'='1"), "198.51.100.4"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "THREAT_DETECTED", decodeBody(t, rec)["code"])

	ok, err := f.suspicious.Contains(context.Background(), "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, f.recorder.threats, "sql_injection")

	rec = f.serve(request(http.MethodGet, "/api/search?q=weekly+coaching+plan", "198.51.100.5"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineRateLimit(t *testing.T) {
	f := newPipelineFixture(t)
	token, err := f.csrf.Issue()
	require.NoError(t, err)

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := request(http.MethodPost, "/api/auth/signin", "1.2.3.4")
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: token})
		req.Header.Set(CSRFHeaderName, token)
		last = f.serve(req)
		if i < 5 {
			require.Equal(t, http.StatusOK, last.Code, "request %d", i+1)
		}
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	retry, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)
	assert.Equal(t, 5, *f.reached)
}

func TestNewPipelineRequiresBlockedSetForHoneypot(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{Honeypot: NewHoneypot(nil)})
	assert.Error(t, err)
}
