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

// Package http assembles the HTTP surface of the service: the security
// pipeline, the upload endpoint and the admin maintenance routes.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plindsay/loomguard/internal/auditlog"
	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/internal/sweeper"
	"github.com/plindsay/loomguard/pkg/admin"
	"github.com/plindsay/loomguard/pkg/audit"
	"github.com/plindsay/loomguard/pkg/auth"
	"github.com/plindsay/loomguard/pkg/filescan"
	"github.com/plindsay/loomguard/pkg/ratelimit"
	"github.com/plindsay/loomguard/pkg/security"
	"github.com/plindsay/loomguard/pkg/threat"
)

// TierLookup returns the subscription tier that sizes a user's upload allowance.
type TierLookup interface {
	Tier(ctx context.Context, userID string) string
}

// ScanCache is the part of the scan repository the admin routes manage.
type ScanCache interface {
	Delete(ctx context.Context, contentHash string) (bool, error)
}

// AuditReader lists recent audit events.
type AuditReader interface {
	Recent(ctx context.Context, q auditlog.Query) ([]audit.Event, error)
}

// Sweeper runs cleanup jobs on demand.
type Sweeper interface {
	RunNow(ctx context.Context, names ...string) ([]sweeper.Report, error)
}

// Recorder receives one call per completed request.
type Recorder interface {
	RecordHTTPRequest(ctx context.Context, duration time.Duration, method, route string, status int)
}

// Dependencies are the collaborators the router is built from. Optional
// collaborators left nil disable the routes that need them.
type Dependencies struct {
	Logger        *log.Logger
	Pipeline      *security.Pipeline
	CSRF          *security.CSRFGuard
	Authenticator *auth.Authenticator
	Gate          *admin.Gate
	Scanner       *filescan.Scanner
	Sanitizer     *threat.Sanitizer
	Limiter       *ratelimit.Limiter
	Tiers         TierLookup
	Blocked       security.IPSet
	ScanCache     ScanCache
	AuditLog      AuditReader
	Sweeper       Sweeper
	Recorder      Recorder
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	MaxUploadBytes int64
	// MaintenanceWindow restricts the cleanup route.
	MaintenanceWindow *admin.Window
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Sanitizer == nil {
		deps.Sanitizer = threat.NewSanitizer(threat.DefaultMaxLength)
	}
	if deps.Logger == nil {
		deps.Logger = log.New(nil)
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 25 << 20
	}
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(deps.Logger, deps.Recorder))
	if deps.Pipeline != nil {
		r.Use(deps.Pipeline.Handler)
	}
	if deps.Authenticator != nil {
		r.Use(deps.Authenticator.Middleware)
	}

	r.Get("/healthz", h.health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.CSRF != nil {
			r.Method(http.MethodGet, "/csrf-token", deps.CSRF.TokenHandler())
		}
		if deps.Scanner != nil {
			r.Post("/files/upload", h.upload)
		}
		if deps.Gate != nil {
			r.Route("/admin", h.adminRoutes)
		}
	})

	return r
}

// New creates the HTTP server for handler.
func New(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type handlers struct {
	deps Dependencies
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
