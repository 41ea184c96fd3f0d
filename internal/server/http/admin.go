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

package http

import (
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plindsay/loomguard/internal/auditlog"
	"github.com/plindsay/loomguard/pkg/admin"
	"github.com/plindsay/loomguard/pkg/auth"
	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/ratelimit"
)

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func (h *handlers) adminRoutes(r chi.Router) {
	gate := h.deps.Gate
	policy, _ := ratelimit.PolicyFor(ratelimit.ClassAdmin)
	guarded := func(opts admin.Options) func(http.Handler) http.Handler {
		opts.RateLimit = &policy
		return gate.Middleware(opts)
	}

	if h.deps.Blocked != nil {
		r.With(guarded(admin.Options{AuditAction: "list_blocked_ips", Resource: "blocked_ips"})).
			Get("/security/blocked-ips", h.listBlockedIPs)
		r.With(guarded(admin.Options{AuditAction: "unblock_ip", Resource: "blocked_ips"})).
			Delete("/security/blocked-ips/{ip}", h.unblockIP)
	}
	if h.deps.Limiter != nil {
		r.With(guarded(admin.Options{AuditAction: "reset_rate_limit", Resource: "rate_limits"})).
			Delete("/rate-limits/{scope}/{identity}", h.resetRateLimit)
	}
	if h.deps.ScanCache != nil {
		r.With(guarded(admin.Options{AuditAction: "purge_scan_cache", Resource: "scan_cache"})).
			Delete("/scan-cache/{hash}", h.purgeScanCache)
	}
	if h.deps.Sweeper != nil {
		r.With(guarded(admin.Options{
			AuditAction:       "system_cleanup",
			Resource:          "maintenance",
			RequireSuperAdmin: true,
			Destructive:       true,
			MaintenanceWindow: h.deps.MaintenanceWindow,
		})).Post("/maintenance/cleanup", h.cleanup)
	}
	if h.deps.AuditLog != nil {
		r.With(guarded(admin.Options{AuditAction: "list_audit_events", Resource: "audit_events", RequireSuperAdmin: true})).
			Get("/audit-events", h.listAuditEvents)
	}
}

func (h *handlers) listBlockedIPs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Blocked.List(r.Context())
	if err != nil {
		h.fail(w, r, apperrors.NewInternalError("Failed to list blocked IPs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blockedIps": entries, "count": len(entries)})
}

func (h *handlers) unblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		apperrors.WriteJSON(w, apperrors.NewValidationError("Invalid IP address", ip))
		return
	}
	if err := h.deps.Blocked.Remove(r.Context(), ip); err != nil {
		h.fail(w, r, apperrors.NewInternalError("Failed to unblock IP", err))
		return
	}
	h.deps.Logger.Info(r.Context(), "ip unblocked", "ip", ip, "actor_id", actorID(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ip": ip})
}

func (h *handlers) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	scope, identity := chi.URLParam(r, "scope"), chi.URLParam(r, "identity")
	if scope == "" || identity == "" {
		apperrors.WriteJSON(w, apperrors.NewValidationError("Scope and identity are required"))
		return
	}
	key := ratelimit.Key(scope, identity)
	if err := h.deps.Limiter.Reset(r.Context(), key); err != nil {
		h.fail(w, r, apperrors.NewInternalError("Failed to reset rate limit", err))
		return
	}
	h.deps.Logger.Info(r.Context(), "rate limit reset", "key", key, "actor_id", actorID(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": key})
}

func (h *handlers) purgeScanCache(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !contentHashPattern.MatchString(hash) {
		apperrors.WriteJSON(w, apperrors.NewValidationError("Invalid content hash", hash))
		return
	}
	deleted, err := h.deps.ScanCache.Delete(r.Context(), hash)
	if err != nil {
		h.fail(w, r, apperrors.NewInternalError("Failed to purge scan cache entry", err))
		return
	}
	if !deleted {
		apperrors.WriteJSON(w, apperrors.NewNotFoundError("scan cache entry", hash))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "contentHash": hash})
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	reports, err := h.deps.Sweeper.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, apperrors.NewInternalError("Cleanup failed", err))
		return
	}
	override := false
	if d, ok := admin.DecisionFromContext(r.Context()); ok {
		override = d.EmergencyOverride
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": reports, "emergencyOverride": override})
}

func (h *handlers) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := auditlog.Query{
		ActorID:    r.URL.Query().Get("actor"),
		DeniedOnly: r.URL.Query().Get("denied") == "true",
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		q.Limit = limit
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			apperrors.WriteJSON(w, apperrors.NewValidationError("Invalid since timestamp", since))
			return
		}
		q.Since = t
	}

	events, err := h.deps.AuditLog.Recent(r.Context(), q)
	if err != nil {
		h.fail(w, r, apperrors.NewInternalError("Failed to list audit events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func actorID(r *http.Request) string {
	if u, ok := auth.UserFromContext(r.Context()); ok {
		return u.ID
	}
	return ""
}
