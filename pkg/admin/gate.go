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

// Package admin guards admin-only operations. A Gate authenticates the
// caller, checks the admin role, applies an optional per-admin rate limit,
// demands confirmation headers for destructive operations, restricts
// maintenance actions to a time window and audits every decision.
package admin

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/plindsay/loomguard/pkg/audit"
	"github.com/plindsay/loomguard/pkg/auth"
	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/ratelimit"
)

// Request headers read by the gate.
const (
	HeaderConfirmDestructive = "x-confirm-destructive"
	HeaderOperationIntent    = "x-operation-intent"
	HeaderEmergencyOverride  = "x-emergency-override"
)

// DefaultHighRiskActions need the intent header on top of the destructive confirmation.
var DefaultHighRiskActions = []string{
	"delete_user",
	"bulk_delete",
	"system_cleanup",
	"database_reset",
	"purge_scan_cache",
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	CurrentUser(r *http.Request) (*auth.User, error)
}

// RoleLookup returns the stored profile of a user.
type RoleLookup interface {
	Profile(ctx context.Context, userID string) (*auth.Profile, error)
}

// Recorder receives one call per gate decision.
type Recorder interface {
	RecordAdminDecision(ctx context.Context, allowed bool, code string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAdminDecision(context.Context, bool, string) {}

// Config is the static gate configuration.
type Config struct {
	// SuperAdminEmails promote active admins with these emails to super admin.
	SuperAdminEmails []string
	// DestructivePaths are path prefixes treated as destructive for any method.
	DestructivePaths []string
	// HighRiskActions defaults to DefaultHighRiskActions when nil.
	HighRiskActions []string
	// OverrideHash is the bcrypt hash of the emergency override secret. Empty disables overrides.
	OverrideHash string
}

// Options describe one guarded operation.
type Options struct {
	RequireSuperAdmin bool
	// RateLimit, when set, limits the operation per admin user.
	RateLimit *ratelimit.Policy
	// AuditAction names the operation; it defaults to "<METHOD> <path>".
	AuditAction string
	// Resource defaults to the request path.
	Resource string
	// Destructive forces the confirmation header for non-DELETE methods.
	Destructive bool
	// HighRisk forces the intent header for actions outside Config.HighRiskActions.
	HighRisk bool
	// MaintenanceWindow restricts the operation to the given UTC hours.
	MaintenanceWindow *Window
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed   bool
	Status    int
	Code      string
	Message   string
	User      *auth.User
	Profile   *auth.Profile
	RiskLevel audit.RiskLevel
	// RateLimit is the limiter result when the operation is rate limited.
	RateLimit *ratelimit.Result
	// EmergencyOverride is set when the maintenance window was bypassed.
	EmergencyOverride bool
	// Err is the rejection for denied decisions.
	Err *apperrors.AppError
}

// Option configures a Gate.
type Option func(*Gate)

// WithLimiter sets the limiter used for Options.RateLimit.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gate) { g.limiter = l }
}

// WithIdentityResolver sets how the client address recorded in audit events is derived.
func WithIdentityResolver(ir *ratelimit.IdentityResolver) Option {
	return func(g *Gate) { g.identity = ir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate authorizes admin operations.
type Gate struct {
	authn            Authenticator
	roles            RoleLookup
	sink             audit.Sink
	limiter          *ratelimit.Limiter
	identity         *ratelimit.IdentityResolver
	logger           *slog.Logger
	recorder         Recorder
	now              func() time.Time
	overrideHash     string
	superAdminEmails map[string]struct{}
	destructivePaths []string
	highRiskActions  map[string]struct{}
}

// NewGate creates a Gate. A nil sink only logs audit events.
func NewGate(cfg Config, authn Authenticator, roles RoleLookup, sink audit.Sink, opts ...Option) *Gate {
	g := &Gate{
		authn:            authn,
		roles:            roles,
		sink:             sink,
		logger:           slog.Default(),
		recorder:         noopRecorder{},
		now:              time.Now,
		overrideHash:     cfg.OverrideHash,
		superAdminEmails: make(map[string]struct{}, len(cfg.SuperAdminEmails)),
		destructivePaths: cfg.DestructivePaths,
		highRiskActions:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sink == nil {
		g.sink = audit.NewLogSink(g.logger)
	}

	for _, email := range cfg.SuperAdminEmails {
		if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
			g.superAdminEmails[email] = struct{}{}
		}
	}
	actions := cfg.HighRiskActions
	if actions == nil {
		actions = DefaultHighRiskActions
	}
	for _, a := range actions {
		g.highRiskActions[a] = struct{}{}
	}
	return g
}

// IsSuperAdmin reports whether p is an active super admin, either by role or
// as an admin listed in the configured super-admin emails.
func (g *Gate) IsSuperAdmin(p *auth.Profile) bool {
	if !p.IsAdmin() {
		return false
	}
	if p.Role == auth.RoleSuperAdmin {
		return true
	}
	_, ok := g.superAdminEmails[strings.ToLower(p.Email)]
	return ok
}

// IsDestructive reports whether r is a destructive operation.
func (g *Gate) IsDestructive(r *http.Request, opts Options) bool {
	if opts.Destructive || r.Method == http.MethodDelete {
		return true
	}
	for _, prefix := range g.destructivePaths {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// IsHighRisk reports whether action needs the intent header.
func (g *Gate) IsHighRisk(action string, opts Options) bool {
	if opts.HighRisk {
		return true
	}
	_, ok := g.highRiskActions[action]
	return ok
}

// Authorize runs the checks in order and stops at the first failure. Every
// decision, allowed or denied, is audited.
func (g *Gate) Authorize(r *http.Request, opts Options) Decision {
	ctx := r.Context()
	action := opts.AuditAction
	if action == "" {
		action = r.Method + " " + r.URL.Path
	}
	resource := opts.Resource
	if resource == "" {
		resource = r.URL.Path
	}

	destructive := g.IsDestructive(r, opts)
	highRisk := g.IsHighRisk(action, opts)
	if highRisk {
		destructive = true
	}
	risk := assessRisk(opts, destructive, highRisk)

	ev := evaluation{gate: g, r: r, action: action, resource: resource}

	user, err := g.authn.CurrentUser(r)
	if err != nil || user == nil {
		d := deny(apperrors.NewAuthenticationError("Authentication required"), audit.Max(risk, audit.RiskHigh))
		return ev.finish(d, "reason", errReason(err))
	}
	ev.user = user

	profile, err := g.roles.Profile(ctx, user.ID)
	if err != nil {
		d := deny(apperrors.NewAuthorizationError(action, resource), audit.Max(risk, audit.RiskHigh))
		d.User = user
		return ev.finish(d, "reason", "profile lookup failed: "+err.Error())
	}
	if !profile.IsAdmin() {
		d := deny(apperrors.NewAuthorizationError(action, resource), audit.Max(risk, audit.RiskHigh))
		d.User, d.Profile = user, profile
		return ev.finish(d, "reason", "admin role required")
	}
	if opts.RequireSuperAdmin && !g.IsSuperAdmin(profile) {
		appErr := apperrors.NewAuthorizationError(action, resource)
		appErr.Message = "Super admin access required"
		d := deny(appErr, audit.Max(risk, audit.RiskHigh))
		d.User, d.Profile = user, profile
		return ev.finish(d, "reason", "super admin role required")
	}

	base := Decision{User: user, Profile: profile, RiskLevel: risk}

	if opts.RateLimit != nil && g.limiter != nil {
		key := ratelimit.Key(ratelimit.ClassAdmin+":"+opts.RateLimit.Name, user.ID)
		result := g.limiter.Check(ctx, key, *opts.RateLimit)
		base.RateLimit = &result
		if !result.Allowed {
			message := result.Message
			if message == "" {
				message = "Too many admin requests"
			}
			d := base.deny(apperrors.NewRateLimitError(message, result.Limit, result.RetryAfter(g.now())))
			return ev.finish(d, "rate_limit_policy", opts.RateLimit.Name)
		}
	}

	if destructive && !truthy(r.Header.Get(HeaderConfirmDestructive)) {
		appErr := apperrors.New(apperrors.ConfirmationRequired, "Destructive operation requires confirmation")
		appErr.Details = "Set the " + HeaderConfirmDestructive + " header to confirm"
		return ev.finish(base.deny(appErr))
	}
	if highRisk && !strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderOperationIntent)), "confirmed") {
		appErr := apperrors.New(apperrors.IntentConfirmationRequired, "High-risk operation requires confirmed intent")
		appErr.Details = "Set the " + HeaderOperationIntent + " header to 'confirmed'"
		return ev.finish(base.deny(appErr))
	}

	if w := opts.MaintenanceWindow; w != nil && !w.Contains(g.now()) {
		if !auth.VerifySecret(g.overrideHash, r.Header.Get(HeaderEmergencyOverride)) {
			appErr := apperrors.New(apperrors.OutsideMaintenanceWindow, "Operation is only permitted during the maintenance window")
			appErr.Details = "Allowed window: " + w.String()
			return ev.finish(base.deny(appErr), "maintenance_window", w.String())
		}
		base.EmergencyOverride = true
		base.RiskLevel = audit.RiskCritical
	}

	base.Allowed = true
	base.Status = http.StatusOK
	return ev.finish(base, "emergency_override", base.EmergencyOverride)
}

// assessRisk grades an operation from what it does, before any check runs.
func assessRisk(opts Options, destructive, highRisk bool) audit.RiskLevel {
	switch {
	case highRisk:
		return audit.RiskCritical
	case destructive || opts.MaintenanceWindow != nil:
		return audit.RiskHigh
	case opts.RequireSuperAdmin:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}

func deny(appErr *apperrors.AppError, risk audit.RiskLevel) Decision {
	return Decision{
		Status:    appErr.HTTPStatus,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		RiskLevel: risk,
		Err:       appErr,
	}
}

func (d Decision) deny(appErr *apperrors.AppError) Decision {
	out := deny(appErr, d.RiskLevel)
	out.User, out.Profile, out.RateLimit = d.User, d.Profile, d.RateLimit
	return out
}

// evaluation carries the request facts shared by the audit record of each outcome.
type evaluation struct {
	gate     *Gate
	r        *http.Request
	action   string
	resource string
	user     *auth.User
}

func (ev evaluation) finish(d Decision, extra ...any) Decision {
	g, ctx := ev.gate, ev.r.Context()

	metadata := map[string]any{
		"method":     ev.r.Method,
		"path":       ev.r.URL.Path,
		"ip":         ev.gate.clientIP(ev.r),
		"user_agent": ev.r.UserAgent(),
	}
	if d.Code != "" {
		metadata["code"] = d.Code
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			metadata[k] = extra[i+1]
		}
	}

	event := audit.Event{
		Action:    ev.action,
		Resource:  ev.resource,
		Metadata:  metadata,
		RiskLevel: d.RiskLevel,
		Allowed:   d.Allowed,
	}
	if ev.user != nil {
		event.ActorID, event.ActorEmail = ev.user.ID, ev.user.Email
	}
	event.Normalize(g.now())

	if !d.Allowed {
		g.logger.WarnContext(ctx, "security event",
			"event_type", "admin_access_denied",
			"description", d.Message,
			"security_event", true,
			"code", d.Code,
			"action", ev.action,
			"actor_id", event.ActorID,
			"risk_level", string(d.RiskLevel),
		)
	}
	if err := g.sink.LogAuditEvent(ctx, event); err != nil {
		g.logger.ErrorContext(ctx, "failed to write audit event",
			"error", err.Error(),
			"audit_id", event.ID,
			"action", ev.action,
		)
	}
	g.recorder.RecordAdminDecision(ctx, d.Allowed, d.Code)
	return d
}

func (g *Gate) clientIP(r *http.Request) string {
	if g.identity != nil {
		return g.identity.ClientIP(r)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// truthy accepts any non-empty value except the usual spellings of false.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no", "off":
		return false
	}
	return true
}

func errReason(err error) string {
	if err == nil {
		return "no user"
	}
	return err.Error()
}
