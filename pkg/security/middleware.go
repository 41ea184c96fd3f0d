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

// Package security provides the HTTP request security pipeline: IP reputation,
// CORS, CSRF, input threat monitoring, rate limiting and response security
// headers.
package security

import (
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/ratelimit"
	"github.com/plindsay/loomguard/pkg/threat"
)

// PipelineConfig wires the pipeline stages. Nil stages are skipped, except
// Identity which defaults to a resolver without trusted proxies.
type PipelineConfig struct {
	Headers    *HeaderPolicy
	CORS       *CORSPolicy
	CSRF       *CSRFGuard
	Blocked    IPSet
	Suspicious IPSet
	Honeypot   *Honeypot
	Limiter    *ratelimit.Limiter
	Identity   *ratelimit.IdentityResolver

	// BlockOnCritical rejects requests whose path or query carries a critical finding.
	BlockOnCritical bool
}

// Pipeline runs the security stages in front of a handler:
// headers, IP reputation, honeypot, CORS, CSRF, threat monitor, rate limit.
// Static assets bypass every stage.
type Pipeline struct {
	cfg PipelineConfig
	observer
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig, opts ...Option) (*Pipeline, error) {
	if cfg.Identity == nil {
		id, err := ratelimit.NewIdentityResolver(nil)
		if err != nil {
			return nil, err
		}
		cfg.Identity = id
	}
	if cfg.Honeypot != nil && cfg.Blocked == nil {
		return nil, errors.New("security: honeypot requires a blocked IP set")
	}
	return &Pipeline{cfg: cfg, observer: newObserver(opts)}, nil
}

// Handler wraps next with the pipeline.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		static := (r.Method == http.MethodGet || r.Method == http.MethodHead) && IsStaticAsset(path)
		ctx := r.Context()

		if p.cfg.Headers != nil && !static {
			p.cfg.Headers.Apply(w.Header(), strings.HasPrefix(path, "/api/"))
		}

		ip := p.cfg.Identity.ClientIP(r)

		if p.cfg.Blocked != nil && ip != ratelimit.UnknownClient {
			blocked, err := p.cfg.Blocked.Contains(ctx, ip)
			if err != nil {
				p.logger.WarnContext(ctx, "blocked ip lookup failed", "error", err, "ip", ip)
			}
			if blocked {
				p.recorder.RecordBlockedRequest(ctx, "ip_blocked")
				apperrors.WriteJSON(w, apperrors.New(apperrors.IPBlocked, "Access denied"))
				return
			}
		}

		if p.cfg.Honeypot != nil && p.cfg.Honeypot.Matches(path) {
			if ip != ratelimit.UnknownClient {
				if err := p.cfg.Blocked.Add(ctx, ip, "honeypot "+path); err != nil {
					p.logger.WarnContext(ctx, "failed to block honeypot client", "error", err, "ip", ip)
				}
			}
			p.recorder.RecordBlockedRequest(ctx, "honeypot")
			p.securityEvent(ctx, "honeypot_hit", "request for a honeypot path", "ip", ip, "path", path, "user_agent", r.UserAgent())
			http.NotFound(w, r)
			return
		}

		// Static assets skip everything after the IP checks.
		if static {
			next.ServeHTTP(w, r)
			return
		}

		if p.cfg.CORS != nil && !p.cfg.CORS.serve(w, r) {
			return
		}
		if p.cfg.CSRF != nil && !p.cfg.CSRF.serve(w, r) {
			return
		}
		if !p.monitor(w, r, ip) {
			return
		}

		if p.cfg.Limiter != nil {
			if class, ok := ratelimit.Classify(r); ok {
				if policy, ok := ratelimit.PolicyFor(class); ok {
					result := p.cfg.Limiter.Check(ctx, ratelimit.Key(class, ip), policy)
					if !result.Allowed {
						ratelimit.WriteRejection(w, result, p.cfg.Limiter.Now())
						return
					}
					ratelimit.SetHeaders(w.Header(), result)
				}
			}
		}

		next.ServeHTTP(w, r)
	})
}

// monitor classifies the path and query. Any finding marks the client
// suspicious; a critical finding rejects the request when configured to.
func (p *Pipeline) monitor(w http.ResponseWriter, r *http.Request, ip string) bool {
	findings := threat.Classify(r.URL.Path, "path")
	findings = append(findings, threat.ClassifyValues(r.URL.Query(), "query")...)
	if len(findings) == 0 {
		return true
	}

	ctx := r.Context()
	for _, f := range findings {
		p.recorder.RecordThreat(ctx, string(f.Category), string(f.Severity))
	}
	categories := threat.Categories(findings)
	if p.cfg.Suspicious != nil && ip != ratelimit.UnknownClient {
		if err := p.cfg.Suspicious.Add(ctx, ip, strings.Join(categories, ",")); err != nil {
			p.logger.WarnContext(ctx, "failed to mark suspicious client", "error", err, "ip", ip)
		}
	}
	p.securityEvent(ctx, "input_threat_detected", "request input matched attack signatures",
		"ip", ip,
		"method", r.Method,
		"path", r.URL.Path,
		"categories", categories,
		"findings", findings,
	)

	if p.cfg.BlockOnCritical && threat.HasCritical(findings) {
		apperrors.WriteJSON(w, apperrors.New(apperrors.ThreatDetected, "Request rejected").
			WithMetadata("categories", categories))
		return false
	}
	return true
}
