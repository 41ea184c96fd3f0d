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

package admin

import (
	"context"
	"net/http"

	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/ratelimit"
)

type contextKey string

const decisionKey = contextKey("admin-decision")

// DecisionFromContext returns the allowed decision stored by Middleware.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionKey).(*Decision)
	return d, ok
}

// Middleware guards next with opts. Denials are written as JSON rejections;
// allowed requests carry their Decision in the context.
func (g *Gate) Middleware(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Authorize(r, opts)
			if d.RateLimit != nil {
				ratelimit.SetHeaders(w.Header(), *d.RateLimit)
			}
			if !d.Allowed {
				if d.RateLimit != nil && !d.RateLimit.Allowed {
					ratelimit.WriteRejection(w, *d.RateLimit, g.now())
					return
				}
				apperrors.WriteJSON(w, d.Err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey, &d)))
		})
	}
}
