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
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plindsay/loomguard/internal/log"
	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

var tracing = telemetry.NewTracingHelper("loomguard/http")

// accessLog traces, logs and times every request.
func accessLog(logger *log.Logger, recorder Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.StartHTTPServerSpan(r.Context(), r.Method, r.URL.Path)
			defer span.End()

			start := time.Now()
			req := logger.StartRequest(ctx, r.Method, r.URL.Path,
				"request_id", middleware.GetReqID(ctx),
				"trace_id", telemetry.TraceIDFromContext(ctx),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(log.WithContext(ctx, logger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			req.Complete(ctx, status, int64(ww.BytesWritten()))
			telemetry.RecordHTTPStatus(span, status, http.StatusText(status))

			if recorder != nil {
				route := r.URL.Path
				if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				recorder.RecordHTTPRequest(ctx, time.Since(start), r.Method, route, status)
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// fail logs err at the level its category calls for and writes the JSON
// rejection.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.LogError(r.Context(), h.deps.Logger.Logger, err, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	)
	apperrors.WriteJSON(w, err)
}
