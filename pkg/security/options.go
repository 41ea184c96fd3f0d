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
	"log/slog"
)

// Recorder receives counts of pipeline rejections and findings.
type Recorder interface {
	RecordCSRFRejection(ctx context.Context, reason string)
	RecordCORSRejection(ctx context.Context)
	RecordThreat(ctx context.Context, category, severity string)
	RecordBlockedRequest(ctx context.Context, reason string)
}

type noopRecorder struct{}

func (noopRecorder) RecordCSRFRejection(context.Context, string)  {}
func (noopRecorder) RecordCORSRejection(context.Context)          {}
func (noopRecorder) RecordThreat(context.Context, string, string) {}
func (noopRecorder) RecordBlockedRequest(context.Context, string) {}

// observer carries the logger and recorder shared by the components.
type observer struct {
	logger   *slog.Logger
	recorder Recorder
}

func newObserver(opts []Option) observer {
	o := observer{logger: slog.Default(), recorder: noopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// securityEvent logs at warn with the attributes the log pipeline filters on.
func (o observer) securityEvent(ctx context.Context, eventType, description string, args ...any) {
	o.logger.WarnContext(ctx, "security event", append([]any{
		"event_type", eventType,
		"description", description,
		"security_event", true,
	}, args...)...)
}

// Option configures a security component.
type Option func(*observer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *observer) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *observer) {
		if r != nil {
			o.recorder = r
		}
	}
}
