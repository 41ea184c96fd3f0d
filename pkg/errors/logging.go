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

package errors

import (
	"context"
	stderrors "errors"
	"log/slog"
)

// Level maps err to the slog level it should be logged at. Rejections the
// pipeline is expected to produce log at warn so that only genuine faults
// reach error.
func Level(err error) slog.Level {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return slog.LevelError
	}

	switch appErr.Category {
	case CategoryPolicyRejection:
		if appErr.Code == NotFoundError {
			return slog.LevelInfo
		}
		return slog.LevelWarn
	case CategoryAuthorization, CategoryScanProvider:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Attrs returns the structured fields describing err.
func Attrs(err error) []any {
	var ae *AppError
	if !stderrors.As(err, &ae) {
		return []any{"error_type", "standard_error", "error_message", err.Error()}
	}

	attrs := []any{
		"error_type", "app_error",
		"error_code", string(ae.Code),
		"error_category", string(ae.Category),
		"error_message", ae.Message,
	}
	if ae.Details != "" {
		attrs = append(attrs, "error_details", ae.Details)
	}
	for key, value := range ae.Metadata {
		attrs = append(attrs, "metadata_"+key, value)
	}
	if ae.Cause != nil {
		attrs = append(attrs, "underlying_cause", ae.Cause.Error())
	}
	return attrs
}

// LogError writes err to logger at the level chosen by Level. Nil errors and
// nil loggers are ignored.
func LogError(ctx context.Context, logger *slog.Logger, err error, msg string, args ...any) {
	if err == nil || logger == nil {
		return
	}
	logger.Log(ctx, Level(err), msg, append(Attrs(err), args...)...)
}
