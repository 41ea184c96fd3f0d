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
	stderrors "errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/plindsay/loomguard/pkg/auth"
	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/filescan"
	"github.com/plindsay/loomguard/pkg/ratelimit"
	"github.com/plindsay/loomguard/pkg/threat"
)

const multipartMemory = 8 << 20

type uploadResponse struct {
	Success bool            `json:"success"`
	File    uploadedFile    `json:"file"`
	Scan    filescan.Result `json:"scan"`
}

type uploadedFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// upload scans a multipart "file" field. Callers are limited per user by the
// hourly allowance of their subscription tier.
func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.deps.Logger

	user, ok := auth.UserFromContext(ctx)
	if !ok {
		apperrors.WriteJSON(w, apperrors.NewAuthenticationError("Authentication required"))
		return
	}

	if h.deps.Limiter != nil {
		tier := ratelimit.TierFree
		if h.deps.Tiers != nil {
			tier = h.deps.Tiers.Tier(ctx, user.ID)
		}
		policy := ratelimit.UploadPolicy(tier)
		result := h.deps.Limiter.Check(ctx, ratelimit.Key(policy.Name, user.ID), policy)
		if !result.Allowed {
			ratelimit.WriteRejection(w, result, h.deps.Limiter.Now())
			return
		}
		ratelimit.SetHeaders(w.Header(), result)
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			appErr := apperrors.NewValidationError("File is too large")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			apperrors.WriteJSON(w, appErr)
			return
		}
		apperrors.WriteJSON(w, apperrors.NewValidationError("Invalid multipart form", err.Error()))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		apperrors.WriteJSON(w, apperrors.NewValidationError("Missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, apperrors.NewInternalError("Failed to read upload", err))
		return
	}
	if len(data) == 0 {
		apperrors.WriteJSON(w, apperrors.NewValidationError("File is empty"))
		return
	}

	filename := cleanFilename(h.deps.Sanitizer, header.Filename)
	if findings := threat.Classify(header.Filename, "filename"); threat.HasCritical(findings) {
		logger.NewSecurityLogger().SecurityEvent(ctx, "malicious_filename",
			"upload filename matched a critical signature",
			"user_id", user.ID,
			"categories", threat.Categories(findings),
		)
		apperrors.WriteJSON(w, apperrors.New(apperrors.ThreatDetected, "Filename contains a prohibited pattern"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}

	result := h.deps.Scanner.Scan(ctx, data, filename, mimeType, filescan.Options{})
	if !result.Safe {
		appErr := apperrors.New(apperrors.FileRejected, "File failed security scan")
		appErr.Details = result.ThreatName
		if appErr.Details == "" {
			appErr.Details = result.Details
		}
		logger.Warn(ctx, "upload rejected",
			"user_id", user.ID,
			"filename", filename,
			"content_hash", result.ContentHash,
			"provider", result.Provider,
			"threat", result.ThreatName,
			"quarantined", result.Quarantined,
		)
		apperrors.WriteJSON(w, appErr)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Success: true,
		File:    uploadedFile{Filename: filename, Size: int64(len(data)), MimeType: mimeType},
		Scan:    result,
	})
}

// cleanFilename strips directories and markup from a client-supplied name.
func cleanFilename(s *threat.Sanitizer, name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = s.SanitizePlain(name)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}
