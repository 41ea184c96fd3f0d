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

package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Route classes.
const (
	ClassAuth         = "auth"
	ClassMFA          = "mfa"
	ClassAPI          = "api"
	ClassBooking      = "booking"
	ClassFileUpload   = "file_upload"
	ClassFileDownload = "file_download"
	ClassFileModify   = "file_modify"
	ClassFileDelete   = "file_delete"
	ClassAdmin        = "admin"
)

// Subscription tiers used for upload limits.
const (
	TierFree       = "free"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

var policies = map[string]Policy{
	ClassAuth: {
		Name:             ClassAuth,
		Window:           15 * time.Minute,
		MaxRequests:      5,
		RejectionMessage: "Too many authentication attempts, please try again later.",
	},
	ClassMFA: {
		Name:             ClassMFA,
		Window:           15 * time.Minute,
		MaxRequests:      5,
		RejectionMessage: "Too many verification attempts, please try again later.",
	},
	ClassAPI: {
		Name:             ClassAPI,
		Window:           time.Minute,
		MaxRequests:      100,
		RejectionMessage: "Too many requests, please slow down.",
	},
	ClassBooking: {
		Name:             ClassBooking,
		Window:           time.Minute,
		MaxRequests:      10,
		RejectionMessage: "Too many booking requests, please wait before trying again.",
	},
	ClassFileDownload: {
		Name:             ClassFileDownload,
		Window:           time.Minute,
		MaxRequests:      100,
		RejectionMessage: "Too many file downloads, please wait before trying again.",
	},
	ClassFileModify: {
		Name:             ClassFileModify,
		Window:           time.Minute,
		MaxRequests:      30,
		RejectionMessage: "Too many file updates, please wait before trying again.",
	},
	ClassFileDelete: {
		Name:             ClassFileDelete,
		Window:           time.Minute,
		MaxRequests:      10,
		RejectionMessage: "Too many file deletions, please wait before trying again.",
	},
	ClassAdmin: {
		Name:             ClassAdmin,
		Window:           time.Minute,
		MaxRequests:      60,
		RejectionMessage: "Too many admin requests, please wait before trying again.",
	},
}

var uploadLimits = map[string]int{
	TierFree:       20,
	TierPremium:    100,
	TierEnterprise: 500,
}

// PolicyFor returns the policy registered for a route class.
func PolicyFor(class string) (Policy, bool) {
	p, ok := policies[class]
	return p, ok
}

// UploadPolicy returns the hourly upload policy for a subscription tier.
// Unknown tiers get the free allowance.
func UploadPolicy(tier string) Policy {
	limit, ok := uploadLimits[tier]
	if !ok {
		tier, limit = TierFree, uploadLimits[TierFree]
	}
	return Policy{
		Name:             ClassFileUpload + ":" + tier,
		Window:           time.Hour,
		MaxRequests:      limit,
		RejectionMessage: "Upload limit reached for your plan, please try again later.",
	}
}

// Classify maps a request to its route class. It returns false for requests
// that are not rate limited by the pipeline (non-API paths and uploads, which
// are limited per user by the upload handler).
func Classify(r *http.Request) (string, bool) {
	path := r.URL.Path
	switch {
	case !strings.HasPrefix(path, "/api/"):
		return "", false
	case strings.HasPrefix(path, "/api/auth/mfa"):
		return ClassMFA, true
	case strings.HasPrefix(path, "/api/auth/"):
		return ClassAuth, true
	case strings.HasPrefix(path, "/api/bookings"):
		return ClassBooking, true
	case path == "/api/files/upload":
		return "", false
	case strings.HasPrefix(path, "/api/files"):
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			return ClassFileDownload, true
		case http.MethodDelete:
			return ClassFileDelete, true
		default:
			return ClassFileModify, true
		}
	case strings.HasPrefix(path, "/api/admin/"):
		// The admin gate limits per admin user.
		return "", false
	default:
		return ClassAPI, true
	}
}
