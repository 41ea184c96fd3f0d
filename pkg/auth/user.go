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

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Roles.
const (
	RoleUser       = "user"
	RoleCoach      = "coach"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleCoach, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// User is the authenticated principal of a request.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Profile is the stored account record consulted for role and plan decisions.
type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
	Tier     string `json:"tier"`
	Active   bool   `json:"isActive"`
}

// IsAdmin reports an active admin or super admin.
func (p *Profile) IsAdmin() bool {
	return p != nil && p.Active && (p.Role == RoleAdmin || p.Role == RoleSuperAdmin)
}

// HashSecret bcrypt-hashes a shared secret such as the emergency override.
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

// VerifySecret reports whether secret matches hash. An empty hash never matches.
func VerifySecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
