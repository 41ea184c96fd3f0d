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

// Package profiles stores account profiles and answers role lookups.
package profiles

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/pkg/auth"
	"github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/ratelimit"
)

// NewProfile is the input to Create.
type NewProfile struct {
	Email    string `validate:"required,email"`
	FullName string `validate:"required"`
	Role     string `validate:"required,oneof=user coach admin super_admin"`
	Tier     string `validate:"omitempty,oneof=free premium enterprise"`
}

// ListFilter narrows List.
type ListFilter struct {
	Role     string
	Active   *bool
	PageSize int
}

// Service reads and writes the profiles table.
type Service struct {
	logger   *log.Logger
	db       *sql.DB
	validate *validator.Validate
}

// NewService creates a profile service.
func NewService(logger *log.Logger, db *sql.DB) *Service {
	return &Service{
		logger:   logger,
		db:       db,
		validate: validator.New(),
	}
}

// Create stores a new active profile.
func (s *Service) Create(ctx context.Context, req NewProfile) (*auth.Profile, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("invalid profile", err.Error())
	}
	if req.Tier == "" {
		req.Tier = ratelimit.TierFree
	}

	var existingID string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM profiles WHERE email = ?", req.Email).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.NewInternalError("failed to check for existing profile", err)
	}
	if existingID != "" {
		return nil, errors.NewValidationError("a profile with this email already exists", req.Email)
	}

	profile := &auth.Profile{
		ID:       uuid.New().String(),
		Email:    req.Email,
		FullName: req.FullName,
		Role:     req.Role,
		Tier:     req.Tier,
		Active:   true,
	}

	op := s.logger.StartDatabaseOperation(ctx, "insert", "profiles", "profile_id", profile.ID)
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO profiles (id, email, full_name, role, tier, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		profile.ID, profile.Email, profile.FullName, profile.Role, profile.Tier, profile.Active, now, now)
	if err != nil {
		op.Fail(ctx, err)
		return nil, errors.NewInternalError("failed to create profile", err)
	}
	rows, _ := res.RowsAffected()
	op.Complete(ctx, rows)

	s.logger.Info(ctx, "profile created", "profile_id", profile.ID, "email", profile.Email, "role", profile.Role)
	return profile, nil
}

// Profile returns the profile with id. It satisfies the admin gate's role lookup.
func (s *Service) Profile(ctx context.Context, id string) (*auth.Profile, error) {
	if id == "" {
		return nil, errors.NewValidationError("profile ID is required")
	}
	return s.scanOne(ctx, "SELECT id, email, full_name, role, tier, is_active FROM profiles WHERE id = ?", id)
}

// ByEmail returns the profile with email.
func (s *Service) ByEmail(ctx context.Context, email string) (*auth.Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.NewValidationError("email is required")
	}
	return s.scanOne(ctx, "SELECT id, email, full_name, role, tier, is_active FROM profiles WHERE email = ?", email)
}

func (s *Service) scanOne(ctx context.Context, query, arg string) (*auth.Profile, error) {
	var p auth.Profile
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&p.ID, &p.Email, &p.FullName, &p.Role, &p.Tier, &p.Active)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("profile", arg)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to get profile", err)
	}
	return &p, nil
}

// Tier returns the subscription tier of a user, or the free tier when the
// user has no profile.
func (s *Service) Tier(ctx context.Context, userID string) string {
	p, err := s.Profile(ctx, userID)
	if err != nil || p.Tier == "" {
		return ratelimit.TierFree
	}
	return p.Tier
}

// SetRole changes the role of a profile.
func (s *Service) SetRole(ctx context.Context, id, role string) error {
	if !auth.ValidRole(role) {
		return errors.NewValidationError("unknown role", role)
	}
	return s.update(ctx, id, "role = ?", role)
}

// SetActive enables or disables a profile.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, id, "is_active = ?", active)
}

func (s *Service) update(ctx context.Context, id, assignment string, value any) error {
	op := s.logger.StartDatabaseOperation(ctx, "update", "profiles", "profile_id", id)
	res, err := s.db.ExecContext(ctx, "UPDATE profiles SET "+assignment+", updated_at = ? WHERE id = ?",
		value, time.Now().UnixMilli(), id)
	if err != nil {
		op.Fail(ctx, err)
		return errors.NewInternalError("failed to update profile", err)
	}
	rows, _ := res.RowsAffected()
	op.Complete(ctx, rows)
	if rows == 0 {
		return errors.NewNotFoundError("profile", id)
	}
	return nil
}

// List returns profiles matching filter, ordered by email.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*auth.Profile, error) {
	query := "SELECT id, email, full_name, role, tier, is_active FROM profiles"
	var args []interface{}
	var conditions []string

	if filter.Active != nil {
		conditions = append(conditions, "is_active = ?")
		args = append(args, *filter.Active)
	}
	if filter.Role != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, filter.Role)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	query += " ORDER BY email LIMIT ?"
	args = append(args, pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternalError("failed to list profiles", err)
	}
	defer rows.Close()

	var out []*auth.Profile
	for rows.Next() {
		var p auth.Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.FullName, &p.Role, &p.Tier, &p.Active); err != nil {
			return nil, errors.NewInternalError("failed to scan profile row", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to list profiles", err)
	}
	return out, nil
}
