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

package profiles_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plindsay/loomguard/internal/database"
	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/internal/profiles"
	"github.com/plindsay/loomguard/pkg/auth"
	"github.com/plindsay/loomguard/pkg/errors"
)

func newService(t *testing.T) *profiles.Service {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := log.New(&log.Config{Format: "json", Output: io.Discard})
	return profiles.NewService(logger, db)
}

func TestService_Create(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, profiles.NewProfile{
		Email:    " Coach@Example.com ",
		FullName: "Casey Coach",
		Role:     auth.RoleCoach,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "coach@example.com", p.Email)
	assert.Equal(t, "free", p.Tier)
	assert.True(t, p.Active)

	got, err := svc.Profile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	byEmail, err := svc.ByEmail(ctx, "COACH@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byEmail.ID)

	_, err = svc.Create(ctx, profiles.NewProfile{Email: "coach@example.com", FullName: "Dup", Role: auth.RoleUser})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestService_CreateValidation(t *testing.T) {
	svc := newService(t)

	tests := []struct {
		name string
		req  profiles.NewProfile
	}{
		{name: "missing email", req: profiles.NewProfile{FullName: "A", Role: auth.RoleUser}},
		{name: "bad email", req: profiles.NewProfile{Email: "nope", FullName: "A", Role: auth.RoleUser}},
		{name: "unknown role", req: profiles.NewProfile{Email: "a@example.com", FullName: "A", Role: "owner"}},
		{name: "unknown tier", req: profiles.NewProfile{Email: "a@example.com", FullName: "A", Role: auth.RoleUser, Tier: "gold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestService_NotFound(t *testing.T) {
	svc := newService(t)
	_, err := svc.Profile(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))

	err = svc.SetActive(context.Background(), "missing", false)
	assert.True(t, errors.IsNotFound(err))
}

func TestService_UpdatesAndTier(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, profiles.NewProfile{
		Email: "pat@example.com", FullName: "Pat", Role: auth.RoleUser, Tier: "premium",
	})
	require.NoError(t, err)
	assert.Equal(t, "premium", svc.Tier(ctx, p.ID))
	assert.Equal(t, "free", svc.Tier(ctx, "unknown-user"))

	require.NoError(t, svc.SetRole(ctx, p.ID, auth.RoleAdmin))
	require.NoError(t, svc.SetActive(ctx, p.ID, false))
	require.Error(t, svc.SetRole(ctx, p.ID, "owner"))

	got, err := svc.Profile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, got.Role)
	assert.False(t, got.Active)
	assert.False(t, got.IsAdmin())
}

func TestService_List(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for _, req := range []profiles.NewProfile{
		{Email: "b@example.com", FullName: "B", Role: auth.RoleAdmin},
		{Email: "a@example.com", FullName: "A", Role: auth.RoleAdmin},
		{Email: "c@example.com", FullName: "C", Role: auth.RoleCoach},
	} {
		_, err := svc.Create(ctx, req)
		require.NoError(t, err)
	}

	admins, err := svc.List(ctx, profiles.ListFilter{Role: auth.RoleAdmin})
	require.NoError(t, err)
	require.Len(t, admins, 2)
	assert.Equal(t, "a@example.com", admins[0].Email)

	active := true
	all, err := svc.List(ctx, profiles.ListFilter{Active: &active, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
