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

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plindsay/loomguard/internal/database"
	"github.com/plindsay/loomguard/internal/profiles"
	"github.com/plindsay/loomguard/pkg/auth"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		email    string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an active profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if duration > 0 {
				cfg.JWT.TokenDuration = int(duration.Minutes())
				if cfg.JWT.TokenDuration < 1 {
					return fmt.Errorf("token duration must be at least one minute")
				}
			}

			db, err := database.New(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			profile, err := profiles.NewService(logger, db).ByEmail(ctx, email)
			if err != nil {
				return err
			}
			if !profile.Active {
				return fmt.Errorf("profile %s is deactivated", profile.Email)
			}

			manager, err := newTokenManager(cfg.JWT, logger.Logger)
			if err != nil {
				return err
			}
			token, err := manager.GenerateToken(auth.User{ID: profile.ID, Email: profile.Email, Role: profile.Role})
			if err != nil {
				return err
			}
			logger.NewSecurityLogger().TokenGenerated(ctx, profile.ID, token.TokenType, token.ExpiresAt)

			fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email of the profile to issue the token for")
	cmd.Flags().DurationVar(&duration, "duration", 0, "token lifetime (defaults to jwt.tokenDuration)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
