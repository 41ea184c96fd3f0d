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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plindsay/loomguard/internal/database"
	"github.com/plindsay/loomguard/internal/profiles"
	"github.com/plindsay/loomguard/pkg/auth"
)

func newProfileCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage user profiles and roles",
	}
	cmd.AddCommand(newProfileAddCommand(root), newProfileListCommand(root))
	return cmd
}

func newProfileAddCommand(root *rootOptions) *cobra.Command {
	var req profiles.NewProfile
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			db, err := database.New(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			profile, err := profiles.NewService(logger, db).Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", profile.ID, profile.Email, profile.Role, profile.Tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	cmd.Flags().StringVar(&req.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&req.Role, "role", auth.RoleUser, "role (user, coach, admin, super_admin)")
	cmd.Flags().StringVar(&req.Tier, "tier", "", "subscription tier (free, premium, enterprise)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProfileListCommand(root *rootOptions) *cobra.Command {
	var filter profiles.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			db, err := database.New(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			list, err := profiles.NewService(logger, db).List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tTIER\tACTIVE")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", p.ID, p.Email, p.Role, p.Tier, p.Active)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Role, "role", "", "only list profiles with this role")
	cmd.Flags().IntVar(&filter.PageSize, "limit", 0, "maximum number of profiles")
	return cmd
}
