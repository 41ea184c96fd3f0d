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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/plindsay/loomguard/internal/database"
	"github.com/plindsay/loomguard/pkg/filescan"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

func newScanCommand(root *rootOptions) *cobra.Command {
	var (
		provider  string
		skipCache bool
	)
	cmd := &cobra.Command{
		Use:   "scan <file>",
		Short: "Scan a file with the configured providers and print the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch filescan.ProviderName(provider) {
			case "", filescan.ProviderVirusTotal, filescan.ProviderClamAV, filescan.ProviderLocal:
			default:
				return fmt.Errorf("unknown provider %q", provider)
			}

			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			db, err := database.New(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			metrics, err := telemetry.NewSecurityMetrics(cfg.Telemetry.ServiceName)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			scanner, _, err := newScanner(ctx, cfg, logger, db, metrics)
			if err != nil {
				return err
			}

			result := scanner.Scan(ctx, data, filepath.Base(args[0]), mimetype.Detect(data).String(), filescan.Options{
				SkipCache: skipCache,
				Provider:  filescan.ProviderName(provider),
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Safe {
				return fmt.Errorf("%s rejected: %s", args[0], result.ThreatName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider to try first (virustotal, clamav, local)")
	cmd.Flags().BoolVar(&skipCache, "skip-cache", false, "ignore cached verdicts")
	return cmd
}
