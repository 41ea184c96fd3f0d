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

// Command server runs the loomguard request security service and the
// operator commands that share its configuration.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/plindsay/loomguard/internal/config"
	"github.com/plindsay/loomguard/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "loomguard",
		Short:        "Request security pipeline for the coaching platform API",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	cmd.AddCommand(
		newServeCommand(opts),
		newScanCommand(opts),
		newProfileCommand(opts),
		newTokenCommand(opts),
	)
	return cmd
}

// load reads the configuration and builds a logger writing to out.
func (o *rootOptions) load(out io.Writer) (*config.Config, *log.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, newLogger(cfg, out), nil
}

func newLogger(cfg *config.Config, out io.Writer) *log.Logger {
	return log.New(&log.Config{
		Level:          log.ParseLevel(cfg.Logging.Level),
		Format:         cfg.Logging.Format,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		Output:         out,
	})
}
