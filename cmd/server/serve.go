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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plindsay/loomguard/internal/auditlog"
	"github.com/plindsay/loomguard/internal/config"
	"github.com/plindsay/loomguard/internal/database"
	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/internal/profiles"
	httpserver "github.com/plindsay/loomguard/internal/server/http"
	"github.com/plindsay/loomguard/internal/sweeper"
	"github.com/plindsay/loomguard/pkg/admin"
	"github.com/plindsay/loomguard/pkg/audit"
	"github.com/plindsay/loomguard/pkg/auth"
	"github.com/plindsay/loomguard/pkg/ratelimit"
	"github.com/plindsay/loomguard/pkg/security"
	"github.com/plindsay/loomguard/pkg/threat"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server behind the security pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(os.Stdout)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, logger, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

// run wires the service and serves HTTP until ctx is canceled.
func run(ctx context.Context, logger *log.Logger, cfg *config.Config) error {
	tel, err := initTelemetry(cfg)
	if err != nil {
		return err
	}
	defer tel.shutdown(logger)

	db, err := database.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	slogger := logger.Logger
	identity, err := ratelimit.NewIdentityResolver(cfg.IPFilter.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}
	limiter := newLimiter(cfg.RateLimit, rdb, slogger, tel.metrics)
	blocked, suspicious := newIPSets(cfg.IPFilter, rdb)

	secOpts := []security.Option{security.WithLogger(slogger), security.WithRecorder(tel.metrics)}
	csrf := security.NewCSRFGuard(cfg.Server.IsProduction(), cfg.CSRF.ExemptPaths, secOpts...)
	origins := security.ResolveOrigins(cfg.CORS.AllowedOrigins, cfg.Server.BaseURL)
	pipeline, err := security.NewPipeline(security.PipelineConfig{
		Headers:         security.NewHeaderPolicy(cfg.Server.IsProduction()),
		CORS:            security.NewCORSPolicy(origins, time.Duration(cfg.CORS.MaxAge)*time.Second, secOpts...),
		CSRF:            csrf,
		Blocked:         blocked,
		Suspicious:      suspicious,
		Honeypot:        security.NewHoneypot(cfg.IPFilter.HoneypotPaths),
		Limiter:         limiter,
		Identity:        identity,
		BlockOnCritical: cfg.Threat.BlockOnCritical,
	}, secOpts...)
	if err != nil {
		return fmt.Errorf("failed to build security pipeline: %w", err)
	}

	profileSvc := profiles.NewService(logger, db)
	manager, err := newTokenManager(cfg.JWT, slogger)
	if err != nil {
		return err
	}
	authn := auth.NewAuthenticator(manager, slogger)

	scanner, repo, err := newScanner(ctx, cfg, logger, db, tel.metrics)
	if err != nil {
		return err
	}

	auditStore := auditlog.NewStore(logger, db)
	gate := admin.NewGate(admin.Config{
		SuperAdminEmails: cfg.Admin.SuperAdminEmails,
		DestructivePaths: cfg.Admin.DestructivePaths,
		HighRiskActions:  cfg.Admin.HighRiskActions,
		OverrideHash:     cfg.Admin.EmergencyOverrideHash,
	}, authn, profileSvc, audit.Fanout{auditStore, audit.NewLogSink(slogger)},
		admin.WithLimiter(limiter),
		admin.WithIdentityResolver(identity),
		admin.WithLogger(slogger),
		admin.WithRecorder(tel.metrics),
	)

	sw := sweeper.New(logger)
	jobs := []sweeper.Job{
		{
			Name:     "rate_limits",
			Schedule: cfg.RateLimit.SweepSchedule,
			Run: func(ctx context.Context) (int64, error) {
				n, err := limiter.Sweep(ctx)
				return int64(n), err
			},
		},
		{
			Name:     "scan_cache",
			Schedule: cfg.Scanner.CleanupSchedule,
			Run: func(ctx context.Context) (int64, error) {
				return repo.DeleteExpired(ctx, time.Now())
			},
		},
	}
	for _, job := range jobs {
		if err := sw.Add(job); err != nil {
			return err
		}
	}
	sw.Start()
	defer sw.Stop(context.Background())

	handler := httpserver.NewRouter(httpserver.Dependencies{
		Logger:         logger,
		Pipeline:       pipeline,
		CSRF:           csrf,
		Authenticator:  authn,
		Gate:           gate,
		Scanner:        scanner,
		Sanitizer:      threat.NewSanitizer(cfg.Threat.MaxInputLength),
		Limiter:        limiter,
		Tiers:          profileSvc,
		Blocked:        blocked,
		ScanCache:      repo,
		AuditLog:       auditStore,
		Sweeper:        sw,
		Recorder:       tel.metrics,
		MetricsHandler: tel.handler,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaintenanceWindow: &admin.Window{
			StartHour: cfg.Admin.MaintenanceWindow.StartHour,
			EndHour:   cfg.Admin.MaintenanceWindow.EndHour,
		},
	})
	srv := httpserver.New(cfg.Server.Port, handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting HTTP server",
			"port", cfg.Server.Port,
			"environment", cfg.Server.Environment,
			"rate_limit_store", cfg.RateLimit.Store,
			"fail_policy", limiterPolicy(cfg.RateLimit).String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	logger.Info(context.Background(), "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.GracefulShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(shutdownCtx, "HTTP server shutdown failed", err)
	}
	return nil
}
