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
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plindsay/loomguard/internal/config"
	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/internal/quarantine"
	"github.com/plindsay/loomguard/internal/scanrepo"
	"github.com/plindsay/loomguard/pkg/auth"
	"github.com/plindsay/loomguard/pkg/filescan"
	"github.com/plindsay/loomguard/pkg/ratelimit"
	"github.com/plindsay/loomguard/pkg/security"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

const (
	redisRateLimitPrefix  = "loomguard:ratelimit:"
	redisBlockedPrefix    = "loomguard:blocked:"
	redisSuspiciousPrefix = "loomguard:suspicious:"
	scanCacheL1TTL        = 5 * time.Minute
)

// connectRedis returns nil when Redis is disabled.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func limiterPolicy(cfg config.RateLimitConfig) ratelimit.FailurePolicy {
	if cfg.FailOpen {
		return ratelimit.FailOpen
	}
	return ratelimit.FailClosed
}

func newLimiter(cfg config.RateLimitConfig, rdb redis.UniversalClient, logger *slog.Logger, metrics *telemetry.SecurityMetrics) *ratelimit.Limiter {
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Store == "redis" && rdb != nil {
		store = ratelimit.NewRedisStore(rdb, redisRateLimitPrefix)
	}
	return ratelimit.NewLimiter(store,
		ratelimit.WithFailurePolicy(limiterPolicy(cfg)),
		ratelimit.WithLogger(logger),
		ratelimit.WithRecorder(metrics),
	)
}

// newIPSets returns the blocked and suspicious client sets.
func newIPSets(cfg config.IPFilterConfig, rdb redis.UniversalClient) (security.IPSet, security.IPSet) {
	blockTTL := time.Duration(cfg.BlockTTLMinutes) * time.Minute
	suspiciousTTL := time.Duration(cfg.SuspiciousTTLMinutes) * time.Minute
	if cfg.Store == "redis" && rdb != nil {
		return security.NewRedisIPSet(rdb, redisBlockedPrefix, blockTTL),
			security.NewRedisIPSet(rdb, redisSuspiciousPrefix, suspiciousTTL)
	}
	return security.NewMemoryIPSet(blockTTL), security.NewMemoryIPSet(suspiciousTTL)
}

func newTokenManager(cfg config.JWTConfig, logger *slog.Logger) (*auth.Manager, error) {
	manager, err := auth.NewManager(auth.Config{
		SecretKey:     cfg.SecretKey,
		TokenDuration: time.Duration(cfg.TokenDuration) * time.Minute,
		Issuer:        cfg.Issuer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}
	return manager, nil
}

// newScanner builds the provider chain over the SQLite scan repository and,
// when enabled, the quarantine bucket.
func newScanner(ctx context.Context, cfg *config.Config, logger *log.Logger, db *sql.DB, metrics *telemetry.SecurityMetrics) (*filescan.Scanner, *scanrepo.Repository, error) {
	repo := scanrepo.New(logger, db,
		scanrepo.WithRecorder(metrics),
		scanrepo.WithL1(cfg.Scanner.CacheSize, scanCacheL1TTL),
	)

	opts := []filescan.Option{
		filescan.WithCache(repo),
		filescan.WithLog(repo),
		filescan.WithRecorder(metrics),
		filescan.WithLogger(logger.Logger),
	}
	if q := cfg.Quarantine; q.Enabled {
		store, err := quarantine.New(quarantine.Config{
			Endpoint:  q.Endpoint,
			AccessKey: q.AccessKey,
			SecretKey: q.SecretKey,
			Bucket:    q.Bucket,
			UseSSL:    q.UseSSL,
		}, logger.Logger)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to prepare quarantine bucket: %w", err)
		}
		opts = append(opts, filescan.WithQuarantine(store))
	}

	order := make([]filescan.ProviderName, 0, len(cfg.Scanner.ProviderOrder))
	for _, name := range cfg.Scanner.ProviderOrder {
		order = append(order, filescan.ProviderName(name))
	}
	scanner := filescan.NewScanner(filescan.Config{
		Order:           order,
		ProviderTimeout: time.Duration(cfg.Scanner.TimeoutSeconds) * time.Second,
		CacheTTL:        time.Duration(cfg.Scanner.CacheTTLHours) * time.Hour,
	}, scanProviders(cfg.Scanner), opts...)
	return scanner, repo, nil
}

// scanProviders creates the remote providers named in the configured order.
// Providers without credentials report themselves unavailable and are skipped
// at scan time.
func scanProviders(cfg config.ScannerConfig) []filescan.Provider {
	var providers []filescan.Provider
	for _, name := range cfg.ProviderOrder {
		switch filescan.ProviderName(name) {
		case filescan.ProviderVirusTotal:
			providers = append(providers, filescan.NewVirusTotalProvider(filescan.VirusTotalConfig{
				APIKey:            cfg.VirusTotal.APIKey,
				BaseURL:           cfg.VirusTotal.BaseURL,
				RequestsPerMinute: cfg.VirusTotal.RequestsPerMinute,
			}))
		case filescan.ProviderClamAV:
			if cfg.ClamAV.Address == "" {
				continue
			}
			providers = append(providers, filescan.NewClamAVProvider(cfg.ClamAV.Address))
		}
	}
	return providers
}
