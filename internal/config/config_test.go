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

// Package config_test provides tests for the config package.
package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plindsay/loomguard/internal/config"
)

const testSecret = "test-secret-key-that-is-long-enough-for-validation"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  environment: production
jwt:
  secretKey: "`+testSecret+`"
database:
  dsn: "test.db"
rateLimit:
  failOpen: false
scanner:
  timeoutSeconds: 10
  providerOrder: [clamav, local]
telemetry:
  serviceName: "test-service"
  exporter: none
`)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.IsProduction())
	assert.Equal(t, testSecret, cfg.JWT.SecretKey)
	assert.Equal(t, "test.db", cfg.Database.DSN)
	assert.False(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, 10, cfg.Scanner.TimeoutSeconds)
	assert.Equal(t, []string{"clamav", "local"}, cfg.Scanner.ProviderOrder)
	assert.Equal(t, "test-service", cfg.Telemetry.ServiceName)

	// Defaults survive for keys the file does not mention.
	assert.Equal(t, 24, cfg.Scanner.CacheTTLHours)
	assert.Equal(t, "memory", cfg.RateLimit.Store)
}

func TestLoadFileMissing(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)

	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Scanner.TimeoutSeconds)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("DATABASE_DSN", ":memory:")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("VERCEL_URL", "loom-preview.vercel.app")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("VIRUSTOTAL_API_KEY", "vt-key")
	t.Setenv("SUPER_ADMIN_EMAILS", "root@example.com")

	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.Database.DSN)
	assert.Contains(t, cfg.CORS.AllowedOrigins, "http://localhost:3000")
	assert.Contains(t, cfg.CORS.AllowedOrigins, "https://app.example.com")
	assert.Contains(t, cfg.CORS.AllowedOrigins, "https://admin.example.com")
	assert.Equal(t, "https://loom-preview.vercel.app", cfg.Server.BaseURL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "vt-key", cfg.Scanner.VirusTotal.APIKey)
	assert.Equal(t, []string{"root@example.com"}, cfg.Admin.SuperAdminEmails)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg := config.Default()
		cfg.JWT.SecretKey = testSecret
		return cfg
	}

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantErr     bool
		errorSubstr string
	}{
		{
			name:   "valid config",
			mutate: func(*config.Config) {},
		},
		{
			name:        "invalid server port - too low",
			mutate:      func(c *config.Config) { c.Server.Port = 0 },
			wantErr:     true,
			errorSubstr: "Config.Server.Port",
		},
		{
			name:        "invalid server port - too high",
			mutate:      func(c *config.Config) { c.Server.Port = 70000 },
			wantErr:     true,
			errorSubstr: "Config.Server.Port",
		},
		{
			name:        "short jwt secret",
			mutate:      func(c *config.Config) { c.JWT.SecretKey = "short" },
			wantErr:     true,
			errorSubstr: "Config.JWT.SecretKey",
		},
		{
			name:        "unknown provider",
			mutate:      func(c *config.Config) { c.Scanner.ProviderOrder = []string{"mcafee"} },
			wantErr:     true,
			errorSubstr: "ProviderOrder",
		},
		{
			name:        "redis store without redis",
			mutate:      func(c *config.Config) { c.RateLimit.Store = "redis" },
			wantErr:     true,
			errorSubstr: "rateLimit.store is redis",
		},
		{
			name:        "empty maintenance window",
			mutate:      func(c *config.Config) { c.Admin.MaintenanceWindow.EndHour = c.Admin.MaintenanceWindow.StartHour },
			wantErr:     true,
			errorSubstr: "maintenanceWindow",
		},
		{
			name: "quarantine enabled without endpoint",
			mutate: func(c *config.Config) {
				c.Quarantine.Enabled = true
				c.Quarantine.Endpoint = ""
			},
			wantErr:     true,
			errorSubstr: "Config.Quarantine.Endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorSubstr)
				return
			}
			require.NoError(t, err)
		})
	}
}
