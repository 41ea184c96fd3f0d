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

// Package config loads service configuration from config.yaml, a .env file and
// the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	JWT        JWTConfig        `yaml:"jwt"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	CORS       CORSConfig       `yaml:"cors"`
	CSRF       CSRFConfig       `yaml:"csrf"`
	Threat     ThreatConfig     `yaml:"threat"`
	IPFilter   IPFilterConfig   `yaml:"ipFilter"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Admin      AdminConfig      `yaml:"admin"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port                    int    `yaml:"port" validate:"min=1,max=65535"`
	GracefulShutdownTimeout int    `yaml:"gracefulShutdownTimeout" validate:"min=0"`
	Environment             string `yaml:"environment" validate:"oneof=development production test"`
	BaseURL                 string `yaml:"baseURL" validate:"omitempty,url"`
	MaxUploadBytes          int64  `yaml:"maxUploadBytes" validate:"min=1"`
}

// IsProduction reports whether the service runs with production defaults.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == "production"
}

// LoggingConfig selects the slog handler and level.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// JWTConfig configures session token verification.
type JWTConfig struct {
	SecretKey     string `yaml:"secretKey" validate:"min=32"`
	TokenDuration int    `yaml:"tokenDuration" validate:"min=1"` // minutes
	Issuer        string `yaml:"issuer"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// RedisConfig configures the optional shared store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Store         string `yaml:"store" validate:"oneof=memory redis"`
	FailOpen      bool   `yaml:"failOpen"`
	SweepSchedule string `yaml:"sweepSchedule" validate:"required"`
}

// CORSConfig configures the trusted origin set.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	MaxAge         int      `yaml:"maxAge" validate:"min=0"`
}

// CSRFConfig configures double-submit protection.
type CSRFConfig struct {
	ExemptPaths []string `yaml:"exemptPaths"`
}

// ThreatConfig configures request input inspection.
type ThreatConfig struct {
	BlockOnCritical bool `yaml:"blockOnCritical"`
	MaxInputLength  int  `yaml:"maxInputLength" validate:"min=1"`
}

// IPFilterConfig configures the suspicious and blocked IP sets.
type IPFilterConfig struct {
	Store                string   `yaml:"store" validate:"oneof=memory redis"`
	BlockTTLMinutes      int      `yaml:"blockTTLMinutes" validate:"min=1"`
	SuspiciousTTLMinutes int      `yaml:"suspiciousTTLMinutes" validate:"min=1"`
	HoneypotPaths        []string `yaml:"honeypotPaths"`
	TrustedProxies       []string `yaml:"trustedProxies"`
}

// ScannerConfig configures the upload scanning provider chain.
type ScannerConfig struct {
	TimeoutSeconds  int              `yaml:"timeoutSeconds" validate:"min=1"`
	CacheTTLHours   int              `yaml:"cacheTTLHours" validate:"min=1"`
	ProviderOrder   []string         `yaml:"providerOrder" validate:"dive,oneof=virustotal clamav local"`
	CacheSize       int              `yaml:"cacheSize" validate:"min=1"`
	ClamAV          ClamAVConfig     `yaml:"clamav"`
	VirusTotal      VirusTotalConfig `yaml:"virustotal"`
	CleanupSchedule string           `yaml:"cleanupSchedule" validate:"required"`
}

// ClamAVConfig configures the clamd daemon connection.
type ClamAVConfig struct {
	Address string `yaml:"address"`
}

// VirusTotalConfig configures the VirusTotal API client.
type VirusTotalConfig struct {
	APIKey            string `yaml:"apiKey"`
	BaseURL           string `yaml:"baseURL" validate:"omitempty,url"`
	RequestsPerMinute int    `yaml:"requestsPerMinute" validate:"min=1"`
}

// QuarantineConfig configures the object store that receives unsafe uploads.
type QuarantineConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	UseSSL    bool   `yaml:"useSSL"`
}

// AdminConfig configures the admin access gate.
type AdminConfig struct {
	SuperAdminEmails      []string          `yaml:"superAdminEmails" validate:"dive,email"`
	DestructivePaths      []string          `yaml:"destructivePaths"`
	HighRiskActions       []string          `yaml:"highRiskActions"`
	EmergencyOverrideHash string            `yaml:"emergencyOverrideHash"`
	MaintenanceWindow     MaintenanceWindow `yaml:"maintenanceWindow"`
}

// MaintenanceWindow restricts an action to [StartHour, EndHour) UTC.
type MaintenanceWindow struct {
	StartHour int `yaml:"startHour" validate:"min=0,max=23"`
	EndHour   int `yaml:"endHour" validate:"min=0,max=24"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName string `yaml:"serviceName" validate:"required"`
	Endpoint    string `yaml:"endpoint"`
	Exporter    string `yaml:"exporter" validate:"oneof=otlp prometheus none"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                    8080,
			GracefulShutdownTimeout: 5,
			Environment:             "development",
			MaxUploadBytes:          25 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		JWT: JWTConfig{
			TokenDuration: 60,
			Issuer:        "loomguard",
		},
		Database: DatabaseConfig{DSN: "loomguard.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		RateLimit: RateLimitConfig{
			Store:         "memory",
			FailOpen:      true,
			SweepSchedule: "@every 1h",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxAge:         86400,
		},
		CSRF: CSRFConfig{
			ExemptPaths: []string{"/api/auth/callback", "/api/webhooks/"},
		},
		Threat: ThreatConfig{BlockOnCritical: true, MaxInputLength: 10000},
		IPFilter: IPFilterConfig{
			Store:                "memory",
			BlockTTLMinutes:      24 * 60,
			SuspiciousTTLMinutes: 60,
		},
		Scanner: ScannerConfig{
			TimeoutSeconds:  30,
			CacheTTLHours:   24,
			ProviderOrder:   []string{"virustotal", "clamav", "local"},
			CacheSize:       4096,
			ClamAV:          ClamAVConfig{Address: "localhost:3310"},
			VirusTotal:      VirusTotalConfig{BaseURL: "https://www.virustotal.com", RequestsPerMinute: 4},
			CleanupSchedule: "@every 1h",
		},
		Quarantine: QuarantineConfig{Bucket: "quarantine", UseSSL: true},
		Admin: AdminConfig{
			DestructivePaths: []string{"/api/admin/users/delete", "/api/admin/maintenance/"},
			HighRiskActions:  []string{"delete_user", "bulk_delete", "system_cleanup", "database_reset", "purge_scan_cache"},
			MaintenanceWindow: MaintenanceWindow{
				StartHour: 2,
				EndHour:   6,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "loomguard",
			Endpoint:    "otel-collector:4317",
			Exporter:    "prometheus",
		},
	}
}

// Load loads the configuration from config.yaml in the working directory, then
// applies .env and environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit configuration path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Server.Environment = env
	}
	if port := getEnvAsInt("HTTP_PORT", 0); port != 0 {
		cfg.Server.Port = port
	}
	if baseURL := os.Getenv("APP_BASE_URL"); baseURL != "" {
		cfg.Server.BaseURL = baseURL
	} else if host := os.Getenv("VERCEL_URL"); host != "" && cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "https://" + host
	}
	if secret := os.Getenv("JWT_SECRET_KEY"); secret != "" {
		cfg.JWT.SecretKey = secret
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, splitList(origins)...)
	}
	if key := os.Getenv("VIRUSTOTAL_API_KEY"); key != "" {
		cfg.Scanner.VirusTotal.APIKey = key
	}
	if addr := os.Getenv("CLAMAV_ADDRESS"); addr != "" {
		cfg.Scanner.ClamAV.Address = addr
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		cfg.Quarantine.Endpoint = endpoint
		cfg.Quarantine.Enabled = true
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		cfg.Quarantine.AccessKey = key
	}
	if secret := os.Getenv("MINIO_SECRET_KEY"); secret != "" {
		cfg.Quarantine.SecretKey = secret
	}
	if emails := os.Getenv("SUPER_ADMIN_EMAILS"); emails != "" {
		cfg.Admin.SuperAdminEmails = splitList(emails)
	}
	if hash := os.Getenv("ADMIN_EMERGENCY_OVERRIDE_HASH"); hash != "" {
		cfg.Admin.EmergencyOverrideHash = hash
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Endpoint = endpoint
	}
	if serviceName := os.Getenv("OTEL_SERVICE_NAME"); serviceName != "" {
		cfg.Telemetry.ServiceName = serviceName
	}
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' validation", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.RateLimit.Store == "redis" && !c.Redis.Enabled {
		return errors.New("invalid configuration: rateLimit.store is redis but redis is not enabled")
	}
	if c.IPFilter.Store == "redis" && !c.Redis.Enabled {
		return errors.New("invalid configuration: ipFilter.store is redis but redis is not enabled")
	}
	if w := c.Admin.MaintenanceWindow; w.StartHour == w.EndHour {
		return errors.New("invalid configuration: admin.maintenanceWindow must not be empty")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsInt gets an environment variable as an integer with a default value.
func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}
