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

// Package filescan decides whether uploaded files are safe to accept.
//
// A Scanner runs an ordered chain of providers: an external reputation
// service, a local clamd daemon and a built-in heuristic scanner. Each provider
// gets its own deadline; a provider that times out or errors hands over to the
// next one. Verdicts are cached by the SHA-256 of the content, logged, and
// unsafe content can be copied to a quarantine store. When every provider
// fails the file is treated as unsafe.
package filescan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/plindsay/loomguard/pkg/errors"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

// ProviderName identifies a scan provider.
type ProviderName string

// Providers.
const (
	ProviderVirusTotal ProviderName = "virustotal"
	ProviderClamAV     ProviderName = "clamav"
	ProviderLocal      ProviderName = "local"
)

const (
	// DefaultProviderTimeout bounds a single provider attempt.
	DefaultProviderTimeout = 30 * time.Second
	// DefaultCacheTTL is how long a verdict is reused for identical content.
	DefaultCacheTTL = 24 * time.Hour
)

// Verdict is a provider's judgement of one file.
type Verdict struct {
	Safe       bool
	ThreatName string
	Details    string
}

// Provider scans content.
type Provider interface {
	Name() ProviderName
	// Available reports whether the provider is configured and reachable.
	Available(ctx context.Context) bool
	Scan(ctx context.Context, data []byte, filename, mimeType string) (Verdict, error)
}

// Options adjusts a single scan.
type Options struct {
	// SkipCache ignores any cached verdict.
	SkipCache bool
	// Provider forces a provider to run first. The local provider remains the fallback.
	Provider ProviderName
}

// Result is the outcome of Scan.
type Result struct {
	Safe        bool         `json:"isSafe"`
	ThreatName  string       `json:"threatName,omitempty"`
	Details     string       `json:"details,omitempty"`
	Provider    ProviderName `json:"scanProvider"`
	DurationMs  int64        `json:"scanDuration"`
	Quarantined bool         `json:"quarantined"`
	ContentHash string       `json:"contentHash"`
	Cached      bool         `json:"cached"`
}

// CacheEntry is a stored verdict for a content hash.
type CacheEntry struct {
	ContentHash string
	Safe        bool
	ThreatName  string
	Details     string
	Provider    ProviderName
	ExpiresAt   time.Time
}

// LogRecord is one row of the scan audit log.
type LogRecord struct {
	ContentHash string
	Filename    string
	Size        int64
	MimeType    string
	Provider    ProviderName
	Safe        bool
	ThreatName  string
	DurationMs  int64
	Quarantined bool
	Timestamp   time.Time
}

// Cache stores verdicts by content hash. Get returns nil without error on a miss
// or when the entry has expired.
type Cache interface {
	Get(ctx context.Context, contentHash string, now time.Time) (*CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
}

// Log appends scan records.
type Log interface {
	Append(ctx context.Context, record LogRecord) error
}

// Quarantine keeps a copy of unsafe content.
type Quarantine interface {
	Store(ctx context.Context, contentHash, filename string, data []byte, verdict Verdict) error
}

// Recorder receives scan metrics.
type Recorder interface {
	RecordScan(ctx context.Context, provider string, safe bool, duration time.Duration)
	RecordScanCacheHit(ctx context.Context)
	RecordProviderFallback(ctx context.Context, provider string)
}

// Config configures a Scanner.
type Config struct {
	// Order lists providers by preference. The local provider is always tried last.
	Order           []ProviderName
	ProviderTimeout time.Duration
	CacheTTL        time.Duration
}

// Scanner runs the provider chain.
type Scanner struct {
	providers  map[ProviderName]Provider
	order      []ProviderName
	timeout    time.Duration
	cacheTTL   time.Duration
	cache      Cache
	log        Log
	quarantine Quarantine
	recorder   Recorder
	logger     *slog.Logger
	tracing    *telemetry.TracingHelper
	now        func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithCache sets the verdict cache.
func WithCache(c Cache) Option { return func(s *Scanner) { s.cache = c } }

// WithLog sets the scan log.
func WithLog(l Log) Option { return func(s *Scanner) { s.log = l } }

// WithQuarantine sets the quarantine store for unsafe content.
func WithQuarantine(q Quarantine) Option { return func(s *Scanner) { s.quarantine = q } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(s *Scanner) { s.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scanner) { s.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scanner) { s.now = now } }

// NewScanner creates a scanner over providers. A LocalProvider is added when
// none is supplied.
func NewScanner(cfg Config, providers []Provider, opts ...Option) *Scanner {
	s := &Scanner{
		providers: make(map[ProviderName]Provider, len(providers)+1),
		timeout:   cfg.ProviderTimeout,
		cacheTTL:  cfg.CacheTTL,
		logger:    slog.Default(),
		tracing:   telemetry.NewTracingHelper("loomguard/filescan"),
		now:       time.Now,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultProviderTimeout
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	if _, ok := s.providers[ProviderLocal]; !ok {
		s.providers[ProviderLocal] = NewLocalProvider()
	}
	for _, name := range cfg.Order {
		if name != ProviderLocal {
			s.order = append(s.order, name)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Scan judges data. It never returns an error: provider failures fall through
// to the next provider and exhaustion yields an unsafe result.
func (s *Scanner) Scan(ctx context.Context, data []byte, filename, mimeType string, opts Options) Result {
	start := s.now()
	hash := ContentHash(data)

	ctx, span := s.tracing.StartSpan(ctx, "filescan.Scan")
	defer span.End()
	telemetry.SetSpanAttributes(span,
		attribute.String("file.hash", hash),
		attribute.Int("file.size", len(data)),
		attribute.String("file.mime_type", mimeType),
	)

	// Remote engines report empty content as clean, so it never reaches them.
	if len(data) == 0 {
		telemetry.SetSpanAttributes(span, attribute.Bool("file.safe", false))
		return Result{
			Safe:        false,
			ThreatName:  "Empty file",
			Details:     "zero-length content is not accepted",
			Provider:    ProviderLocal,
			DurationMs:  s.now().Sub(start).Milliseconds(),
			ContentHash: hash,
		}
	}

	if !opts.SkipCache && s.cache != nil {
		entry, err := s.cache.Get(ctx, hash, start)
		if err != nil {
			s.logger.WarnContext(ctx, "scan cache lookup failed", "error", err, "content_hash", hash)
		} else if entry != nil {
			if s.recorder != nil {
				s.recorder.RecordScanCacheHit(ctx)
			}
			telemetry.AddSpanEvent(span, "cache_hit")
			return Result{
				Safe:        entry.Safe,
				ThreatName:  entry.ThreatName,
				Details:     entry.Details,
				Provider:    entry.Provider,
				DurationMs:  s.now().Sub(start).Milliseconds(),
				ContentHash: hash,
				Cached:      true,
			}
		}
	}

	verdict, provider, failures := s.runChain(ctx, data, filename, mimeType, opts.Provider)
	duration := s.now().Sub(start)

	result := Result{
		Safe:        verdict.Safe,
		ThreatName:  verdict.ThreatName,
		Details:     verdict.Details,
		Provider:    provider,
		DurationMs:  duration.Milliseconds(),
		ContentHash: hash,
	}

	if provider == "" {
		// Every provider failed: reject rather than admit unscanned content.
		result.Safe = false
		result.Details = "all scan providers failed: " + strings.Join(failures, "; ")
		s.logger.ErrorContext(ctx, "file scan exhausted all providers",
			"content_hash", hash,
			"filename", filename,
			"failures", failures,
		)
		telemetry.SetSpanAttributes(span, attribute.Bool("file.safe", false))
		return result
	}

	if !result.Safe && s.quarantine != nil {
		if err := s.quarantine.Store(ctx, hash, filename, data, verdict); err != nil {
			s.logger.ErrorContext(ctx, "failed to quarantine unsafe file", "error", err, "content_hash", hash)
		} else {
			result.Quarantined = true
		}
	}

	s.persist(ctx, result, filename, int64(len(data)), mimeType)

	if s.recorder != nil {
		s.recorder.RecordScan(ctx, string(provider), result.Safe, duration)
	}
	telemetry.SetSpanAttributes(span,
		attribute.String("scan.provider", string(provider)),
		attribute.Bool("file.safe", result.Safe),
	)

	level := slog.LevelInfo
	if !result.Safe {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "file scanned",
		"content_hash", hash,
		"filename", filename,
		"provider", provider,
		"safe", result.Safe,
		"threat", result.ThreatName,
		"duration_ms", result.DurationMs,
	)
	return result
}

// chain returns the providers to try, in order.
func (s *Scanner) chain(ctx context.Context, override ProviderName) []Provider {
	var out []Provider
	if override != "" && override != ProviderLocal {
		if p, ok := s.providers[override]; ok {
			out = append(out, p)
		}
	} else if override == "" {
		for _, name := range s.order {
			p, ok := s.providers[name]
			if !ok || !p.Available(ctx) {
				continue
			}
			out = append(out, p)
		}
	}
	return append(out, s.providers[ProviderLocal])
}

func (s *Scanner) runChain(ctx context.Context, data []byte, filename, mimeType string, override ProviderName) (Verdict, ProviderName, []string) {
	var failures []string
	for _, p := range s.chain(ctx, override) {
		verdict, err := s.attempt(ctx, p, data, filename, mimeType)
		if err == nil {
			return verdict, p.Name(), failures
		}

		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		apperrors.LogError(ctx, s.logger, apperrors.NewScanProviderError(string(p.Name()), err), "scan provider failed, falling back")
		if s.recorder != nil {
			s.recorder.RecordProviderFallback(ctx, string(p.Name()))
		}
	}
	return Verdict{}, "", failures
}

// attempt runs one provider against its own deadline. The provider call itself
// is not interrupted when the deadline passes; its result is discarded.
func (s *Scanner) attempt(ctx context.Context, p Provider, data []byte, filename, mimeType string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		verdict Verdict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		v, err := p.Scan(ctx, data, filename, mimeType)
		done <- outcome{verdict: v, err: err}
	}()

	select {
	case o := <-done:
		return o.verdict, o.err
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("timed out after %s: %w", s.timeout, ctx.Err())
	}
}

func (s *Scanner) persist(ctx context.Context, result Result, filename string, size int64, mimeType string) {
	now := s.now()
	if s.cache != nil {
		err := s.cache.Put(ctx, CacheEntry{
			ContentHash: result.ContentHash,
			Safe:        result.Safe,
			ThreatName:  result.ThreatName,
			Details:     result.Details,
			Provider:    result.Provider,
			ExpiresAt:   now.Add(s.cacheTTL),
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to cache scan verdict", "error", err, "content_hash", result.ContentHash)
		}
	}
	if s.log != nil {
		err := s.log.Append(ctx, LogRecord{
			ContentHash: result.ContentHash,
			Filename:    filename,
			Size:        size,
			MimeType:    mimeType,
			Provider:    result.Provider,
			Safe:        result.Safe,
			ThreatName:  result.ThreatName,
			DurationMs:  result.DurationMs,
			Quarantined: result.Quarantined,
			Timestamp:   now,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to append scan log", "error", err, "content_hash", result.ContentHash)
		}
	}
}
