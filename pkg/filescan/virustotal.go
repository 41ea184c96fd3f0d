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

package filescan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/plindsay/loomguard/pkg/telemetry"
)

// VirusTotalConfig configures the VirusTotal v3 client.
type VirusTotalConfig struct {
	APIKey  string
	BaseURL string
	// RequestsPerMinute throttles API calls; the public API allows 4.
	RequestsPerMinute int
	PollInterval      time.Duration
	HTTPClient        *http.Client
}

// VirusTotalProvider looks content up by hash and uploads unknown files for analysis.
type VirusTotalProvider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	tracing      *telemetry.TracingHelper
}

var errVirusTotalNotFound = errors.New("virustotal: file not known")

// NewVirusTotalProvider creates the provider.
func NewVirusTotalProvider(cfg VirusTotalConfig) *VirusTotalProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.virustotal.com"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &VirusTotalProvider{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       cfg.HTTPClient,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		pollInterval: cfg.PollInterval,
		tracing:      telemetry.NewTracingHelper("loomguard/filescan/virustotal"),
	}
}

// Name implements Provider.
func (*VirusTotalProvider) Name() ProviderName { return ProviderVirusTotal }

// Available implements Provider. Without an API key the provider is skipped.
func (v *VirusTotalProvider) Available(context.Context) bool { return v.apiKey != "" }

type analysisStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
}

type engineResult struct {
	Category string `json:"category"`
	Result   string `json:"result"`
}

type fileReport struct {
	Data struct {
		Attributes struct {
			Stats   analysisStats           `json:"last_analysis_stats"`
			Results map[string]engineResult `json:"last_analysis_results"`
		} `json:"attributes"`
	} `json:"data"`
}

type analysisReport struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status  string                  `json:"status"`
			Stats   analysisStats           `json:"stats"`
			Results map[string]engineResult `json:"results"`
		} `json:"attributes"`
	} `json:"data"`
}

// Scan implements Provider.
func (v *VirusTotalProvider) Scan(ctx context.Context, data []byte, filename, _ string) (Verdict, error) {
	if v.apiKey == "" {
		return Verdict{}, errors.New("virustotal: api key not configured")
	}

	var report fileReport
	err := v.do(ctx, http.MethodGet, "/api/v3/files/"+ContentHash(data), nil, "", &report)
	if err == nil {
		a := report.Data.Attributes
		return verdictFromStats(a.Stats, a.Results), nil
	}
	if !errors.Is(err, errVirusTotalNotFound) {
		return Verdict{}, err
	}

	analysisID, err := v.upload(ctx, data, filename)
	if err != nil {
		return Verdict{}, err
	}
	return v.poll(ctx, analysisID)
}

func (v *VirusTotalProvider) upload(ctx context.Context, data []byte, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var upload analysisReport
	if err := v.do(ctx, http.MethodPost, "/api/v3/files", &body, mw.FormDataContentType(), &upload); err != nil {
		return "", err
	}
	if upload.Data.ID == "" {
		return "", errors.New("virustotal: upload returned no analysis id")
	}
	return upload.Data.ID, nil
}

func (v *VirusTotalProvider) poll(ctx context.Context, analysisID string) (Verdict, error) {
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		var analysis analysisReport
		if err := v.do(ctx, http.MethodGet, "/api/v3/analyses/"+analysisID, nil, "", &analysis); err != nil {
			return Verdict{}, err
		}
		if analysis.Data.Attributes.Status == "completed" {
			a := analysis.Data.Attributes
			return verdictFromStats(a.Stats, a.Results), nil
		}

		select {
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *VirusTotalProvider) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("virustotal: throttled: %w", err)
	}

	ctx, span := v.tracing.StartHTTPClientSpan(ctx, method, v.baseURL+path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-apikey", v.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		telemetry.RecordError(span, err, "virustotal request failed")
		return fmt.Errorf("virustotal: %w", err)
	}
	defer resp.Body.Close()
	telemetry.RecordHTTPStatus(span, resp.StatusCode, resp.Status)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errVirusTotalNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("virustotal: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("virustotal: decode response: %w", err)
	}
	return nil
}

func verdictFromStats(stats analysisStats, results map[string]engineResult) Verdict {
	total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected
	details := fmt.Sprintf("%d/%d engines flagged malicious, %d suspicious", stats.Malicious, total, stats.Suspicious)
	if stats.Malicious == 0 {
		return Verdict{Safe: true, Details: details}
	}

	engines := make([]string, 0, len(results))
	for engine := range results {
		engines = append(engines, engine)
	}
	sort.Strings(engines)

	name := "Malware"
	for _, engine := range engines {
		if r := results[engine]; r.Category == "malicious" && r.Result != "" {
			name = r.Result
			break
		}
	}
	return Verdict{ThreatName: name, Details: details}
}
