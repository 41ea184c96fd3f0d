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
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirusTotalKnownFile(t *testing.T) {
	data := []byte("known sample")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vt-key", r.Header.Get("x-apikey"))
		assert.Equal(t, "/api/v3/files/"+ContentHash(data), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"attributes":{
			"last_analysis_stats":{"malicious":2,"suspicious":0,"harmless":10,"undetected":50},
			"last_analysis_results":{
				"Zeta":{"category":"malicious","result":"Trojan.Zeta"},
				"Alpha":{"category":"malicious","result":"Trojan.Generic"},
				"Beta":{"category":"undetected","result":null}}}}}`))
	}))
	defer srv.Close()

	p := NewVirusTotalProvider(VirusTotalConfig{APIKey: "vt-key", BaseURL: srv.URL, RequestsPerMinute: 600})
	require.True(t, p.Available(context.Background()))

	v, err := p.Scan(context.Background(), data, "sample.bin", "")
	require.NoError(t, err)
	assert.False(t, v.Safe)
	assert.Equal(t, "Trojan.Generic", v.ThreatName)
	assert.Equal(t, "2/62 engines flagged malicious, 0 suspicious", v.Details)
}

func TestVirusTotalUploadsUnknownFile(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/files/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":"NotFoundError"}}`, http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/v3/files", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		_ = f.Close()
		assert.Equal(t, "fresh.txt", hdr.Filename)
		_, _ = w.Write([]byte(`{"data":{"type":"analysis","id":"an-1"}}`))
	})
	mux.HandleFunc("GET /api/v3/analyses/an-1", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 2 {
			_, _ = w.Write([]byte(`{"data":{"id":"an-1","attributes":{"status":"queued"}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"an-1","attributes":{"status":"completed",
			"stats":{"malicious":0,"suspicious":1,"harmless":5,"undetected":60}}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewVirusTotalProvider(VirusTotalConfig{
		APIKey:            "vt-key",
		BaseURL:           srv.URL,
		RequestsPerMinute: 600,
		PollInterval:      10 * time.Millisecond,
	})

	v, err := p.Scan(context.Background(), []byte("never seen"), "fresh.txt", "text/plain")
	require.NoError(t, err)
	assert.True(t, v.Safe)
	assert.Equal(t, int32(2), polls.Load())
}

func TestVirusTotalErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewVirusTotalProvider(VirusTotalConfig{APIKey: "vt-key", BaseURL: srv.URL, RequestsPerMinute: 600})
	_, err := p.Scan(context.Background(), []byte("x"), "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	noKey := NewVirusTotalProvider(VirusTotalConfig{BaseURL: srv.URL})
	assert.False(t, noKey.Available(context.Background()))
	_, err = noKey.Scan(context.Background(), []byte("x"), "x", "")
	assert.Error(t, err)
}
