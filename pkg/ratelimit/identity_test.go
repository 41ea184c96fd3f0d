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

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "first forwarded hop",
			remoteAddr: "10.0.0.1:4000",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.2"},
			want:       "1.2.3.4",
		},
		{
			name:       "real ip header",
			remoteAddr: "10.0.0.1:4000",
			headers:    map[string]string{"X-Real-IP": "5.6.7.8"},
			want:       "5.6.7.8",
		},
		{
			name:       "cloudflare header",
			remoteAddr: "10.0.0.1:4000",
			headers:    map[string]string{"CF-Connecting-IP": "9.9.9.9"},
			want:       "9.9.9.9",
		},
		{
			name:       "remote address",
			remoteAddr: "192.0.2.10:5555",
			want:       "192.0.2.10",
		},
		{
			name: "unknown",
			want: UnknownClient,
		},
		{
			name:       "untrusted proxy ignores forwarded header",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "198.51.100.7:1234",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:       "198.51.100.7",
		},
		{
			name:       "trusted proxy honours forwarded header",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:1234",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:       "1.2.3.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewIdentityResolver(tt.trusted)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, resolver.ClientIP(req))
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "auth:1.2.3.4", Key(ClassAuth, "1.2.3.4"))
	assert.Equal(t, "api:unknown", Key(ClassAPI, ""))
}

func TestParseIPList(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    int
		wantErr bool
	}{
		{name: "empty list", input: []string{}, want: 0},
		{name: "single IP", input: []string{"192.168.1.1"}, want: 1},
		{name: "CIDR", input: []string{"192.168.1.0/24"}, want: 1},
		{name: "IPv6", input: []string{"::1"}, want: 1},
		{name: "skips blanks", input: []string{"", "10.0.0.1"}, want: 1},
		{name: "invalid", input: []string{"not-an-ip"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			networks, err := ParseIPList(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, networks, tt.want)
		})
	}

	networks, err := ParseIPList([]string{"192.168.1.1"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1/32", networks[0].String())
}
