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
	"fmt"
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the identity used when no address can be determined.
const UnknownClient = "unknown"

// IdentityResolver derives the client identity used to key rate limits.
type IdentityResolver struct {
	trustedProxies []*net.IPNet
}

// NewIdentityResolver creates a resolver. When trustedProxies is empty, proxy
// headers are always honoured; otherwise X-Forwarded-For is only read when the
// connection comes from one of the listed networks.
func NewIdentityResolver(trustedProxies []string) (*IdentityResolver, error) {
	networks, err := ParseIPList(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted proxies: %w", err)
	}
	return &IdentityResolver{trustedProxies: networks}, nil
}

// ClientIP returns the client address for r.
func (ir *IdentityResolver) ClientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && ir.trusts(remote) {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	for _, header := range []string{"X-Real-IP", "CF-Connecting-IP", "True-Client-IP"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}

	if remote != "" {
		return remote
	}
	return UnknownClient
}

func (ir *IdentityResolver) trusts(remote string) bool {
	if ir == nil || len(ir.trustedProxies) == 0 {
		return true
	}
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, network := range ir.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Key builds the store key for a route class and identity.
func Key(scope, identity string) string {
	if identity == "" {
		identity = UnknownClient
	}
	return scope + ":" + identity
}

// ParseIPList parses addresses and CIDR ranges into networks.
func ParseIPList(ipList []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet

	for _, ipStr := range ipList {
		if ipStr == "" {
			continue
		}

		// Try to parse as CIDR first
		_, network, err := net.ParseCIDR(ipStr)
		if err != nil {
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address or CIDR: %s", ipStr)
			}

			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}

		networks = append(networks, network)
	}

	return networks, nil
}
