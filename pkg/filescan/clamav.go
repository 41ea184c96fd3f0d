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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	clamChunkSize   = 64 * 1024
	clamPingTimeout = 2 * time.Second
)

// ClamAVProvider scans through a clamd daemon using the INSTREAM command.
type ClamAVProvider struct {
	network string
	address string
	dialer  net.Dialer
}

// NewClamAVProvider creates a provider for the clamd TCP address. Addresses
// starting with "/" are treated as unix sockets.
func NewClamAVProvider(address string) *ClamAVProvider {
	network := "tcp"
	if strings.HasPrefix(address, "/") {
		network = "unix"
	}
	return &ClamAVProvider{network: network, address: address}
}

// Name implements Provider.
func (*ClamAVProvider) Name() ProviderName { return ProviderClamAV }

// Available implements Provider by sending PING.
func (c *ClamAVProvider) Available(ctx context.Context) bool {
	if c.address == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, clamPingTimeout)
	defer cancel()

	reply, err := c.command(ctx, "PING", nil)
	return err == nil && reply == "PONG"
}

// Scan implements Provider.
func (c *ClamAVProvider) Scan(ctx context.Context, data []byte, _, _ string) (Verdict, error) {
	reply, err := c.command(ctx, "INSTREAM", data)
	if err != nil {
		return Verdict{}, err
	}
	return parseClamReply(reply)
}

// command sends a z-prefixed (NUL terminated) clamd command. When payload is
// non-nil it is streamed as length-prefixed chunks followed by a zero-length chunk.
func (c *ClamAVProvider) command(ctx context.Context, cmd string, payload []byte) (string, error) {
	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return "", fmt.Errorf("clamd dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("z" + cmd + "\x00"); err != nil {
		return "", fmt.Errorf("clamd write: %w", err)
	}
	if payload != nil {
		var size [4]byte
		for off := 0; off < len(payload); off += clamChunkSize {
			end := min(off+clamChunkSize, len(payload))
			binary.BigEndian.PutUint32(size[:], uint32(end-off))
			if _, err := w.Write(size[:]); err != nil {
				return "", fmt.Errorf("clamd write: %w", err)
			}
			if _, err := w.Write(payload[off:end]); err != nil {
				return "", fmt.Errorf("clamd write: %w", err)
			}
		}
		binary.BigEndian.PutUint32(size[:], 0)
		if _, err := w.Write(size[:]); err != nil {
			return "", fmt.Errorf("clamd write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("clamd write: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes(0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("clamd read: %w", err)
	}
	return string(bytes.TrimRight(reply, "\x00\n")), nil
}

// parseClamReply interprets "stream: OK", "stream: <name> FOUND" and "... ERROR".
func parseClamReply(reply string) (Verdict, error) {
	_, status, ok := strings.Cut(reply, ": ")
	if !ok {
		status = reply
	}
	switch {
	case status == "OK":
		return Verdict{Safe: true}, nil
	case strings.HasSuffix(status, " FOUND"):
		name := strings.TrimSuffix(status, " FOUND")
		return Verdict{ThreatName: name, Details: "clamd signature match"}, nil
	case strings.HasSuffix(status, " ERROR"):
		return Verdict{}, fmt.Errorf("clamd error: %s", strings.TrimSuffix(status, " ERROR"))
	default:
		return Verdict{}, fmt.Errorf("unexpected clamd reply %q", reply)
	}
}
