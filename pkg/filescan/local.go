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
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	keywordScanBytes = 64 * 1024
	entropyScanBytes = 8 * 1024

	// More distinct indicators than this is a hard verdict.
	keywordHardThreshold = 3
	highEntropy          = 7.8
	elevatedEntropy      = 7.5
	suspicionThreshold   = 3
)

var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".pif": true,
	".scr": true, ".vbs": true, ".vbe": true, ".js": true, ".jse": true,
	".jar": true, ".msi": true, ".msp": true, ".dll": true, ".ps1": true,
	".psm1": true, ".sh": true, ".app": true, ".deb": true, ".rpm": true,
	".hta": true, ".cpl": true, ".reg": true, ".lnk": true, ".wsf": true,
	".gadget": true, ".msc": true, ".apk": true, ".dmg": true, ".iso": true,
}

type magic struct {
	name   string
	prefix []byte
}

var executableMagic = []magic{
	{"PE executable", []byte{0x4D, 0x5A}},
	{"ELF executable", []byte{0x7F, 0x45, 0x4C, 0x46}},
	{"Mach-O executable", []byte{0xFE, 0xED, 0xFA, 0xCE}},
	{"Mach-O executable", []byte{0xFE, 0xED, 0xFA, 0xCF}},
	{"Mach-O executable", []byte{0xCE, 0xFA, 0xED, 0xFE}},
	{"Mach-O executable", []byte{0xCF, 0xFA, 0xED, 0xFE}},
	{"Mach-O universal binary", []byte{0xCA, 0xFE, 0xBA, 0xBE}},
}

var scriptIndicators = []string{
	"<script",
	"javascript:",
	"eval(",
	"document.write",
	"fromcharcode",
	"activexobject",
	"wscript.shell",
	"createobject",
	"powershell",
	"cmd.exe",
	"/bin/sh",
	"/bin/bash",
	"<?php",
	"shell_exec",
	"base64_decode",
	"system(",
	"exec(",
}

var eicarSignature = []byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE")

// LocalProvider applies content heuristics without external dependencies.
type LocalProvider struct{}

// NewLocalProvider creates the heuristic provider.
func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

// Name implements Provider.
func (*LocalProvider) Name() ProviderName { return ProviderLocal }

// Available implements Provider.
func (*LocalProvider) Available(context.Context) bool { return true }

// Scan implements Provider. Checks run in order; the first hard indicator
// decides the verdict. Soft indicators accumulate and make the file unsafe
// once they reach the suspicion threshold.
func (*LocalProvider) Scan(ctx context.Context, data []byte, filename, mimeType string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	if len(data) == 0 {
		return Verdict{ThreatName: "Empty file", Details: "zero-length content is not accepted"}, nil
	}

	if v, bad := checkExtension(filename); bad {
		return v, nil
	}

	for _, m := range executableMagic {
		if bytes.HasPrefix(data, m.prefix) {
			return Verdict{ThreatName: "Executable content", Details: m.name + " signature detected"}, nil
		}
	}

	if bytes.Contains(data, eicarSignature) {
		return Verdict{ThreatName: "EICAR-Test-File", Details: "antivirus test signature detected"}, nil
	}

	var reasons []string
	suspicion := 0

	indicators := keywordIndicators(data)
	switch {
	case len(indicators) > keywordHardThreshold:
		return Verdict{
			ThreatName: "Suspicious script content",
			Details:    "script indicators: " + strings.Join(indicators, ", "),
		}, nil
	case len(indicators) >= 2:
		suspicion++
		reasons = append(reasons, "script indicators: "+strings.Join(indicators, ", "))
	}

	detected := mimetype.Detect(data)
	compressed := isCompressedContainer(detected)

	entropy := ShannonEntropy(head(data, entropyScanBytes))
	switch {
	case entropy > highEntropy && !compressed:
		return Verdict{
			ThreatName: "High entropy content",
			Details:    fmt.Sprintf("entropy %.2f suggests packed or encrypted payload", entropy),
		}, nil
	case entropy > highEntropy:
		suspicion++
		reasons = append(reasons, fmt.Sprintf("entropy %.2f", entropy))
	case entropy >= elevatedEntropy:
		suspicion++
		reasons = append(reasons, fmt.Sprintf("elevated entropy %.2f", entropy))
	}

	if mimeType != "" && mimeMismatch(mimeType, detected) {
		suspicion++
		reasons = append(reasons, fmt.Sprintf("declared %s but detected %s", mimeType, detected.String()))
	}

	if suspicion >= suspicionThreshold {
		return Verdict{ThreatName: "Multiple suspicious indicators", Details: strings.Join(reasons, "; ")}, nil
	}
	return Verdict{Safe: true, Details: strings.Join(reasons, "; ")}, nil
}

func checkExtension(filename string) (Verdict, bool) {
	name := strings.ToLower(filepath.Base(filename))
	ext := filepath.Ext(name)
	if !dangerousExtensions[ext] {
		return Verdict{}, false
	}

	inner := filepath.Ext(strings.TrimSuffix(name, ext))
	if inner != "" && !dangerousExtensions[inner] {
		return Verdict{
			ThreatName: "Double extension",
			Details:    fmt.Sprintf("%q hides executable extension %s behind %s", filename, ext, inner),
		}, true
	}
	return Verdict{
		ThreatName: "Dangerous file type",
		Details:    fmt.Sprintf("extension %s is not accepted", ext),
	}, true
}

func keywordIndicators(data []byte) []string {
	sample := bytes.ToLower(head(data, keywordScanBytes))
	var found []string
	for _, ind := range scriptIndicators {
		if bytes.Contains(sample, []byte(ind)) {
			found = append(found, ind)
		}
	}
	return found
}

// ShannonEntropy returns the entropy of data in bits per byte (0 to 8).
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// isCompressedContainer reports formats whose payload is always compressed,
// where high entropy is expected.
func isCompressedContainer(m *mimetype.MIME) bool {
	for _, t := range []string{
		"image/jpeg", "image/png", "image/gif", "image/webp", "image/avif", "image/heic",
		"application/zip", "application/gzip", "application/x-7z-compressed", "application/pdf",
		"audio/mpeg", "video/mp4", "video/webm", "audio/ogg",
	} {
		if m.Is(t) {
			return true
		}
	}
	for p := m; p != nil; p = p.Parent() {
		if p.Is("application/zip") {
			return true
		}
	}
	return false
}

// mimeMismatch reports a declared type that disagrees with the sniffed one.
// An undetectable binary never counts, and plain text only counts when a
// non-text type was declared.
func mimeMismatch(declared string, detected *mimetype.MIME) bool {
	declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	if declared == "" || declared == "application/octet-stream" {
		return false
	}
	if detected.Is("application/octet-stream") {
		return false
	}
	if detected.Is("text/plain") && (strings.HasPrefix(declared, "text/") || strings.HasSuffix(declared, "json") || strings.HasSuffix(declared, "xml")) {
		return false
	}
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return false
		}
	}
	return true
}

func head(data []byte, n int) []byte {
	if len(data) > n {
		return data[:n]
	}
	return data
}
