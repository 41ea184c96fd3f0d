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

// Package threat classifies untrusted strings against fixed signature lists
// and sanitizes text before it is stored or echoed.
package threat

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Severity ranks a finding.
type Severity string

// Severities.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Category names an attack family.
type Category string

// Categories.
const (
	SQLInjection     Category = "sql_injection"
	XSS              Category = "xss"
	PathTraversal    Category = "path_traversal"
	CommandInjection Category = "command_injection"
)

// Finding records the first signature of a category that matched an input.
type Finding struct {
	Severity  Severity `json:"severity"`
	Category  Category `json:"category"`
	PatternID string   `json:"patternId"`
	Context   string   `json:"context"`
}

type signature struct {
	id      string
	pattern *regexp.Regexp
}

type family struct {
	category   Category
	severity   Severity
	signatures []signature
}

func sig(id, expr string) signature {
	return signature{id: id, pattern: regexp.MustCompile(expr)}
}

// families is ordered; Classify reports findings in this order.
var families = []family{
	{
		category: SQLInjection,
		severity: SeverityCritical,
		signatures: []signature{
			sig("sqli-union-select", `(?i)\bunion\b(\s+all)?\s+select\b`),
			sig("sqli-tautology", `(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`),
			sig("sqli-stacked-query", `(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec)\b`),
			sig("sqli-comment-terminator", `(?i)['"]\s*(--|#|/\*)`),
			sig("sqli-ddl", `(?i)\b(drop\s+table|insert\s+into|delete\s+from|xp_cmdshell)\b`),
			sig("sqli-time-based", `(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`),
		},
	},
	{
		category: XSS,
		severity: SeverityCritical,
		signatures: []signature{
			sig("xss-script-tag", `(?i)<\s*script\b`),
			sig("xss-javascript-uri", `(?i)javascript\s*:`),
			sig("xss-vbscript-uri", `(?i)vbscript\s*:`),
			sig("xss-event-handler", `(?i)\bon(load|error|click|mouseover|mouseout|focus|blur|submit|change|input|keydown|keyup|animationstart|toggle)\s*=`),
			sig("xss-embedded-object", `(?i)<\s*(iframe|object|embed|svg|math|base)\b`),
			sig("xss-dom-sink", `(?i)\b(document\.(cookie|write)|eval\s*\(|innerHTML\s*=)`),
		},
	},
	{
		category: PathTraversal,
		severity: SeverityHigh,
		signatures: []signature{
			sig("traversal-dot-dot", `\.\.[/\\]`),
			sig("traversal-encoded", `(?i)(%2e%2e|\.\.)(%2f|%5c)|%2e%2e[/\\]`),
			sig("traversal-null-byte", `(?i)%00|\x00`),
			sig("traversal-sensitive-file", `(?i)(/etc/(passwd|shadow|hosts)|c:\\windows\\|boot\.ini|win\.ini)`),
		},
	},
	{
		category: CommandInjection,
		severity: SeverityCritical,
		signatures: []signature{
			sig("cmd-chained-command", `(?i)(;|&&|\|\|?)\s*(cat|ls|rm|wget|curl|nc|ncat|bash|sh|zsh|chmod|chown|python\d?|perl|ruby|php|whoami|id|uname|ping|nslookup)\b`),
			sig("cmd-backtick-substitution", "`[^`]+`"),
			sig("cmd-dollar-substitution", `\$\([^)]*\)`),
			sig("cmd-shell-path", `(?i)(/bin/(ba|z)?sh\b|\bcmd\.exe\b|\bpowershell(\.exe)?\b)`),
		},
	},
}

// Classify returns at most one finding per category, naming the first
// signature of that category that matches input. Context is attached to each
// finding unchanged. An input that matches nothing yields no findings.
func Classify(input, context string) []Finding {
	if input == "" {
		return nil
	}

	var findings []Finding
	for _, fam := range families {
		for _, s := range fam.signatures {
			if s.pattern.MatchString(input) {
				findings = append(findings, Finding{
					Severity:  fam.severity,
					Category:  fam.category,
					PatternID: s.id,
					Context:   context,
				})
				break
			}
		}
	}
	return findings
}

// ClassifyValues classifies every value of a query or form, plus the decoded
// keys. The context of each finding is prefix + "." + key.
func ClassifyValues(values url.Values, prefix string) []Finding {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var findings []Finding
	for _, k := range keys {
		ctx := prefix + "." + k
		findings = append(findings, Classify(k, ctx)...)
		for _, v := range values[k] {
			findings = append(findings, Classify(v, ctx)...)
		}
	}
	return findings
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Categories lists the distinct categories of findings as strings, in order of first appearance.
func Categories(findings []Finding) []string {
	seen := make(map[Category]bool, len(findings))
	var out []string
	for _, f := range findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			out = append(out, string(f.Category))
		}
	}
	return out
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	var b strings.Builder
	count := 0
	for _, r := range s {
		if count == n {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
