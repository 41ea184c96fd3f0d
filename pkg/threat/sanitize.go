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

package threat

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxLength bounds sanitized output when no length is configured.
const DefaultMaxLength = 10000

var (
	scriptSchemes   = regexp.MustCompile(`(?i)(java|vb)script\s*:`)
	inlineHandlers  = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	nonImageDataURI = regexp.MustCompile(`(?i)\bdata\s*:\s*(?:[a-z]+/[a-z0-9.+-]+)?`)
	imageDataURI    = regexp.MustCompile(`(?i)^data\s*:\s*image/`)
)

// Sanitizer removes markup and script vectors from user text.
type Sanitizer struct {
	policy    *bluemonday.Policy
	strict    *bluemonday.Policy
	maxLength int
}

// NewSanitizer creates a sanitizer that keeps user-generated-content markup,
// allows data URIs only for images and truncates output to maxLength runes.
// A non-positive maxLength selects DefaultMaxLength.
func NewSanitizer(maxLength int) *Sanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	policy := bluemonday.UGCPolicy()
	policy.AllowDataURIImages()
	return &Sanitizer{policy: policy, strict: bluemonday.StrictPolicy(), maxLength: maxLength}
}

// Sanitize strips script tags, event handlers, script URIs and non-image data
// URIs from input and truncates the result.
func (s *Sanitizer) Sanitize(input string) string {
	if input == "" {
		return ""
	}

	out := s.policy.Sanitize(input)
	out = scriptSchemes.ReplaceAllString(out, "")
	out = inlineHandlers.ReplaceAllString(out, "")
	out = nonImageDataURI.ReplaceAllStringFunc(out, func(m string) string {
		if imageDataURI.MatchString(m) {
			return m
		}
		return ""
	})
	out = strings.TrimSpace(out)

	return truncateRunes(out, s.maxLength)
}

// angleBrackets drops markup that only appears once entities are decoded.
var angleBrackets = strings.NewReplacer("<", "", ">", "")

// SanitizePlain removes all markup and script vectors from input and returns
// unescaped text, for values such as filenames that are never rendered as HTML.
func (s *Sanitizer) SanitizePlain(input string) string {
	if input == "" {
		return ""
	}

	out := html.UnescapeString(s.strict.Sanitize(input))
	out = angleBrackets.Replace(out)
	out = scriptSchemes.ReplaceAllString(out, "")
	out = inlineHandlers.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)

	return truncateRunes(out, s.maxLength)
}

var defaultSanitizer = NewSanitizer(DefaultMaxLength)

// Sanitize applies the default sanitizer.
func Sanitize(input string) string {
	return defaultSanitizer.Sanitize(input)
}
