// redaction.go — Sensitive-header policy and secret scrubbing.
// Single source of truth for which headers are sensitive; every summary,
// snapshot, override filter, and log line consults this package.
// Uses RE2 regex (Go's regexp package) for guaranteed linear-time matching.
// Thread-safe: scrubbers are initialized once and reused across requests.
package redaction

import (
	"regexp"
	"strings"
)

// sensitiveHeaders is the canonical lowercase set. Add names here and
// nowhere else.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"proxy-authorization": {},
}

// IsSensitiveHeader reports whether the header name (any case) is in the
// sensitive set.
func IsSensitiveHeader(name string) bool {
	_, ok := sensitiveHeaders[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// SensitiveHeaderNames returns the sensitive names present in the given
// header map, lowercased. Used when snapshotting: names are recorded,
// values never are.
func SensitiveHeaderNames(headers map[string]string) []string {
	var names []string
	for name := range headers {
		if IsSensitiveHeader(name) {
			names = append(names, strings.ToLower(name))
		}
	}
	return names
}

// StripSensitive returns a copy of headers with every sensitive header
// removed. A nil map stays nil.
func StripSensitive(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if IsSensitiveHeader(name) {
			continue
		}
		out[name] = value
	}
	return out
}

// FilterOverrideHeaders drops sensitive names from a setHeaders override.
// Dropping is silent: a pack cannot smuggle credentials through overrides,
// and a typoed Authorization header must not abort the run either.
func FilterOverrideHeaders(set map[string]string) map[string]string {
	return StripSensitive(set)
}

// ============================================
// Secret Scrubbing
// ============================================

// builtinPatterns catches well-known credential shapes in free text,
// independent of any configured secret values.
var builtinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer [A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`Basic [A-Za-z0-9+/]+=*`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*\S+`),
}

// Scrubber removes known secret values and credential-shaped substrings
// from text before it reaches an error message, hint, or event.
// Safe for concurrent use after construction.
type Scrubber struct {
	values []string
}

// NewScrubber builds a scrubber over the given secret values. Empty and
// very short values are ignored — replacing every "a" in a message would
// destroy it without protecting anything.
func NewScrubber(secrets map[string]string) *Scrubber {
	s := &Scrubber{}
	for _, v := range secrets {
		if len(v) >= 4 {
			s.values = append(s.values, v)
		}
	}
	return s
}

// Scrub replaces secret values and credential patterns with [REDACTED].
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return ""
	}
	out := text
	for _, v := range s.values {
		out = strings.ReplaceAll(out, v, "[REDACTED]")
	}
	for _, re := range builtinPatterns {
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// ScrubError scrubs an error's text, returning "" for nil.
func (s *Scrubber) ScrubError(err error) string {
	if err == nil {
		return ""
	}
	return s.Scrub(err.Error())
}

// ============================================
// Snippets
// ============================================

// SnippetLimit caps how much body text may leave the process in a
// summary or event.
const SnippetLimit = 2 * 1024

// Snippet returns at most the first SnippetLimit bytes of body text,
// cut on a UTF-8 boundary.
func Snippet(body string) string {
	if len(body) <= SnippetLimit {
		return body
	}
	cut := SnippetLimit
	for cut > 0 && (body[cut]&0xC0) == 0x80 {
		cut--
	}
	return body[:cut]
}
