package escalate

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

// Scrubber strips identifying values from escalation payloads before
// they leave the device. Each replacement carries a short hash suffix
// so operators can correlate scrubbed values across escalations
// without seeing the originals.
type Scrubber struct {
	patterns []scrubPattern
}

type scrubPattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// NewScrubber compiles the active pattern set: IP addresses, user
// profile paths, and credential-shaped strings.
func NewScrubber() *Scrubber {
	defs := []struct {
		category string
		pattern  string
		tag      string
	}{
		// Credential pairs first so their values never survive as
		// anything else: password=hunter2, token: abc, api_key=...
		{"credential", `(?i)\b(?:password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key)\b\s*[:=]\s*\S+`, "CREDENTIAL-REDACTED"},

		// Authorization headers: Bearer eyJhbGci...
		{"bearer", `(?i)\bbearer\s+[A-Za-z0-9\-_.=]{8,}`, "CREDENTIAL-REDACTED"},

		// IPv4 addresses
		{"ip", `\b(?:\d{1,3}\.){3}\d{1,3}\b`, "IP-REDACTED"},

		// Windows user profile paths: C:\Users\jsmith\...
		{"winpath", `(?i)[A-Z]:\\Users\\[^\\\s"']+`, "USERPATH-REDACTED"},

		// Unix home paths: /home/jsmith, /Users/jsmith
		{"homepath", `(?:/home|/Users)/[^/\s"']+`, "USERPATH-REDACTED"},
	}

	patterns := make([]scrubPattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, scrubPattern{
			category: d.category,
			re:       regexp.MustCompile(d.pattern),
			tag:      d.tag,
		})
	}
	return &Scrubber{patterns: patterns}
}

// hashSuffix gives the first 8 hex chars of SHA-256 for correlation.
func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces matches with tagged placeholders like
// [IP-REDACTED-a1b2c3d4].
func (s *Scrubber) ScrubString(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// ScrubMap recursively scrubs string values. Returns a new map.
func (s *Scrubber) ScrubMap(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = s.scrubValue(v)
	}
	return out
}

func (s *Scrubber) scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.ScrubString(val)
	case map[string]any:
		return s.ScrubMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return v
	}
}
