package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces every masked value
const Redacted = "***REDACTED***"

// DefaultPatterns mask credentials and internal topology in job output
var DefaultPatterns = []string{
	// passwords
	`password[\s=:'"]+[^\s'"]+`,
	`passwd[\s=:'"]+[^\s'"]+`,
	`pwd[\s=:'"]+[^\s'"]+`,
	// api keys and tokens
	`api[_-]?key[\s=:'"]+[^\s'"]+`,
	`api[_-]?token[\s=:'"]+[^\s'"]+`,
	`access[_-]?token[\s=:'"]+[^\s'"]+`,
	`auth[_-]?token[\s=:'"]+[^\s'"]+`,
	`bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	// aws
	`aws[_-]?access[_-]?key[_-]?id[\s=:'"]+[^\s'"]+`,
	`aws[_-]?secret[_-]?access[_-]?key[\s=:'"]+[^\s'"]+`,
	// private keys
	`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]+?-----END [A-Z ]+PRIVATE KEY-----`,
	`secret[\s=:'"]+[^\s'"]+`,
	// connection strings and urls, before the bare addresses and paths inside them
	`(?:mongodb|postgresql|mysql|mssql|oracle)://[^\s'"]+`,
	`https?://(?:[\w\-]+\.)?(?:local|internal|corp|intranet|lan|priv|private)[^\s'"]*`,
	`https?://(?:10\.|172\.(?:1[6-9]|2[0-9]|3[01])\.|192\.168\.)[^\s'"]*`,
	`(?:Server|Host|Data Source)\s*=\s*[^\s;,'"]+`,
	`(?:Database|Initial Catalog)\s*=\s*[^\s;,'"]+`,
	// addresses
	`\b(?:10\.|172\.(?:1[6-9]|2[0-9]|3[01])\.|192\.168\.)\d{1,3}\.\d{1,3}\b`,
	`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`,
	`\b[\w-]+\.(?:local|internal|corp|intranet|lan|priv|private)\b`,
	`\b[\w-]+\.(?:ad|domain)\.[\w-]+\b`,
	// paths
	`[C-Z]:\\(?:[\w\-. ]+\\)*[\w\-. ]+`,
	`/(?:home|root|opt|var|usr|etc)/(?:[\w\-.]+/)*[\w\-.]+`,
	`\\\\[\w\-.]+\\[\w\-$]+(?:\\[\w\-. ]+)*`,
}

var keyValueSep = regexp.MustCompile(`[=:]`)

// Sanitizer masks sensitive values in job output
type Sanitizer struct {
	patterns []*regexp.Regexp
}

// NewSanitizer compiles patterns case-insensitively; no patterns means DefaultPatterns
func NewSanitizer(patterns []string) (*Sanitizer, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	s := &Sanitizer{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("sanitize pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Sanitize keeps the key of a key=value or key: value match visible and masks the rest
func (s *Sanitizer) Sanitize(out string) string {
	if s == nil || out == "" {
		return out
	}
	for _, re := range s.patterns {
		out = re.ReplaceAllStringFunc(out, mask)
	}
	return out
}

func mask(match string) string {
	if loc := keyValueSep.FindStringIndex(match); loc != nil {
		key := strings.TrimRight(match[:loc[0]], " \t'\"")
		if key != "" {
			return key + "=" + Redacted
		}
	}
	return Redacted
}
