package monitoring

import (
	"regexp"
	"strings"
)

// Kind names the family an error line belongs to.
type Kind string

const (
	KindError     Kind = "error"     // Explicit error marker
	KindSuffix    Kind = "suffix"    // Unknown structure member
	KindNullRef   Kind = "nullref"   // Null reference from the host runtime
	KindException Kind = "exception" // Host runtime diagnostic prefix
)

// Pattern maps a line pattern to an error kind.
type Pattern struct {
	Regex *regexp.Regexp
	Kind  Kind
}

// PatternRegistry holds the patterns that classify a line as an error.
type PatternRegistry struct {
	patterns []Pattern
}

// NewPatternRegistry creates a registry with the default kOS error patterns.
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{
		patterns: defaultPatterns(),
	}
}

// Detect returns the kind of the first pattern matching line, or "" when the
// line is not an error.
func (r *PatternRegistry) Detect(line string) Kind {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	for _, p := range r.patterns {
		if p.Regex.MatchString(line) {
			return p.Kind
		}
	}
	return ""
}

// AddPattern adds a custom error pattern.
func (r *PatternRegistry) AddPattern(pattern string, kind Kind) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, Pattern{Regex: re, Kind: kind})
	return nil
}

// defaultPatterns returns the built-in error patterns.
// First match wins, so the more specific kinds come first.
func defaultPatterns() []Pattern {
	return []Pattern{
		{regexp.MustCompile(`(?i)suffix\b.*\bnot found`), KindSuffix},
		{regexp.MustCompile(`(?i)object reference not set|null ?reference`), KindNullRef},
		{regexp.MustCompile(`^\s*(?:System|kOS)\.[\w.]*Exception`), KindException},
		{regexp.MustCompile(`(?i)(?:^|\W)error(?:\W|$)`), KindError},
	}
}

var (
	quotedRE = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberRE = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
	spaceRE  = regexp.MustCompile(`\s+`)
)

// Normalize reduces an error line to its signature: quoted literals become
// "<S>", numbers become <N> and whitespace runs collapse to one space, so
// "line 12: 'FOO'" and "line 40: 'BAR'" share a signature.
func Normalize(line string) string {
	s := quotedRE.ReplaceAllString(line, `"<S>"`)
	s = numberRE.ReplaceAllString(s, "<N>")
	s = spaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
