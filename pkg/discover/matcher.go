package discover

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is wrapped by PatternError.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError names the offending pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error { return e.Err }

// Matcher filters names with doublestar include/exclude globs. A name
// matches when it matches any include and no exclude. With no includes
// every name is included. Safe for concurrent use.
type Matcher struct {
	includes []string
	excludes []string
}

// NewMatcher validates and compiles the patterns.
func NewMatcher(includes, excludes []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range includes {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		m.includes = append(m.includes, p)
	}
	for _, raw := range excludes {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		m.excludes = append(m.excludes, p)
	}
	return m, nil
}

func compile(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" || !doublestar.ValidatePattern(p) {
		return "", &PatternError{Pattern: raw, Err: ErrInvalidPattern}
	}
	return p, nil
}

// Match reports whether name passes the filter.
func (m *Matcher) Match(name string) bool {
	if m == nil {
		return true
	}
	if len(m.includes) > 0 && !anyMatch(m.includes, name) {
		return false
	}
	return !anyMatch(m.excludes, name)
}

// Prefix returns the longest static directory prefix shared by every
// include pattern, for narrowing provider listings.
func (m *Matcher) Prefix() string {
	if m == nil || len(m.includes) == 0 {
		return ""
	}
	prefix := staticPrefix(m.includes[0])
	for _, p := range m.includes[1:] {
		sp := staticPrefix(p)
		for !strings.HasPrefix(sp, prefix) {
			i := strings.LastIndexByte(strings.TrimSuffix(prefix, "/"), '/')
			if i < 0 {
				return ""
			}
			prefix = prefix[:i+1]
		}
	}
	return prefix
}

// staticPrefix cuts a pattern at its first metacharacter and backs up to
// the last complete path segment.
func staticPrefix(p string) string {
	i := strings.IndexAny(p, `*?[{\`)
	if i < 0 {
		i = len(p)
	}
	if j := strings.LastIndexByte(p[:i], '/'); j >= 0 {
		return p[:j+1]
	}
	return ""
}

func anyMatch(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
