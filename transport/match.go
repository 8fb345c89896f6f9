package transport

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Separator splits keys into chunks.
const Separator = '/'

// Matcher matches concrete keys against a key expression.
//
// A key expression is a key whose chunks may be "*" (any text within one
// chunk) or "**" (any number of chunks, including none). "*" may also
// appear inside a chunk, as in "sensor*". Other characters match
// literally.
type Matcher struct {
	pattern string
	literal bool
	g       glob.Glob
}

// Compile parses a key expression.
func Compile(pattern string) (*Matcher, error) {
	expr, literal, err := translate(pattern)
	if err != nil {
		return nil, err
	}
	g, err := glob.Compile(expr, Separator)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, pattern, err)
	}
	return &Matcher{pattern: pattern, literal: literal, g: g}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether key matches the expression.
func (m *Matcher) Match(key string) bool {
	if m.literal {
		return key == m.pattern
	}
	return m.g.Match(key)
}

// Literal reports whether the expression has no wildcards.
func (m *Matcher) Literal() bool {
	return m.literal
}

// String returns the key expression.
func (m *Matcher) String() string {
	return m.pattern
}

// ValidateKey checks that key is a concrete key usable for publishing.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsRune(key, '*') {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidKey, key)
	}
	for _, chunk := range strings.Split(key, string(Separator)) {
		if chunk == "" {
			return fmt.Errorf("%w: %q has an empty chunk", ErrInvalidKey, key)
		}
	}
	return nil
}

// translate rewrites a key expression as a glob over '/'. A "**" chunk
// becomes optional so that "a/**/b" also matches "a/b".
func translate(pattern string) (string, bool, error) {
	if pattern == "" {
		return "", false, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	chunks := strings.Split(pattern, string(Separator))
	literal := true
	var b strings.Builder
	skipSep := false
	for i, chunk := range chunks {
		switch {
		case chunk == "":
			return "", false, fmt.Errorf("%w: %q has an empty chunk", ErrInvalidPattern, pattern)
		case chunk == "**":
			literal = false
			if i > 0 && chunks[i-1] == "**" {
				continue
			}
			switch {
			case len(chunks) == 1:
				b.WriteString("**")
			case i == 0:
				b.WriteString("{**/,}")
				skipSep = true
			default:
				b.WriteString("{/**,}")
			}
			continue
		case strings.Contains(chunk, "**"):
			return "", false, fmt.Errorf("%w: %q: \"**\" must be a whole chunk", ErrInvalidPattern, pattern)
		}

		if i > 0 && !skipSep {
			b.WriteRune(Separator)
		}
		skipSep = false
		parts := strings.Split(chunk, "*")
		if len(parts) > 1 {
			literal = false
		}
		for j, part := range parts {
			if j > 0 {
				b.WriteByte('*')
			}
			b.WriteString(glob.QuoteMeta(part))
		}
	}
	return b.String(), literal, nil
}
