package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFC, drops control characters, collapses whitespace and trims.
// Line breaks and tabs count as whitespace, not as control characters.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			continue
		case unicode.Is(unicode.Cf, r):
			continue
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContentHash returns the hex SHA-256 of normalized text.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

var sourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// SourceSet is the closed vocabulary of fragment origins. An empty set accepts
// any well-formed source identifier.
type SourceSet map[string]struct{}

// DefaultSources mirrors the sources the ingestion jobs fetch from.
var DefaultSources = []string{"arxiv", "quotes", "scientific_news", "spirituality", "manual", "s3"}

// NewSourceSet builds a SourceSet, normalizing each name.
func NewSourceSet(names ...string) SourceSet {
	set := make(SourceSet, len(names))
	for _, n := range names {
		n = NormalizeSource(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// NormalizeSource lowercases and trims a source identifier.
func NormalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate normalizes source and checks it against the set.
func (s SourceSet) Validate(source string) (string, error) {
	name := NormalizeSource(source)
	if !sourcePattern.MatchString(name) {
		return "", Wrap(ErrInvalidSource, fmt.Errorf("malformed source %q", source))
	}
	if len(s) == 0 {
		return name, nil
	}
	if _, ok := s[name]; !ok {
		return "", Wrap(ErrInvalidSource, fmt.Errorf("%q", source))
	}
	return name, nil
}
