// Package matcher implements client-side match-mode filtering for the
// extract driver and the list/md-list subcommands (spec §6 "match mode
// (regex/glob/literal)"). Patterns are never sent to the server: a full
// file list or manifest is always walked locally and filtered here (spec §9
// open question on match-mode scope).
package matcher

import (
	"fmt"
	"regexp"

	"github.com/ryanuber/go-glob"
)

// Mode selects how Pattern interprets a match string.
type Mode string

const (
	ModeLiteral Mode = "literal"
	ModeGlob    Mode = "glob"
	ModeRegex   Mode = "regex"
)

// Matcher decides whether a manifest entry's filename is selected.
type Matcher struct {
	mode    Mode
	literal string
	re      *regexp.Regexp
	glob    string
}

// New compiles pattern under mode. An empty pattern matches everything,
// regardless of mode, so callers can default to "select all" without a
// special case.
func New(mode Mode, pattern string) (*Matcher, error) {
	if pattern == "" {
		return &Matcher{mode: ModeLiteral, literal: ""}, nil
	}
	switch mode {
	case ModeLiteral:
		return &Matcher{mode: mode, literal: pattern}, nil
	case ModeGlob:
		return &Matcher{mode: mode, glob: pattern}, nil
	case ModeRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matcher: bad regex %q: %w", pattern, err)
		}
		return &Matcher{mode: mode, re: re}, nil
	default:
		return nil, fmt.Errorf("matcher: unknown match mode %q", mode)
	}
}

// Match reports whether name is selected.
func (m *Matcher) Match(name string) bool {
	switch m.mode {
	case ModeLiteral:
		return m.literal == "" || m.literal == name
	case ModeGlob:
		return glob.Glob(m.glob, name)
	case ModeRegex:
		return m.re.MatchString(name)
	default:
		return false
	}
}

// MatchAll is a Matcher equivalent that always selects every entry, used as
// the default when no CLI match flags are given.
func MatchAll() *Matcher {
	return &Matcher{mode: ModeLiteral, literal: ""}
}
