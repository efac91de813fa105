package screen

import (
	"fmt"
	"regexp"
	"strings"
)

// Blocklist decides whether a request origin belongs to a blocked frontend.
// It supports two matching modes:
//
//   - Substring match: the lowercased origin contains the entry.
//   - Regex match: the origin is tested against a compiled regexp.
//
// A nil *Blocklist is safe to call — Blocked always returns false.
type Blocklist struct {
	substrings []string
	patterns   []*regexp.Regexp
}

// NewBlocklist compiles the given substrings and regex patterns into a
// Blocklist. Returns an error if any pattern fails to compile so that
// misconfiguration is caught at startup.
func NewBlocklist(substrings, patterns []string) (*Blocklist, error) {
	bl := &Blocklist{}

	for _, s := range substrings {
		if s != "" {
			bl.substrings = append(bl.substrings, strings.ToLower(s))
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("screen blocklist: invalid pattern %q: %w", p, err)
		}
		bl.patterns = append(bl.patterns, re)
	}

	return bl, nil
}

// Blocked reports whether the given origin matches the blocklist.
// Substring rules are checked first, then regex patterns in order.
func (bl *Blocklist) Blocked(origin string) bool {
	if bl == nil {
		return false
	}
	origin = strings.ToLower(origin)
	for _, s := range bl.substrings {
		if strings.Contains(origin, s) {
			return true
		}
	}
	for _, re := range bl.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// Len returns the total number of blocklist rules configured.
func (bl *Blocklist) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.substrings) + len(bl.patterns)
}

// defaultOriginBlocklist blocks free-tier traffic from known roleplay
// frontends.
func defaultOriginBlocklist() *Blocklist {
	bl, _ := NewBlocklist([]string{
		"janitor", "spicychat", "crushon", "replika", "chub", "silly", "tavern",
	}, nil)
	return bl
}
