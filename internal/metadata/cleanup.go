package metadata

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultNoisePatterns are removed from every attached body.
var DefaultNoisePatterns = []string{
	// empty headings
	`(?m)^#{1,6}[ \t]*$\n?`,
	// fences the parser wraps whole documents in
	"(?m)^```(?:markdown|md)[ \\t]*$\\n?",
	"\\n```[ \\t]*\\z",
	// offline banners
	`(?im)^.*you (?:are|appear to be) (?:currently )?offline.*$\n?`,
	// skip links
	`(?im)^[ \t]*\[?skip to (?:main )?content\]?(?:\([^)]*\))?[ \t]*$\n?`,
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Cleaner strips noise from Markdown bodies.
type Cleaner struct {
	patterns []*regexp.Regexp
}

// NewCleaner compiles patterns; an empty list selects DefaultNoisePatterns.
func NewCleaner(patterns []string) (*Cleaner, error) {
	if len(patterns) == 0 {
		patterns = DefaultNoisePatterns
	}
	c := &Cleaner{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("noise pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Clean applies every pattern, drops repeated link-list lines and collapses
// blank-line runs.
func (c *Cleaner) Clean(body string) string {
	for _, re := range c.patterns {
		body = re.ReplaceAllString(body, "")
	}
	body = dedupeLinkLines(body)
	body = blankRuns.ReplaceAllString(body, "\n\n")
	return strings.TrimLeft(body, "\n")
}

// dedupeLinkLines keeps the first occurrence of each list line that is only a
// link, which is how repeated navigation lists show up after conversion.
func dedupeLinkLines(body string) string {
	lines := strings.Split(body, "\n")
	seen := make(map[string]struct{})
	out := lines[:0]
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if isLinkItem(key) {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func isLinkItem(line string) bool {
	for _, bullet := range []string{"- [", "* [", "+ ["} {
		if strings.HasPrefix(line, bullet) {
			return strings.HasSuffix(line, ")")
		}
	}
	return false
}
