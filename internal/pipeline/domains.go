package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DomainMatcher stores exact hosts and suffix wildcards. A bare pattern such as
// "sharepoint.com" also matches every subdomain, which is how excluded domains
// are written in the excluded-domains file.
type DomainMatcher struct {
	exact    map[string]struct{}
	suffixes []string
	urls     map[string]struct{}
}

// NewDomainMatcher builds a matcher from host patterns. Entries that look like
// full URLs (with a scheme) are matched exactly against the anchor-stripped URL.
func NewDomainMatcher(patterns []string) *DomainMatcher {
	m := &DomainMatcher{
		exact: make(map[string]struct{}),
		urls:  make(map[string]struct{}),
	}
	for _, raw := range patterns {
		m.Add(raw)
	}
	return m
}

// Add registers one pattern.
func (m *DomainMatcher) Add(raw string) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.HasPrefix(value, "#") {
		return
	}
	if strings.Contains(value, "://") {
		m.urls[StripAnchor(value)] = struct{}{}
		return
	}
	value = strings.ToLower(value)
	switch {
	case strings.HasPrefix(value, "*."):
		m.addSuffix(strings.TrimPrefix(value, "*."))
	case strings.HasPrefix(value, "."):
		m.addSuffix(strings.TrimPrefix(value, "."))
	default:
		m.exact[value] = struct{}{}
		m.addSuffix(value)
	}
}

func (m *DomainMatcher) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// MatchHost reports whether host is covered by a host pattern.
func (m *DomainMatcher) MatchHost(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// MatchURL reports whether rawURL is listed explicitly or its host is matched.
func (m *DomainMatcher) MatchURL(rawURL string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.urls[StripAnchor(strings.TrimSpace(rawURL))]; ok {
		return true
	}
	return m.MatchHost(Hostname(rawURL))
}

// Len returns the number of registered patterns.
func (m *DomainMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.suffixes) + len(m.urls)
}

// LoadPatternFile reads one pattern per line. A missing file yields no patterns.
func LoadPatternFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open pattern file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			patterns = append(patterns, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan pattern file: %w", err)
	}
	return patterns, nil
}
