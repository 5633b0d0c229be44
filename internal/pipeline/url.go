package pipeline

import (
	"fmt"
	"hash/crc32"
	"net/url"
	"strings"
)

// FilenameForURL returns the content-addressed base name for a URL: the lowercase
// hex CRC-32 (IEEE) of the exact URL string, without zero padding.
func FilenameForURL(rawURL string) string {
	return fmt.Sprintf("%x", crc32.ChecksumIEEE([]byte(rawURL)))
}

// StripAnchor removes everything from the first '#'. The remainder is kept
// byte-for-byte so that FilenameForURL stays stable across runs.
func StripAnchor(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

// ValidateURL checks that a URL is absolute with an http(s) scheme and a host.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	return u, nil
}

// Hostname returns the lowercase host of rawURL, or "" when it cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
