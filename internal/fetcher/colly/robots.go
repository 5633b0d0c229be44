package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsTransport wraps the HTTP transport for robots.txt probes. Probes that
// keep timing out are answered with an allow-all body, and the host is
// remembered so later documents on it skip the probe.
type robotsTransport struct {
	base   http.RoundTripper
	policy retry.Policy

	mu       sync.Mutex
	allowAll map[string]struct{}
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{
		base:     base,
		policy:   retry.NewFixed(4, 250*time.Millisecond, isProbeTimeout),
		allowAll: make(map[string]struct{}),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	host := strings.ToLower(req.URL.Host)
	if t.knownSlow(host) {
		return allowAllResponse(req), nil
	}
	resp, _, err := retry.DoValue(req.Context(), t.policy, func(_ context.Context, _ int) (*http.Response, error) {
		return t.base.RoundTrip(req.Clone(req.Context()))
	})
	switch {
	case err == nil:
		return resp, nil
	case req.Context().Err() != nil:
		return nil, fmt.Errorf("robots probe %s: %w", host, err)
	case isProbeTimeout(err):
		metrics.ObserveRobotsFallback()
		t.markSlow(host)
		return allowAllResponse(req), nil
	default:
		return nil, fmt.Errorf("robots probe %s: %w", host, err)
	}
}

func (t *robotsTransport) knownSlow(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.allowAll[host]
	return ok
}

func (t *robotsTransport) markSlow(host string) {
	t.mu.Lock()
	t.allowAll[host] = struct{}{}
	t.mu.Unlock()
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func isProbeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
