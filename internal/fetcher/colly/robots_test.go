package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

type scriptedTripper struct {
	mu    sync.Mutex
	errs  []error
	calls map[string]int
}

func (s *scriptedTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	n := s.calls[req.URL.Host]
	s.calls[req.URL.Host]++
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, s.errs[n]
	}
	rec := httptest.NewRecorder()
	rec.WriteString("User-agent: *\nDisallow: /private")
	return rec.Result(), nil
}

func newTestRobots(base http.RoundTripper) *robotsTransport {
	t := newRobotsTransport(base)
	t.policy = retry.NewFixed(4, 0, isProbeTimeout)
	return t
}

func probe(t *testing.T, rt http.RoundTripper, rawURL string) (string, error) {
	t.Helper()
	resp, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, rawURL, nil))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck // test body
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), nil
}

func TestRobotsProbeFallsBackToAllowAllAfterTimeouts(t *testing.T) {
	t.Parallel()

	timeouts := []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}
	base := &scriptedTripper{errs: timeouts}
	rt := newTestRobots(base)

	body, err := probe(t, rt, "https://help.example.org/robots.txt")
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, body)
	require.Equal(t, 4, base.calls["help.example.org"])

	body, err = probe(t, rt, "https://help.example.org/robots.txt")
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, body)
	require.Equal(t, 4, base.calls["help.example.org"], "slow host is not probed again")
}

func TestRobotsProbeRecoversAfterOneTimeout(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{context.DeadlineExceeded}}
	body, err := probe(t, newTestRobots(base), "https://help.example.org/robots.txt")
	require.NoError(t, err)
	require.Contains(t, body, "Disallow: /private")
	require.Equal(t, 2, base.calls["help.example.org"])
}

func TestRobotsProbeSurfacesNonTimeoutErrors(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{errors.New("connection refused")}}
	_, err := probe(t, newTestRobots(base), "https://help.example.org/robots.txt")
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.calls["help.example.org"])
}

func TestRobotsTransportPassesDocumentsThrough(t *testing.T) {
	t.Parallel()

	base := &scriptedTripper{errs: []error{context.DeadlineExceeded}}
	_, err := probe(t, newTestRobots(base), "https://help.example.org/knowledgebase/article")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, base.calls["help.example.org"], "documents are retried by the fetch stage, not here")
}
