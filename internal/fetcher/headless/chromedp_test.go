package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{})
	require.NoError(t, err)
	require.Equal(t, 1, f.cfg.MaxParallel)
	require.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, f.cfg.Settle)
}

func TestFetchWaitsForFreeTab(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	require.NoError(t, f.slots.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, pipeline.FetchRequest{URL: "https://myinstitute.example.org/course"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchAfterCloseFails(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = f.Fetch(context.Background(), pipeline.FetchRequest{URL: "https://example.org"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	status, headers := doc.result()
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, headers)

	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.org/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.org/course",
			Headers: network.Headers{"Content-Type": "text/html"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://example.org/frame"},
	})
	doc.observe("not an event")

	status, headers = doc.result()
	require.Equal(t, 200, status)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
}

func TestNoopFetcher(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), pipeline.FetchRequest{})
	require.True(t, errors.Is(err, ErrDisabled))
	require.NoError(t, NewNoop().Close())
}
