package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/manifest"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func TestInitializeCreatesSentinelLedger(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "crawl_ledger.json")
	lastOutput := filepath.Join(dir, "last_output_data.csv")
	require.NoError(t, os.WriteFile(lastOutput, []byte("stale"), 0o600))

	l := New(path, lastOutput, fakeClock{}, nil)
	state, err := l.Initialize()
	require.NoError(t, err)
	require.False(t, state.HasPrevious())
	require.True(t, state.LastCrawl.IsZero())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"last_crawl_detail":"Never","last_folder_crawl":"Never"}`, string(data))

	_, err = os.Stat(lastOutput)
	require.True(t, errors.Is(err, os.ErrNotExist), "stale manifest copy must be removed")
}

func TestInitializeLoadsExistingLedger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"last_crawl_detail":"2024-11-05T09:30:00.123456","last_folder_crawl":"data/2024-11-05_09-30-00"}`), 0o600))

	state, err := New(path, "", fakeClock{}, nil).Initialize()
	require.NoError(t, err)
	require.Equal(t, "data/2024-11-05_09-30-00", state.LastFolder)
	require.Equal(t, 2024, state.LastCrawl.Year())
}

func TestInitializeCorruptLedger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"bad timestamp", `{"last_crawl_detail":"yesterday","last_folder_crawl":"x"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "ledger.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o600))
			_, err := New(path, "", fakeClock{}, nil).Initialize()
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestUpdateAndPreviousHashes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	lastOutput := filepath.Join(dir, "last_output_data.csv")
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	layout := pipeline.NewLayout(dir, now)

	require.NoError(t, manifest.Write(layout.ManifestPath(), []pipeline.FetchedDocument{
		{URL: "https://x/a", Filepath: "a.html", ContentType: "html", ContentHash: "h1"},
	}))

	l := New(path, lastOutput, fakeClock{now: now}, nil)
	_, err := l.Initialize()
	require.NoError(t, err)
	require.NoError(t, l.Update(layout))

	state, err := l.Initialize()
	require.NoError(t, err)
	require.Equal(t, layout.Root, state.LastFolder)
	require.True(t, now.Equal(state.LastCrawl))

	hashes := l.PreviousHashes(state)
	require.Equal(t, map[string]string{"https://x/a": "h1"}, hashes)

	_, err = os.Stat(lastOutput)
	require.NoError(t, err)
}

func TestPreviousHashesDegradesToEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := New(filepath.Join(dir, "ledger.json"), filepath.Join(dir, "missing.csv"), fakeClock{}, nil)
	hashes := l.PreviousHashes(State{LastFolder: filepath.Join(dir, "gone")})
	require.NotNil(t, hashes)
	require.Empty(t, hashes)
}

func TestLoadDoesNotCreateLedger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.json")
	l := New(path, "", fakeClock{}, nil)
	state, err := l.Load()
	require.NoError(t, err)
	require.False(t, state.HasPrevious())
	_, err = os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, os.WriteFile(path, []byte(`{"last_crawl_detail":"Never","last_folder_crawl":"data/x"}`), 0o600))
	state, err = l.Load()
	require.NoError(t, err)
	require.Equal(t, "data/x", state.LastFolder)
	require.True(t, state.LastCrawl.IsZero())
}
