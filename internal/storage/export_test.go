package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/storage/local"
	"github.com/JakeFAU/pathway-indexer/internal/storage/memory"
)

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, r)
	return args.String(0), args.Error(1)
}

func writeRunOutputs(t *testing.T) pipeline.Layout {
	t.Helper()
	layout := pipeline.NewLayout(t.TempDir(), time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, layout.Create())
	files := map[string]string{
		filepath.Join(layout.FromHTMLDir(), "b.md"):     "---\nurl: https://x/b\n---\nB",
		filepath.Join(layout.FromHTMLDir(), "a.md"):     "A",
		filepath.Join(layout.FromHTMLDir(), "a.txt"):    "intermediate",
		filepath.Join(layout.FromPDFDir(), "doc.md"):    "PDF",
		filepath.Join(layout.QuarantineDir(), "bad.md"): "skip",
	}
	for path, body := range files {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	return layout
}

func TestExportUploadsMarkdownOnly(t *testing.T) {
	t.Parallel()

	layout := writeRunOutputs(t)
	store := memory.NewBlobStore()
	exporter := NewExporter(store, "/corpus/", nil)

	result, err := exporter.Export(context.Background(), "run-1", layout)
	require.NoError(t, err)
	require.Equal(t, 3, result.Uploaded)
	require.Equal(t, []string{
		"corpus/run-1/from_html/a.md",
		"corpus/run-1/from_html/b.md",
		"corpus/run-1/from_pdf/doc.md",
	}, store.Keys())

	body, ok := store.Get("corpus/run-1/from_pdf/doc.md")
	require.True(t, ok)
	require.Equal(t, "PDF", string(body))
	require.Equal(t, "memory://corpus/run-1/from_html/a.md", result.Locations[0])
}

func TestExportStopsOnUploadError(t *testing.T) {
	t.Parallel()

	layout := writeRunOutputs(t)
	store := &mockBlobStore{}
	store.On("PutObject", mock.Anything, "run-2/from_html/a.md", markdownContentType, mock.Anything).
		Return("", errors.New("quota exceeded")).Once()

	_, err := NewExporter(store, "", nil).Export(context.Background(), "run-2", layout)
	require.ErrorContains(t, err, "quota exceeded")
	store.AssertExpectations(t)
}

func TestExportWithoutStoreIsNoop(t *testing.T) {
	t.Parallel()

	var exporter *Exporter
	result, err := exporter.Export(context.Background(), "run", pipeline.Layout{})
	require.NoError(t, err)
	require.Zero(t, result.Uploaded)
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, closeFn, err := New(ctx, Config{Backend: "none"}, nil)
	require.NoError(t, err)
	require.Nil(t, store)
	require.NoError(t, closeFn())

	store, _, err = New(ctx, Config{Backend: "memory"}, nil)
	require.NoError(t, err)
	require.IsType(t, &memory.BlobStore{}, store)

	store, _, err = New(ctx, Config{Backend: "LOCAL", BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.IsType(t, &local.BlobStore{}, store)

	_, _, err = New(ctx, Config{Backend: "s3"}, nil)
	require.ErrorContains(t, err, "unsupported storage backend")
}
