// Package storage selects a BlobStore backend and exports finished Markdown to it.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/storage/gcs"
	"github.com/JakeFAU/pathway-indexer/internal/storage/local"
	"github.com/JakeFAU/pathway-indexer/internal/storage/memory"
)

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

const markdownContentType = "text/markdown; charset=utf-8"

// Config selects and configures a backend.
type Config struct {
	Backend string
	BaseDir string
	Bucket  string
}

// New builds the configured BlobStore. It returns a nil store for the none
// backend. The close func is never nil.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (pipeline.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket}, logger)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// ExportResult lists what was uploaded.
type ExportResult struct {
	Uploaded  int      `json:"uploaded"`
	Locations []string `json:"-"`
}

// Exporter uploads a run's finished Markdown files.
type Exporter struct {
	store  pipeline.BlobStore
	prefix string
	logger *zap.Logger
}

// NewExporter wraps store. Objects are written under prefix.
func NewExporter(store pipeline.BlobStore, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("export"),
	}
}

// Export uploads every out/from_*/*.md of layout to
// <prefix>/<runID>/<dir>/<name>.md. It stops at the first failed upload.
func (e *Exporter) Export(ctx context.Context, runID string, layout pipeline.Layout) (ExportResult, error) {
	var result ExportResult
	if e == nil || e.store == nil {
		return result, nil
	}
	for _, dir := range layout.OutputDirs() {
		files, err := markdownFiles(dir)
		if err != nil {
			return result, err
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			key := path.Join(e.prefix, runID, filepath.Base(dir), filepath.Base(file))
			location, err := e.upload(ctx, key, file)
			if err != nil {
				return result, err
			}
			result.Uploaded++
			result.Locations = append(result.Locations, location)
		}
	}
	e.logger.Info("corpus exported", zap.String("run_id", runID), zap.Int("uploaded", result.Uploaded))
	return result, nil
}

func (e *Exporter) upload(ctx context.Context, key, file string) (string, error) {
	f, err := os.Open(file) //nolint:gosec // file comes from the run layout
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close() //nolint:errcheck // read-only
	location, err := e.store.PutObject(ctx, key, markdownContentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return location, nil
}

func markdownFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}
