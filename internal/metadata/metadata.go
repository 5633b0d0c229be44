// Package metadata attaches provenance front matter to finished Markdown
// artifacts by matching their filename against all_links.csv.
package metadata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// Config governs the associator.
type Config struct {
	// TitleExcluded lists domains whose extracted page titles are not trusted.
	TitleExcluded *pipeline.DomainMatcher
	NoisePatterns []string
}

// Stats counts association outcomes.
type Stats struct {
	Attached  int `json:"metadata_attached"`
	Unmatched int `json:"unmatched"`
	Failed    int `json:"metadata_failed"`
}

// Unmatched is one artifact without index metadata.
type Unmatched struct {
	Path   string
	Reason string
}

// Result is the outcome of one association pass.
type Result struct {
	Stats     Stats
	Unmatched []Unmatched
}

// Associator matches Markdown artifacts to SourceLinks.
type Associator struct {
	cfg     Config
	cleaner *Cleaner
	logger  *zap.Logger
}

// New builds an Associator.
func New(cfg Config, logger *zap.Logger) (*Associator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner, err := NewCleaner(cfg.NoisePatterns)
	if err != nil {
		return nil, err
	}
	return &Associator{cfg: cfg, cleaner: cleaner, logger: logger.Named("metadata")}, nil
}

// Record builds the metadata for link. pageTitle wins over the index title
// unless it is empty or the link's domain is excluded.
func (a *Associator) Record(link pipeline.SourceLink, pageTitle string) pipeline.MetadataRecord {
	title := strings.TrimSpace(pageTitle)
	if title == "" || a.cfg.TitleExcluded.MatchURL(link.URL) {
		title = joinClean(link.Titles)
	}
	return pipeline.MetadataRecord{
		URL:        link.URL,
		Heading:    joinClean(link.Sections),
		Subheading: joinClean(slices.DeleteFunc(slices.Clone(link.Subsections), isMissing)),
		Title:      title,
		Role:       link.Role,
	}
}

// Run attaches metadata to every Markdown artifact under the output
// directories of layout and writes the unmatched report.
func (a *Associator) Run(layout pipeline.Layout, links []pipeline.SourceLink) (Result, error) {
	byName := make(map[string]pipeline.SourceLink, len(links))
	for _, link := range links {
		byName[link.Filename] = link
	}

	var res Result
	for _, dir := range layout.OutputDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Result{}, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			key := strings.TrimSuffix(entry.Name(), ".md")
			link, ok := byName[key]
			if !ok {
				a.logger.Warn("no metadata found for artifact", zap.String("path", path))
				res.Unmatched = append(res.Unmatched, Unmatched{Path: path, Reason: "filename not in all_links.csv"})
				metrics.ObserveDocument("metadata", "unmatched")
				continue
			}
			if err := a.Attach(path, link); err != nil {
				a.logger.Error("attach metadata", zap.String("path", path), zap.String("url", link.URL), zap.Error(err))
				res.Stats.Failed++
				metrics.ObserveDocument("metadata", "failed")
				continue
			}
			res.Stats.Attached++
			metrics.ObserveDocument("metadata", "attached")
		}
	}
	res.Stats.Unmatched = len(res.Unmatched)

	if err := WriteUnmatched(layout.UnmatchedPath(), res.Unmatched); err != nil {
		return Result{}, err
	}
	a.logger.Info("metadata association finished",
		zap.Int("attached", res.Stats.Attached),
		zap.Int("unmatched", res.Stats.Unmatched),
		zap.Int("failed", res.Stats.Failed),
	)
	return res, nil
}

// Attach rewrites the artifact at path with fresh front matter. Any existing
// block and leading title line are replaced, so attaching twice leaves exactly
// one block.
func (a *Associator) Attach(path string, link pipeline.SourceLink) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the run layout
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	block, body := SplitFrontMatter(string(data))
	pageTitle, body := ExtractTitle(body)
	if pageTitle == "" {
		pageTitle = titleFromBlock(block)
	}

	rec := a.Record(link, pageTitle)
	out, err := Render(rec, a.cleaner.Clean(body))
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o600); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace artifact: %w", err)
	}
	return nil
}

// WriteUnmatched writes the unmatched-artifact report.
func WriteUnmatched(path string, rows []Unmatched) error {
	f, err := os.Create(path) //nolint:gosec // path comes from the run layout
	if err != nil {
		return fmt.Errorf("create unmatched report: %w", err)
	}
	if err := encodeUnmatched(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close unmatched report: %w", err)
	}
	return nil
}

func encodeUnmatched(out io.Writer, rows []Unmatched) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"Filepath", "Reason"}); err != nil {
		return fmt.Errorf("write unmatched header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write([]string{row.Path, row.Reason}); err != nil {
			return fmt.Errorf("write unmatched row %s: %w", row.Path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write unmatched report: %w", err)
	}
	return nil
}

func joinClean(values []string) string {
	var parts []string
	for _, v := range values {
		if c := pipeline.CleanText(v); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " | ")
}

func isMissing(v string) bool {
	return strings.TrimSpace(v) == pipeline.MissingValue
}
