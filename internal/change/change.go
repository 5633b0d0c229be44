// Package change partitions a run's documents into those whose previous
// Markdown can be reused and those that must be converted again.
package change

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// Decision is the partition a document lands in.
type Decision string

const (
	Reuse          Decision = "reuse"
	Reprocess      Decision = "reprocess"
	SkippedMissing Decision = "skipped_missing"
)

// Config governs the detector.
type Config struct {
	// ReprocessMissingArtifact sends REUSE candidates whose previous Markdown is
	// gone to REPROCESS instead of skipping them.
	ReprocessMissingArtifact bool
}

// Partition is the detector's output. The three sets are disjoint and together
// hold every input document.
type Partition struct {
	Reuse          []pipeline.FetchedDocument
	Reprocess      []pipeline.FetchedDocument
	SkippedMissing []pipeline.FetchedDocument
}

// Total is the number of documents across all sets.
func (p Partition) Total() int {
	return len(p.Reuse) + len(p.Reprocess) + len(p.SkippedMissing)
}

// Detector compares the current manifest against the previous run's hashes.
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Detector.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, logger: logger.Named("change")}
}

// Decide classifies one document without touching the filesystem beyond
// checking that the previous artifact exists.
func (d *Detector) Decide(doc pipeline.FetchedDocument, previous map[string]string, prev pipeline.Layout) (Decision, string) {
	if doc.ContentType != pipeline.ContentHTML {
		return Reprocess, ""
	}
	prevHash, ok := previous[doc.URL]
	if !ok || doc.ContentHash == "" || prevHash != doc.ContentHash {
		return Reprocess, ""
	}
	artifact := filepath.Join(prev.FromHTMLDir(), baseName(doc.Filepath)+".md")
	if _, err := os.Stat(artifact); err != nil {
		if d.cfg.ReprocessMissingArtifact {
			return Reprocess, artifact
		}
		return SkippedMissing, artifact
	}
	return Reuse, artifact
}

// Apply partitions docs and performs the REUSE action: the previous Markdown is
// copied into the current output tree and the freshly fetched raw file is
// removed. A REUSE whose copy fails falls back to REPROCESS. prev may be the
// zero Layout when there is no previous run.
func (d *Detector) Apply(docs []pipeline.FetchedDocument, previous map[string]string, prev, current pipeline.Layout) Partition {
	var part Partition
	for _, doc := range docs {
		logger := d.logger.With(zap.String("url", doc.URL))
		if prev.Root == "" {
			part.Reprocess = append(part.Reprocess, doc)
			metrics.ObserveDocument("change", string(Reprocess))
			continue
		}
		decision, artifact := d.Decide(doc, previous, prev)
		switch decision {
		case Reuse:
			if err := d.reuse(doc, artifact, current); err != nil {
				logger.Warn("reuse failed, reprocessing", zap.String("artifact", artifact), zap.Error(err))
				decision = Reprocess
				part.Reprocess = append(part.Reprocess, doc)
				break
			}
			logger.Debug("reused previous markdown", zap.String("artifact", artifact))
			part.Reuse = append(part.Reuse, doc)
		case SkippedMissing:
			logger.Warn("previous markdown missing, document skipped", zap.String("expected", artifact))
			part.SkippedMissing = append(part.SkippedMissing, doc)
		default:
			if artifact != "" {
				logger.Warn("previous markdown missing, reprocessing", zap.String("expected", artifact))
			}
			part.Reprocess = append(part.Reprocess, doc)
		}
		metrics.ObserveDocument("change", string(decision))
	}
	d.logger.Info("change detection finished",
		zap.Int("reuse", len(part.Reuse)),
		zap.Int("reprocess", len(part.Reprocess)),
		zap.Int("skipped_missing", len(part.SkippedMissing)),
	)
	return part
}

func (d *Detector) reuse(doc pipeline.FetchedDocument, artifact string, current pipeline.Layout) error {
	dst := filepath.Join(current.FromHTMLDir(), filepath.Base(artifact))
	if err := copyFile(artifact, dst); err != nil {
		return err
	}
	if err := os.Remove(doc.Filepath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove raw file: %w", err)
	}
	return nil
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // paths come from the run layout
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst) //nolint:gosec // paths come from the run layout
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
