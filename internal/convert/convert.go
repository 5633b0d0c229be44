// Package convert turns fetched documents into Markdown. Each document moves
// through FETCHED, NORMALIZED, PARSED and FINALIZED; exhausting the retries of
// any step quarantines it in out/error.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

var (
	// ErrEmptyNormalization means normalization produced no text.
	ErrEmptyNormalization = errors.New("normalization produced no text")
	// ErrEmptyParse is logged when the parser returned nothing and the
	// intermediate text was loaded directly.
	ErrEmptyParse = errors.New("parser returned no content")
	// ErrUnsupported marks raw files that cannot be read as text.
	ErrUnsupported = errors.New("unsupported content")
)

// Config governs the converter.
type Config struct {
	Workers        int
	MaxAttempts    int
	RetryDelay     time.Duration
	StripSelectors []string
	UseReadability bool
}

// Deps are the converter's collaborators. A nil Parser loads every
// intermediate directly.
type Deps struct {
	Extractor pipeline.Extractor
	Parser    pipeline.Parser
	Logger    *zap.Logger
}

// Stats counts conversion outcomes.
type Stats struct {
	Converted   int `json:"converted"`
	DirectLoad  int `json:"parsed_empty_direct_load"`
	Quarantined int `json:"quarantined"`
	Empty       int `json:"empty_normalization"`
	ParseErrors int `json:"parse_errors"`
}

// Result is the outcome of a conversion run.
type Result struct {
	Results     []pipeline.ConversionResult
	Stats       Stats
	Quarantined []string
}

// Converter runs the conversion state machine over a set of documents.
type Converter struct {
	cfg       Config
	extractor pipeline.Extractor
	parser    pipeline.Parser
	normalize retry.Policy
	parse     retry.Policy
	logger    *zap.Logger
}

// New builds a Converter.
func New(cfg Config, deps Deps) *Converter {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{
		cfg:       cfg,
		extractor: deps.Extractor,
		parser:    deps.Parser,
		normalize: retry.NewFixed(cfg.MaxAttempts, cfg.RetryDelay, func(err error) bool {
			return !errors.Is(err, ErrUnsupported)
		}),
		parse:  retry.NewFixed(cfg.MaxAttempts, cfg.RetryDelay, nil),
		logger: logger.Named("convert"),
	}
}

// Run converts docs with a bounded worker pool. Results keep the input order.
// Only context cancellation is returned as an error.
func (c *Converter) Run(ctx context.Context, layout pipeline.Layout, docs []pipeline.FetchedDocument) (Result, error) {
	var (
		converted, direct, quarantined, empty, parseErrs atomic.Int64
		mu                                               sync.Mutex
		quarantine                                       []string
	)
	results := make([]pipeline.ConversionResult, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, doc := range docs {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			res := c.Convert(gctx, layout, doc)
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = res
			switch res.Status {
			case pipeline.ConversionSuccess:
				converted.Add(1)
			case pipeline.ConversionFallback:
				converted.Add(1)
				direct.Add(1)
			case pipeline.ConversionEmpty:
				empty.Add(1)
			case pipeline.ConversionParseError:
				parseErrs.Add(1)
			}
			if res.State == pipeline.StateErrored {
				quarantined.Add(1)
				if res.QuarantinePath != "" {
					mu.Lock()
					quarantine = append(quarantine, res.QuarantinePath)
					mu.Unlock()
				}
			}
			metrics.ObserveDocument("convert", string(res.Status))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("convert: %w", err)
	}

	stats := Stats{
		Converted:   int(converted.Load()),
		DirectLoad:  int(direct.Load()),
		Quarantined: int(quarantined.Load()),
		Empty:       int(empty.Load()),
		ParseErrors: int(parseErrs.Load()),
	}
	c.logger.Info("conversion finished",
		zap.Int("documents", len(docs)),
		zap.Int("converted", stats.Converted),
		zap.Int("direct_load", stats.DirectLoad),
		zap.Int("quarantined", stats.Quarantined),
	)
	return Result{Results: results, Stats: stats, Quarantined: quarantine}, nil
}

// Convert runs one document through the state machine.
func (c *Converter) Convert(ctx context.Context, layout pipeline.Layout, doc pipeline.FetchedDocument) pipeline.ConversionResult {
	name := baseName(doc.Filepath)
	outDir := layout.OutputDirFor(doc)
	res := pipeline.ConversionResult{
		Document:     doc,
		Intermediate: filepath.Join(outDir, name+".txt"),
		MarkdownPath: filepath.Join(outDir, name+".md"),
		State:        pipeline.StateFetched,
	}
	logger := c.logger.With(zap.String("url", doc.URL), zap.String("file", doc.Filepath))

	var norm Normalized
	_, err := retry.Do(ctx, c.normalize, func(ctx context.Context, attempt int) error {
		var err error
		norm, err = c.normalizeDoc(ctx, doc)
		if err != nil {
			logger.Warn("normalization attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		res.Status = pipeline.ConversionEmpty
		if !errors.Is(err, ErrEmptyNormalization) {
			res.Status = pipeline.ConversionParseError
		}
		return c.quarantine(ctx, layout, res, "", err, logger)
	}
	if err := writeText(res.Intermediate, norm.Text); err != nil {
		res.Status = pipeline.ConversionParseError
		return c.quarantine(ctx, layout, res, "", err, logger)
	}
	res.Title = norm.Title
	res.State = pipeline.StateNormalized

	markdown := norm.Text
	res.Status = pipeline.ConversionSuccess
	if c.parser != nil && !isOther(doc) {
		profile := pipeline.ProfileHTML
		if doc.IsPDF() {
			profile = pipeline.ProfilePDF
		}
		parsed, _, err := retry.DoValue(ctx, c.parse, func(ctx context.Context, attempt int) (string, error) {
			out, err := c.parser.Parse(ctx, name+".txt", norm.Text, profile)
			if err != nil {
				logger.Warn("parse attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			}
			return out, err
		})
		if err != nil {
			res.Status = pipeline.ConversionParseError
			return c.quarantine(ctx, layout, res, res.Intermediate, err, logger)
		}
		if strings.TrimSpace(parsed) == "" {
			logger.Info("direct load", zap.Error(ErrEmptyParse))
			res.Status = pipeline.ConversionFallback
		} else {
			markdown = parsed
		}
	} else if !isOther(doc) {
		res.Status = pipeline.ConversionFallback
	}
	res.State = pipeline.StateParsed

	if err := writeText(res.MarkdownPath, withTitle(res.Title, markdown)); err != nil {
		res.Status = pipeline.ConversionParseError
		return c.quarantine(ctx, layout, res, res.Intermediate, err, logger)
	}
	if err := os.Remove(res.Intermediate); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove intermediate", zap.Error(err))
	}
	res.State = pipeline.StateFinalized
	logger.Debug("document converted", zap.String("markdown", res.MarkdownPath), zap.String("status", string(res.Status)))
	return res
}

func (c *Converter) normalizeDoc(ctx context.Context, doc pipeline.FetchedDocument) (Normalized, error) {
	raw, err := os.ReadFile(doc.Filepath)
	if err != nil {
		return Normalized{}, retry.Permanent(fmt.Errorf("read raw file: %w", err))
	}
	switch {
	case doc.IsHTML():
		return NormalizeHTML(raw, doc.URL, c.cfg.StripSelectors, c.cfg.UseReadability)
	case doc.IsPDF():
		if c.extractor == nil {
			return Normalized{}, fmt.Errorf("%w: no extractor configured for pdf", ErrUnsupported)
		}
		elements, err := c.extractor.Partition(ctx, doc.Filepath, raw)
		if err != nil {
			return Normalized{}, fmt.Errorf("partition pdf: %w", err)
		}
		text := strings.TrimSpace(pipeline.CleanText(ElementsToMarkdown(elements)))
		if text == "" {
			return Normalized{}, ErrEmptyNormalization
		}
		return Normalized{Text: text}, nil
	default:
		if !utf8.Valid(raw) {
			return Normalized{}, fmt.Errorf("%w: %s is not utf-8 text", ErrUnsupported, doc.ContentType)
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return Normalized{}, ErrEmptyNormalization
		}
		return Normalized{Text: text}, nil
	}
}

// quarantine moves src (or the raw file when src is empty or gone) to
// out/error and removes every partial artifact from the active tree.
func (c *Converter) quarantine(ctx context.Context, layout pipeline.Layout, res pipeline.ConversionResult, src string, cause error, logger *zap.Logger) pipeline.ConversionResult {
	res.State = pipeline.StateErrored
	res.Reason = cause.Error()
	if ctx.Err() != nil {
		// The run is ending; leave the files for the next run.
		return res
	}
	if src == "" {
		src = res.Intermediate
	}
	if _, err := os.Stat(src); err != nil {
		src = res.Document.Filepath
	}
	dst := filepath.Join(layout.QuarantineDir(), filepath.Base(src))
	if err := os.MkdirAll(layout.QuarantineDir(), 0o750); err != nil {
		logger.Error("create quarantine dir", zap.Error(err))
	} else if err := os.Rename(src, dst); err != nil {
		logger.Error("quarantine failed", zap.String("source", src), zap.Error(err))
	} else {
		res.QuarantinePath = dst
	}
	for _, p := range []string{res.Intermediate, res.MarkdownPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove partial artifact", zap.String("path", p), zap.Error(err))
		}
	}
	logger.Error("document quarantined",
		zap.String("status", string(res.Status)),
		zap.String("quarantine", res.QuarantinePath),
		zap.Error(cause),
	)
	return res
}

func isOther(doc pipeline.FetchedDocument) bool {
	return !doc.IsHTML() && !doc.IsPDF()
}

func withTitle(title, markdown string) string {
	if title == "" {
		return markdown
	}
	return "title: " + strings.ReplaceAll(title, "\n", " ") + "\n" + markdown
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeText(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
