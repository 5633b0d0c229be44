// Package fetch turns SourceLinks into raw files on disk plus manifest rows.
//
// Links are fetched in fixed-size batches; every fetch in a batch runs
// concurrently and the next batch starts only after the whole batch has
// finished. Per-document failures become manifest rows, never errors.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	collyfetcher "github.com/JakeFAU/pathway-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/pathway-indexer/internal/manifest"
	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

// ErrExcluded marks links skipped because their domain or URL is excluded.
var ErrExcluded = errors.New("url excluded")

// Hasher digests content in memory and on disk.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashFile(path string) (string, error)
}

// Waiter throttles requests per domain.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) (time.Duration, error)
}

// Config governs the stage.
type Config struct {
	BatchSize       int
	MaxAttempts     int
	RetryDelay      time.Duration
	PolitenessDelay time.Duration
	UserAgent       string
	Excluded        *pipeline.DomainMatcher
	ForcedFallback  *pipeline.DomainMatcher
	SiteRules       []SiteRule
}

// Deps are the collaborators of the stage. Browser and Limiter may be nil.
type Deps struct {
	HTTP    pipeline.Fetcher
	Browser pipeline.Fetcher
	Hasher  Hasher
	Clock   pipeline.Clock
	Limiter Waiter
	Logger  *zap.Logger
}

// Stats counts per-document outcomes of one Run.
type Stats struct {
	Crawled         int `json:"crawled"`
	Fetched         int `json:"fetched"`
	SkippedExisting int `json:"skipped_existing"`
	Excluded        int `json:"excluded"`
	Failed          int `json:"failed"`
	Fallback        int `json:"fallback"`
}

// Result is the outcome of one Run.
type Result struct {
	Manifest *manifest.Manifest
	Stats    Stats
	Failures []pipeline.Failure
}

// Outcome classifies what happened to one link.
type Outcome string

const (
	OutcomeFetched  Outcome = "fetched"
	OutcomeExisting Outcome = "skipped_existing"
	OutcomeExcluded Outcome = "excluded"
	OutcomeFailed   Outcome = "failed"
	OutcomeFallback Outcome = "fallback"
)

// Stage fetches documents into a run layout.
type Stage struct {
	cfg     Config
	http    pipeline.Fetcher
	browser pipeline.Fetcher
	hasher  Hasher
	clock   pipeline.Clock
	limiter Waiter
	policy  retry.Policy
	rules   map[string]SiteRule
	logger  *zap.Logger
}

// New builds a Stage.
func New(cfg Config, deps Deps) *Stage {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := make(map[string]SiteRule, len(cfg.SiteRules))
	for _, rule := range cfg.SiteRules {
		rules[strings.ToLower(rule.Host)] = rule
	}
	return &Stage{
		cfg:     cfg,
		http:    deps.HTTP,
		browser: deps.Browser,
		hasher:  deps.Hasher,
		clock:   deps.Clock,
		limiter: deps.Limiter,
		policy:  retry.NewFixed(cfg.MaxAttempts, cfg.RetryDelay, retryable),
		rules:   rules,
		logger:  logger.Named("fetch"),
	}
}

// retryable never retries a 403; it goes to the browser instead.
func retryable(err error) bool {
	var statusErr *collyfetcher.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusForbidden {
		return false
	}
	return retry.TransientNetwork(err)
}

// Run fetches links in batches, then finalizes the manifest and error report in
// layout. Only context cancellation and manifest IO errors are returned.
func (s *Stage) Run(ctx context.Context, layout pipeline.Layout, links []pipeline.SourceLink) (Result, error) {
	var (
		counters [5]atomic.Int64
		mu       sync.Mutex
		failures []pipeline.Failure
	)
	counterFor := map[Outcome]*atomic.Int64{
		OutcomeFetched:  &counters[0],
		OutcomeExisting: &counters[1],
		OutcomeExcluded: &counters[2],
		OutcomeFailed:   &counters[3],
		OutcomeFallback: &counters[4],
	}

	current := &manifest.Manifest{}
	for startIdx := 0; startIdx < len(links); startIdx += s.cfg.BatchSize {
		end := min(startIdx+s.cfg.BatchSize, len(links))
		batch := links[startIdx:end]
		rows := make([]*pipeline.FetchedDocument, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, link := range batch {
			g.Go(func() error {
				doc, out, err := s.FetchOne(gctx, layout, link)
				if err != nil {
					return err
				}
				counterFor[out].Add(1)
				metrics.ObserveDocument("fetch", string(out))
				if out == OutcomeFailed {
					mu.Lock()
					failures = append(failures, pipeline.Failure{URL: link.URL, Reason: doc.Filepath})
					mu.Unlock()
				}
				if out != OutcomeExcluded {
					rows[i] = &doc
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, fmt.Errorf("fetch batch %d: %w", startIdx/s.cfg.BatchSize, err)
		}
		for _, row := range rows {
			if row != nil {
				current.Append(*row)
			}
		}
		s.logger.Debug("batch done", zap.Int("offset", startIdx), zap.Int("size", len(batch)))
	}

	merged, err := manifest.Finalize(layout.ManifestPath(), layout.ErrorReportPath(), current)
	if err != nil {
		return Result{}, fmt.Errorf("finalize manifest: %w", err)
	}

	stats := Stats{
		Crawled:         len(links),
		Fetched:         int(counters[0].Load()),
		SkippedExisting: int(counters[1].Load()),
		Excluded:        int(counters[2].Load()),
		Failed:          int(counters[3].Load()),
		Fallback:        int(counters[4].Load()),
	}
	s.logger.Info("fetch finished",
		zap.Int("links", stats.Crawled),
		zap.Int("fetched", stats.Fetched),
		zap.Int("skipped_existing", stats.SkippedExisting),
		zap.Int("excluded", stats.Excluded),
		zap.Int("failed", stats.Failed),
		zap.Int("fallback", stats.Fallback),
	)
	return Result{Manifest: merged, Stats: stats, Failures: failures}, nil
}

// FetchOne fetches a single link. The returned error is non-nil only when ctx
// ends; every other problem is expressed as a failure row.
func (s *Stage) FetchOne(ctx context.Context, layout pipeline.Layout, link pipeline.SourceLink) (pipeline.FetchedDocument, Outcome, error) {
	logger := s.logger.With(zap.String("url", link.URL))
	row := pipeline.FetchedDocument{
		Heading:    link.FirstSection(),
		Subheading: link.FirstSubsection(),
		Title:      link.FirstTitle(),
		URL:        link.URL,
	}

	if s.cfg.Excluded.MatchURL(link.URL) {
		logger.Debug("excluded")
		return row, OutcomeExcluded, nil
	}
	if _, err := pipeline.ValidateURL(link.URL); err != nil {
		logger.Warn("malformed url", zap.Error(err))
		return s.failureRow(row, pipeline.ContentError, err.Error()), OutcomeFailed, nil
	}

	name := link.Filename
	if name == "" {
		name = pipeline.FilenameForURL(link.URL)
	}
	htmlPath := filepath.Join(layout.HTMLDir(), name+".html")

	if doc, ok := s.fromExisting(row, layout, name); ok {
		logger.Debug("raw file exists, skipping fetch", zap.String("path", doc.Filepath))
		return doc, OutcomeExisting, nil
	}

	if s.cfg.ForcedFallback.MatchURL(link.URL) {
		logger.Info("forced browser fallback")
		return s.fallback(ctx, row, htmlPath, logger)
	}

	resp, attempts, err := retry.DoValue(ctx, s.policy, func(ctx context.Context, attempt int) (pipeline.FetchResponse, error) {
		if err := sleep(ctx, s.cfg.PolitenessDelay); err != nil {
			return pipeline.FetchResponse{}, err
		}
		if s.limiter != nil {
			if _, err := s.limiter.Wait(ctx, link.URL); err != nil {
				return pipeline.FetchResponse{}, err
			}
		}
		resp, err := s.http.Fetch(ctx, pipeline.FetchRequest{URL: link.URL, Headers: s.headers()})
		if err != nil && attempt < s.cfg.MaxAttempts && retryable(err) {
			logger.Warn("fetch attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return resp, err
	})
	if ctx.Err() != nil {
		return row, OutcomeFailed, ctx.Err()
	}
	if err != nil {
		var statusErr *collyfetcher.StatusError
		if errors.As(err, &statusErr) {
			if statusErr.Code == http.StatusForbidden {
				logger.Info("access forbidden, using browser", zap.Error(err))
				return s.fallback(ctx, row, htmlPath, logger)
			}
			logger.Warn("http error", zap.Int("status", statusErr.Code), zap.Int("attempts", attempts))
			return s.failureRow(row, strconv.Itoa(statusErr.Code), statusErr.Error()), OutcomeFailed, nil
		}
		logger.Warn("fetch failed", zap.Int("attempts", attempts), zap.Error(err))
		return s.failureRow(row, pipeline.ContentError, err.Error()), OutcomeFailed, nil
	}

	doc, err := s.store(ctx, row, resp, name, layout)
	if err != nil {
		logger.Error("store failed", zap.Error(err))
		return s.failureRow(row, pipeline.ContentError, err.Error()), OutcomeFailed, nil
	}
	logger.Debug("fetched", zap.String("path", doc.Filepath), zap.String("content_type", doc.ContentType))
	return doc, OutcomeFetched, nil
}

func (s *Stage) headers() http.Header {
	if s.cfg.UserAgent == "" {
		return nil
	}
	return http.Header{"User-Agent": {s.cfg.UserAgent}}
}

// fromExisting rebuilds a row from a raw file left by an earlier attempt.
// Files under crawl/others carry their media subtype as the extension.
func (s *Stage) fromExisting(row pipeline.FetchedDocument, layout pipeline.Layout, name string) (pipeline.FetchedDocument, bool) {
	candidates := []struct{ path, kind string }{
		{filepath.Join(layout.HTMLDir(), name+".html"), pipeline.ContentHTML},
		{filepath.Join(layout.PDFDir(), name+".pdf"), pipeline.ContentPDF},
	}
	others, _ := filepath.Glob(filepath.Join(layout.OthersDir(), name+".*"))
	for _, path := range others {
		candidates = append(candidates, struct{ path, kind string }{path, strings.TrimPrefix(filepath.Ext(path), ".")})
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate.path)
		if err != nil || info.IsDir() {
			continue
		}
		hash, err := s.hasher.HashFile(candidate.path)
		if err != nil {
			s.logger.Warn("rehash existing file", zap.String("path", candidate.path), zap.Error(err))
		}
		row.Filepath = candidate.path
		row.ContentType = candidate.kind
		row.ContentHash = hash
		row.LastUpdate = s.clock.Now()
		return row, true
	}
	return row, false
}

func (s *Stage) fallback(ctx context.Context, row pipeline.FetchedDocument, htmlPath string, logger *zap.Logger) (pipeline.FetchedDocument, Outcome, error) {
	if s.browser == nil {
		return s.failureRow(row, pipeline.ContentError, "browser fallback unavailable"), OutcomeFailed, nil
	}
	resp, err := s.browser.Fetch(ctx, pipeline.FetchRequest{URL: row.URL})
	if ctx.Err() != nil {
		return row, OutcomeFailed, ctx.Err()
	}
	if err != nil {
		logger.Warn("browser fallback failed", zap.Error(err))
		return s.failureRow(row, pipeline.ContentError, err.Error()), OutcomeFailed, nil
	}
	if err := writeFile(htmlPath, resp.Body); err != nil {
		return s.failureRow(row, pipeline.ContentError, err.Error()), OutcomeFailed, nil
	}
	row.Filepath = htmlPath
	row.ContentType = pipeline.ContentFallbackHTML
	row.ContentHash = ""
	row.LastUpdate = s.clock.Now()
	return row, OutcomeFallback, nil
}

// store routes a successful response by media type and writes it to disk.
func (s *Stage) store(ctx context.Context, row pipeline.FetchedDocument, resp pipeline.FetchResponse, name string, layout pipeline.Layout) (pipeline.FetchedDocument, error) {
	mediaType := resp.Headers.Get("Content-Type")
	if mediaType == "" {
		mediaType = http.DetectContentType(resp.Body)
	}
	parsed, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		parsed = strings.ToLower(strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0]))
	}
	subtype := parsed
	if idx := strings.IndexByte(parsed, '/'); idx >= 0 {
		subtype = parsed[idx+1:]
	}

	body := resp.Body
	var path string
	switch parsed {
	case "text/html":
		path = filepath.Join(layout.HTMLDir(), name+".html")
		if rule, ok := s.rules[pipeline.Hostname(row.URL)]; ok {
			if rule.Render {
				rendered, err := s.render(ctx, row.URL)
				if err != nil {
					return row, err
				}
				body = rendered
			}
			body = s.applySiteRule(ctx, rule, row.URL, body)
		}
	case "application/pdf":
		path = filepath.Join(layout.PDFDir(), name+".pdf")
	default:
		path = filepath.Join(layout.OthersDir(), name+"."+subtype)
	}

	if err := writeFile(path, body); err != nil {
		return row, err
	}
	hash, err := s.hasher.Hash(body)
	if err != nil {
		return row, fmt.Errorf("hash %s: %w", path, err)
	}
	row.Filepath = path
	row.ContentType = subtype
	row.ContentHash = hash
	row.LastUpdate = s.clock.Now()
	return row, nil
}

func (s *Stage) failureRow(row pipeline.FetchedDocument, contentType, reason string) pipeline.FetchedDocument {
	row.Filepath = reason
	row.ContentType = contentType
	row.ContentHash = ""
	row.LastUpdate = s.clock.Now()
	return row
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
