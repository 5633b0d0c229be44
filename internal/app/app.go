// Package app builds the long-lived services of the indexer from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/api"
	"github.com/JakeFAU/pathway-indexer/internal/change"
	"github.com/JakeFAU/pathway-indexer/internal/clock/system"
	"github.com/JakeFAU/pathway-indexer/internal/config"
	"github.com/JakeFAU/pathway-indexer/internal/convert"
	"github.com/JakeFAU/pathway-indexer/internal/extract/unstructured"
	"github.com/JakeFAU/pathway-indexer/internal/fetch"
	collyfetcher "github.com/JakeFAU/pathway-indexer/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/pathway-indexer/internal/fetcher/headless"
	"github.com/JakeFAU/pathway-indexer/internal/hash/sha256"
	"github.com/JakeFAU/pathway-indexer/internal/id/uuid"
	"github.com/JakeFAU/pathway-indexer/internal/index"
	"github.com/JakeFAU/pathway-indexer/internal/ledger"
	"github.com/JakeFAU/pathway-indexer/internal/metadata"
	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/orchestrator"
	"github.com/JakeFAU/pathway-indexer/internal/parse/llamaparse"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/pathway-indexer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pathway-indexer/internal/publisher/pubsub"
	"github.com/JakeFAU/pathway-indexer/internal/storage"
	memorystorage "github.com/JakeFAU/pathway-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/pathway-indexer/internal/storage/postgres"
	"github.com/JakeFAU/pathway-indexer/internal/telemetry"
)

// Version is reported to the tracing backend.
var Version = "dev"

// RunStore is what the status API and orchestrator need from run persistence.
type RunStore interface {
	pipeline.RunRecorder
	api.RunReader
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pipeline.Clock

	Ledger       *ledger.Ledger
	Index        *index.Crawler
	Fetch        *fetch.Stage
	Change       *change.Detector
	Convert      *convert.Converter
	Metadata     *metadata.Associator
	Orchestrator *orchestrator.Orchestrator
	Runs         RunStore

	readyChecks    []api.ReadyCheck
	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On error every service that
// was already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background()) //nolint:errcheck // best effort on failed build
		}
	}()
	metrics.Init()

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
			ProjectID:   cfg.Telemetry.ProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	clock := system.New()
	a.clock = clock
	a.Ledger = ledger.New(cfg.Data.LedgerPath, cfg.Data.LastOutputDataPath, clock, logger)
	a.Index = index.NewCrawler(indexSources(cfg), collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   time.Duration(cfg.Index.TimeoutSeconds) * time.Second,
	}), logger)

	a.Fetch = a.setupFetch(cfg, clock)
	a.Change = change.New(change.Config{ReprocessMissingArtifact: cfg.Change.ReprocessMissingArtifact}, logger)
	a.Convert = a.setupConvert(cfg)
	if a.Metadata, err = a.setupMetadata(cfg); err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Ledger:   a.Ledger,
		Index:    a.Index,
		Fetch:    a.Fetch,
		Change:   a.Change,
		Convert:  a.Convert,
		Metadata: a.Metadata,
		Clock:    clock,
		IDs:      uuid.New(),
		Logger:   logger,
	}
	if err := a.setupStorage(ctx, &deps); err != nil {
		return nil, err
	}
	if err := a.setupDatabase(ctx, &deps); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx, &deps); err != nil {
		return nil, err
	}
	deps.Runs = a.Runs

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		DataDir: cfg.Data.Dir,
		Topic:   cfg.PubSub.TopicName,
	}, deps)
	return a, nil
}

func indexSources(cfg config.Config) []index.Source {
	out := make([]index.Source, 0, len(cfg.Index.Sources))
	for _, src := range cfg.Index.Sources {
		out = append(out, index.Source{
			Name:      src.Name,
			URL:       src.URL,
			Role:      src.Role,
			Container: src.Container,
			Header:    src.Header,
			SubHeader: src.SubHeader,
			Link:      src.Link,
			Text:      src.Text,
			SkipRows:  src.SkipRows,
		})
	}
	return out
}

// setupMetadata merges excluded_domains.txt into the title exclusion list:
// documents on those domains are kept, but their page titles are not trusted.
func (a *App) setupMetadata(cfg config.Config) (*metadata.Associator, error) {
	titleExcluded := pipeline.NewDomainMatcher(cfg.Metadata.TitleExcludedDomains)
	fromFile, err := pipeline.LoadPatternFile(cfg.Data.ExcludedDomainsPath)
	if err != nil {
		return nil, fmt.Errorf("load excluded domains: %w", err)
	}
	for _, pattern := range fromFile {
		titleExcluded.Add(pattern)
	}
	a.logger.Info("title-excluded domains loaded", zap.Int("patterns", titleExcluded.Len()))

	associator, err := metadata.New(metadata.Config{
		TitleExcluded: titleExcluded,
		NoisePatterns: cfg.Metadata.NoisePatterns,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("metadata init failed: %w", err)
	}
	return associator, nil
}

func (a *App) setupFetch(cfg config.Config, clock pipeline.Clock) *fetch.Stage {
	excluded := pipeline.NewDomainMatcher(cfg.Fetch.ExcludedDomains)

	rules := make([]fetch.SiteRule, 0, len(cfg.Fetch.SiteRules))
	for _, r := range cfg.Fetch.SiteRules {
		rules = append(rules, fetch.SiteRule{Host: r.Host, Container: r.Container, TabList: r.TabList, Render: r.Render})
	}

	deps := fetch.Deps{
		HTTP: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.FetchTimeout(),
		}),
		Hasher: sha256.New(),
		Clock:  clock,
		Logger: a.logger,
	}
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, browser fallback disabled", zap.Error(err))
			deps.Browser = headlessfetcher.NewNoop()
		} else {
			deps.Browser = browser
			a.closers = append(a.closers, namedCloser{name: "headless browser", fn: browser.Close})
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	if cfg.Fetch.DomainRPS > 0 {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.DomainRPS,
			DefaultBurst: cfg.Fetch.DomainBurst,
		})
	}

	return fetch.New(fetch.Config{
		BatchSize:       cfg.Fetch.BatchSize,
		MaxAttempts:     cfg.Fetch.MaxAttempts,
		RetryDelay:      cfg.FetchRetryDelay(),
		PolitenessDelay: time.Duration(cfg.Fetch.PolitenessDelaySeconds) * time.Second,
		UserAgent:       cfg.Fetch.UserAgent,
		Excluded:        excluded,
		ForcedFallback:  pipeline.NewDomainMatcher(cfg.Fetch.ForcedFallbackDomains),
		SiteRules:       rules,
	}, deps)
}

func (a *App) setupConvert(cfg config.Config) *convert.Converter {
	httpClient := &http.Client{}
	deps := convert.Deps{
		Extractor: unstructured.New(unstructured.Config{
			ServerURL: cfg.Unstructured.ServerURL,
			APIKey:    cfg.Unstructured.APIKey,
			Strategy:  cfg.Unstructured.Strategy,
			Languages: cfg.Unstructured.Languages,
			Timeout:   time.Duration(cfg.Unstructured.TimeoutSeconds) * time.Second,
		}, httpClient, a.logger),
		Logger: a.logger,
	}
	if cfg.LlamaParse.Enabled && cfg.LlamaParse.APIKey != "" {
		deps.Parser = llamaparse.New(llamaparse.Config{
			BaseURL:      cfg.LlamaParse.BaseURL,
			APIKey:       cfg.LlamaParse.APIKey,
			Timeout:      time.Duration(cfg.LlamaParse.TimeoutSeconds) * time.Second,
			PollInterval: time.Duration(cfg.LlamaParse.PollIntervalSeconds) * time.Second,
		}, httpClient, a.logger)
	} else {
		a.logger.Warn("no parser configured, intermediates are loaded directly")
	}
	return convert.New(convert.Config{
		Workers:        cfg.Convert.Workers,
		MaxAttempts:    cfg.Convert.MaxAttempts,
		RetryDelay:     cfg.ConvertRetryDelay(),
		StripSelectors: cfg.Convert.StripSelectors,
		UseReadability: cfg.Convert.UseReadability,
	}, deps)
}

func (a *App) setupStorage(ctx context.Context, deps *orchestrator.Deps) error {
	store, closeFn, err := storage.New(ctx, storage.Config{
		Backend: a.cfg.Storage.Backend,
		BaseDir: a.cfg.Storage.BaseDir,
		Bucket:  a.cfg.Storage.GCSBucket,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("blob store init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "blob store", fn: closeFn})
	if store == nil {
		a.logger.Info("corpus export disabled")
		return nil
	}
	a.logger.Info("corpus export enabled", zap.String("backend", a.cfg.Storage.Backend))
	deps.Exporter = storage.NewExporter(store, a.cfg.Storage.Prefix, a.logger)
	return nil
}

func (a *App) setupDatabase(ctx context.Context, deps *orchestrator.Deps) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, manifest mirror disabled and run records kept in memory")
		a.Runs = memorystorage.NewRunStore()
		return nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "postgres pool", fn: func() error {
		pool.Close()
		return nil
	}})
	if err := pgstore.EnsureSchema(ctx, pool, a.cfg.DB.Table); err != nil {
		return err
	}
	mirror, err := pgstore.NewManifestStoreWithPool(pool, a.cfg.DB.Table)
	if err != nil {
		return err
	}
	runs, err := pgstore.NewRunStoreWithPool(pool)
	if err != nil {
		return err
	}
	deps.Mirror = mirror
	a.Runs = runs
	a.readyChecks = append(a.readyChecks, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	a.logger.Info("manifest mirror initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, deps *orchestrator.Deps) error {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		deps.Publisher = memorypublisher.New(a.logger)
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub", fn: pub.Close})
	deps.Publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunPipeline executes one full run in the foreground.
func (a *App) RunPipeline(ctx context.Context) (*orchestrator.Summary, error) {
	return a.Orchestrator.Run(ctx)
}

// IndexOnly crawls the index sources into a fresh run folder and returns it.
func (a *App) IndexOnly(ctx context.Context) (pipeline.Layout, []pipeline.SourceLink, error) {
	layout, err := pipeline.ReserveLayout(a.cfg.Data.Dir, a.clock.Now())
	if err != nil {
		return layout, nil, err
	}
	if err := layout.Create(); err != nil {
		return layout, nil, err
	}
	links, err := a.Index.Run(ctx, layout)
	return layout, links, err
}

// CrawlFolder fetches the links saved in an existing run folder. Documents
// already on disk are kept, so an interrupted crawl resumes where it stopped.
func (a *App) CrawlFolder(ctx context.Context, folder string) (fetch.Result, error) {
	layout := pipeline.Layout{Root: folder}
	links, err := index.ReadLinks(layout.AllLinksPath())
	if err != nil {
		return fetch.Result{}, fmt.Errorf("read links: %w", err)
	}
	if err := layout.Create(); err != nil {
		return fetch.Result{}, err
	}
	return a.Fetch.Run(ctx, layout, links)
}

// AttachFolder re-attaches front matter to the Markdown of an existing run
// folder.
func (a *App) AttachFolder(folder string) (metadata.Result, error) {
	layout := pipeline.Layout{Root: folder}
	links, err := index.ReadLinks(layout.AllLinksPath())
	if err != nil {
		return metadata.Result{}, fmt.Errorf("read links: %w", err)
	}
	return a.Metadata.Run(layout, links)
}

// Server builds the status API around the orchestrator.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Orchestrator, a.Runs, a.Ledger, a.readyChecks, api.Config{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
	}, a.logger)
}

// Serve runs the status server until ctx is canceled, then drains background
// runs.
func (a *App) Serve(ctx context.Context) error {
	a.Orchestrator.SetBaseContext(ctx)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Orchestrator.Wait()
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// Close releases every opened service in reverse order.
func (a *App) Close(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	return nil
}
