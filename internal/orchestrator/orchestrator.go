// Package orchestrator sequences the indexing stages for one run and owns the
// single-run lock.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/change"
	"github.com/JakeFAU/pathway-indexer/internal/convert"
	"github.com/JakeFAU/pathway-indexer/internal/fetch"
	"github.com/JakeFAU/pathway-indexer/internal/index"
	"github.com/JakeFAU/pathway-indexer/internal/ledger"
	"github.com/JakeFAU/pathway-indexer/internal/logging"
	"github.com/JakeFAU/pathway-indexer/internal/manifest"
	"github.com/JakeFAU/pathway-indexer/internal/metadata"
	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/storage"
	"github.com/JakeFAU/pathway-indexer/internal/telemetry"
)

// ErrNoIndexData is the run-fatal condition of an index crawl that produced
// no links.
var ErrNoIndexData = index.ErrNoIndexData

// Ledger is the cross-run state the orchestrator reads and advances.
type Ledger interface {
	Initialize() (ledger.State, error)
	Update(layout pipeline.Layout) error
	PreviousHashes(state ledger.State) map[string]string
}

// IndexStage builds the link list.
type IndexStage interface {
	Run(ctx context.Context, layout pipeline.Layout) ([]pipeline.SourceLink, error)
}

// FetchStage downloads the linked documents.
type FetchStage interface {
	Run(ctx context.Context, layout pipeline.Layout, links []pipeline.SourceLink) (fetch.Result, error)
}

// ChangeStage splits fetched documents into reuse and reprocess sets.
type ChangeStage interface {
	Apply(docs []pipeline.FetchedDocument, previous map[string]string, prev, current pipeline.Layout) change.Partition
}

// ConvertStage turns raw documents into Markdown.
type ConvertStage interface {
	Run(ctx context.Context, layout pipeline.Layout, docs []pipeline.FetchedDocument) (convert.Result, error)
}

// MetadataStage attaches front matter to the Markdown artifacts.
type MetadataStage interface {
	Run(layout pipeline.Layout, links []pipeline.SourceLink) (metadata.Result, error)
}

// Exporter uploads the finished corpus.
type Exporter interface {
	Export(ctx context.Context, runID string, layout pipeline.Layout) (storage.ExportResult, error)
}

// Config holds run-level settings.
type Config struct {
	DataDir string
	// Topic names where RunCompleted is published.
	Topic string
}

// Deps are the stages and sinks of a run. Exporter, Mirror, Publisher and Runs
// are optional.
type Deps struct {
	Ledger    Ledger
	Index     IndexStage
	Fetch     FetchStage
	Change    ChangeStage
	Convert   ConvertStage
	Metadata  MetadataStage
	Exporter  Exporter
	Mirror    pipeline.ManifestMirror
	Publisher pipeline.Publisher
	Runs      pipeline.RunRecorder
	Clock     pipeline.Clock
	IDs       pipeline.IDGenerator
	Logger    *zap.Logger
}

// Orchestrator runs the pipeline, one run at a time.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger

	lock sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		tracer: telemetry.Tracer(),
		logger: logger.Named("orchestrator"),
		base:   context.Background(),
	}
}

// SetBaseContext sets the parent context of runs launched by Start, so that
// shutdown cancels them.
func (o *Orchestrator) SetBaseContext(ctx context.Context) {
	o.base = ctx
}

// Run executes one run synchronously. It returns pipeline.ErrRunActive when
// another run holds the lock.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if !o.lock.TryLock() {
		return nil, pipeline.ErrRunActive
	}
	defer o.lock.Unlock()

	run, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run)
}

// Start launches a run in the background and returns its record.
func (o *Orchestrator) Start(ctx context.Context) (pipeline.RunRecord, error) {
	if !o.lock.TryLock() {
		return pipeline.RunRecord{}, pipeline.ErrRunActive
	}
	run, err := o.begin(ctx)
	if err != nil {
		o.lock.Unlock()
		return pipeline.RunRecord{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.lock.Unlock()
		if _, err := o.execute(o.base, run); err != nil {
			o.logger.Error("background run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return run, nil
}

// Wait blocks until background runs have returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) begin(ctx context.Context) (pipeline.RunRecord, error) {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("run id: %w", err)
	}
	started := o.deps.Clock.Now()
	layout, err := pipeline.ReserveLayout(o.cfg.DataDir, started)
	if err != nil {
		return pipeline.RunRecord{}, err
	}
	run := pipeline.RunRecord{
		ID:        id,
		Folder:    layout.Root,
		Status:    pipeline.RunRunning,
		StartedAt: started,
	}
	if o.deps.Runs != nil {
		if err := o.deps.Runs.StartRun(ctx, run); err != nil {
			return pipeline.RunRecord{}, fmt.Errorf("record run start: %w", err)
		}
	}
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run pipeline.RunRecord) (*Summary, error) {
	layout := pipeline.Layout{Root: run.Folder}
	summary := &Summary{
		RunID:     run.ID,
		Folder:    run.Folder,
		StartedAt: run.StartedAt,
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.folder", run.Folder),
	))
	defer span.End()

	logger := o.logger.With(zap.String("run_id", run.ID))
	var closeLog func() error
	if err := layout.Create(); err != nil {
		logger.Error("create run folder", zap.Error(err))
	} else if runLogger, closeFn, err := logging.NewRunLogger(logger, layout.RunLogPath()); err != nil {
		logger.Warn("run log unavailable", zap.Error(err))
	} else {
		logger, closeLog = runLogger, closeFn
	}
	logger.Info("run started", zap.String("folder", run.Folder))

	runErr := o.stages(ctx, layout, run.ID, summary, logger)

	summary.FinishedAt = o.deps.Clock.Now()
	summary.Status = pipeline.RunSucceeded
	if runErr != nil {
		summary.Status = pipeline.RunFailed
		summary.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	metrics.ObserveRun(string(summary.Status))
	summary.Log(logger)
	if err := summary.Write(layout.SummaryPath()); err != nil {
		logger.Warn("summary not written", zap.Error(err))
	}

	o.publish(ctx, summary, logger)
	o.finish(ctx, run, summary, logger)

	if closeLog != nil {
		if err := closeLog(); err != nil {
			o.logger.Warn("close run log", zap.Error(err))
		}
	}
	return summary, runErr
}

// stages runs the stage sequence. Only ledger corruption, missing index data,
// cancellation and run-folder IO errors are returned.
func (o *Orchestrator) stages(ctx context.Context, layout pipeline.Layout, runID string, summary *Summary, logger *zap.Logger) error {
	var state ledger.State
	if err := o.stage(ctx, "ledger_init", func(context.Context) error {
		var err error
		state, err = o.deps.Ledger.Initialize()
		return err
	}); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}

	var links []pipeline.SourceLink
	if err := o.stage(ctx, "index", func(ctx context.Context) error {
		var err error
		links, err = o.deps.Index.Run(ctx, layout)
		return err
	}); err != nil {
		return fmt.Errorf("index crawl: %w", err)
	}

	var fetched fetch.Result
	if err := o.stage(ctx, "fetch", func(ctx context.Context) error {
		var err error
		fetched, err = o.deps.Fetch.Run(ctx, layout, links)
		return err
	}); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if fetched.Manifest == nil {
		fetched.Manifest = &manifest.Manifest{}
	}
	summary.Crawled = fetched.Stats.Crawled
	summary.Fetched = fetched.Stats.Fetched
	summary.SkippedExisting = fetched.Stats.SkippedExisting
	summary.Excluded = fetched.Stats.Excluded
	summary.Failed = fetched.Stats.Failed
	summary.Fallback = fetched.Stats.Fallback
	summary.Failures = fetched.Failures

	var partition change.Partition
	_ = o.stage(ctx, "change", func(context.Context) error {
		previous := o.deps.Ledger.PreviousHashes(state)
		prev := pipeline.Layout{Root: state.LastFolder}
		partition = o.deps.Change.Apply(fetched.Manifest.Successful(), previous, prev, layout)
		return nil
	})
	summary.Reused = len(partition.Reuse)
	summary.Reprocessed = len(partition.Reprocess)
	summary.SkippedMissing = len(partition.SkippedMissing)
	logger.Info("change detection finished",
		zap.Int("reuse", summary.Reused),
		zap.Int("reprocess", summary.Reprocessed),
		zap.Int("skipped_missing", summary.SkippedMissing),
	)

	if err := o.stage(ctx, "convert", func(ctx context.Context) error {
		res, err := o.deps.Convert.Run(ctx, layout, partition.Reprocess)
		if err != nil {
			return err
		}
		summary.Converted = res.Stats.Converted
		summary.DirectLoad = res.Stats.DirectLoad
		summary.Quarantined = res.Stats.Quarantined
		summary.EmptyNormalization = res.Stats.Empty
		summary.ParseErrors = res.Stats.ParseErrors
		summary.QuarantinedFiles = res.Quarantined
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(ctx, "metadata", func(context.Context) error {
		res, err := o.deps.Metadata.Run(layout, links)
		if err != nil {
			return err
		}
		summary.MetadataAttached = res.Stats.Attached
		summary.Unmatched = res.Stats.Unmatched
		summary.MetadataFailed = res.Stats.Failed
		return nil
	}); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	o.sinks(ctx, layout, runID, fetched, summary, logger)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.stage(ctx, "ledger_update", func(context.Context) error {
		return o.deps.Ledger.Update(layout)
	}); err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}
	return nil
}

// sinks runs the optional export and mirror. Their failures are recorded in the
// summary and never fail the run.
func (o *Orchestrator) sinks(ctx context.Context, layout pipeline.Layout, runID string, fetched fetch.Result, summary *Summary, logger *zap.Logger) {
	if o.deps.Exporter != nil {
		err := o.stage(ctx, "export", func(ctx context.Context) error {
			res, err := o.deps.Exporter.Export(ctx, runID, layout)
			summary.Exported = res.Uploaded
			return err
		})
		if err != nil {
			logger.Error("corpus export failed", zap.Error(err))
			summary.SinkErrors = append(summary.SinkErrors, "export: "+err.Error())
		}
	}
	if o.deps.Mirror != nil {
		err := o.stage(ctx, "mirror", func(ctx context.Context) error {
			return o.deps.Mirror.StoreDocuments(ctx, runID, fetched.Manifest.Rows)
		})
		if err != nil {
			logger.Error("manifest mirror failed", zap.Error(err))
			summary.SinkErrors = append(summary.SinkErrors, "mirror: "+err.Error())
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, summary *Summary, logger *zap.Logger) {
	if o.deps.Publisher == nil {
		return
	}
	msg := RunCompleted{
		RunID:      summary.RunID,
		Folder:     summary.Folder,
		Status:     summary.Status,
		FinishedAt: summary.FinishedAt,
		Summary:    summary,
	}
	pubCtx := context.WithoutCancel(ctx)
	err := o.stage(pubCtx, "publish", func(ctx context.Context) error {
		id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, msg)
		if err == nil {
			logger.Info("run notification published", zap.String("message_id", id))
		}
		return err
	})
	if err != nil {
		logger.Error("run notification failed", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, run pipeline.RunRecord, summary *Summary, logger *zap.Logger) {
	if o.deps.Runs == nil {
		return
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		logger.Warn("encode summary for run record", zap.Error(err))
	}
	finished := summary.FinishedAt
	run.Status = summary.Status
	run.FinishedAt = &finished
	run.Error = summary.Error
	run.Summary = encoded
	if err := o.deps.Runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("record run finish", zap.Error(err))
	}
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "stage."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			span.SetAttributes(attribute.Bool("canceled", true))
		}
	}
	return err
}
