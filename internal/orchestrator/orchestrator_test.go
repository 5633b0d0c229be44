package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/change"
	"github.com/JakeFAU/pathway-indexer/internal/convert"
	"github.com/JakeFAU/pathway-indexer/internal/fetch"
	"github.com/JakeFAU/pathway-indexer/internal/ledger"
	"github.com/JakeFAU/pathway-indexer/internal/manifest"
	"github.com/JakeFAU/pathway-indexer/internal/metadata"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	publishermemory "github.com/JakeFAU/pathway-indexer/internal/publisher/memory"
	"github.com/JakeFAU/pathway-indexer/internal/storage"
	storagememory "github.com/JakeFAU/pathway-indexer/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type fakeLedger struct {
	state   ledger.State
	initErr error
	updated []string
}

func (f *fakeLedger) Initialize() (ledger.State, error) { return f.state, f.initErr }

func (f *fakeLedger) Update(layout pipeline.Layout) error {
	f.updated = append(f.updated, layout.Root)
	return nil
}

func (f *fakeLedger) PreviousHashes(ledger.State) map[string]string {
	return map[string]string{"https://x/a": "h1"}
}

type fakeIndex struct {
	links []pipeline.SourceLink
	err   error
	block chan struct{}
}

func (f *fakeIndex) Run(ctx context.Context, _ pipeline.Layout) ([]pipeline.SourceLink, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.links, f.err
}

type fakeFetch struct{}

func (fakeFetch) Run(_ context.Context, _ pipeline.Layout, links []pipeline.SourceLink) (fetch.Result, error) {
	m := &manifest.Manifest{}
	m.Append(
		pipeline.FetchedDocument{URL: "https://x/a", Filepath: "crawl/html/a.html", ContentType: "html", ContentHash: "h1"},
		pipeline.FetchedDocument{URL: "https://x/b", Filepath: "crawl/pdf/b.pdf", ContentType: "pdf", ContentHash: "h2"},
		pipeline.FetchedDocument{URL: "https://x/c", Filepath: "404 Client Error", ContentType: "404"},
	)
	return fetch.Result{
		Manifest: m,
		Stats:    fetch.Stats{Crawled: len(links), Fetched: 2, Failed: 1},
		Failures: []pipeline.Failure{{URL: "https://x/c", Reason: "404 Client Error"}},
	}, nil
}

type fakeChange struct{ got []pipeline.FetchedDocument }

func (f *fakeChange) Apply(docs []pipeline.FetchedDocument, _ map[string]string, _, _ pipeline.Layout) change.Partition {
	f.got = docs
	return change.Partition{Reuse: docs[:1], Reprocess: docs[1:]}
}

type fakeConvert struct{ got []pipeline.FetchedDocument }

func (f *fakeConvert) Run(_ context.Context, _ pipeline.Layout, docs []pipeline.FetchedDocument) (convert.Result, error) {
	f.got = docs
	return convert.Result{
		Stats:       convert.Stats{Converted: 1, DirectLoad: 1},
		Quarantined: []string{"out/error/x.txt"},
	}, nil
}

type fakeMetadata struct{}

func (fakeMetadata) Run(pipeline.Layout, []pipeline.SourceLink) (metadata.Result, error) {
	return metadata.Result{Stats: metadata.Stats{Attached: 2, Unmatched: 1}}, nil
}

type fakeExporter struct{ err error }

func (f fakeExporter) Export(context.Context, string, pipeline.Layout) (storage.ExportResult, error) {
	return storage.ExportResult{Uploaded: 2}, f.err
}

type fakeMirror struct {
	runID string
	rows  int
}

func (f *fakeMirror) StoreDocuments(_ context.Context, runID string, docs []pipeline.FetchedDocument) error {
	f.runID, f.rows = runID, len(docs)
	return nil
}

type harness struct {
	orch    *Orchestrator
	ledger  *fakeLedger
	index   *fakeIndex
	change  *fakeChange
	convert *fakeConvert
	mirror  *fakeMirror
	pub     *publishermemory.Publisher
	runs    *storagememory.RunStore
	dataDir string
}

func newHarness(t *testing.T, exporter Exporter) *harness {
	t.Helper()
	h := &harness{
		ledger:  &fakeLedger{state: ledger.State{LastFolder: "data/prev"}},
		index:   &fakeIndex{links: []pipeline.SourceLink{{URL: "https://x/a"}, {URL: "https://x/b"}, {URL: "https://x/c"}}},
		change:  &fakeChange{},
		convert: &fakeConvert{},
		mirror:  &fakeMirror{},
		pub:     publishermemory.New(nil),
		runs:    storagememory.NewRunStore(),
		dataDir: t.TempDir(),
	}
	h.orch = New(Config{DataDir: h.dataDir, Topic: "runs"}, Deps{
		Ledger:    h.ledger,
		Index:     h.index,
		Fetch:     fakeFetch{},
		Change:    h.change,
		Convert:   h.convert,
		Metadata:  fakeMetadata{},
		Exporter:  exporter,
		Mirror:    h.mirror,
		Publisher: h.pub,
		Runs:      h.runs,
		Clock:     fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
	})
	return h
}

func TestRunSequencesStages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakeExporter{})
	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, pipeline.RunSucceeded, summary.Status)
	require.Equal(t, 3, summary.Crawled)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Reused)
	require.Equal(t, 1, summary.Reprocessed)
	require.Equal(t, 1, summary.Converted)
	require.Equal(t, 1, summary.DirectLoad)
	require.Equal(t, 2, summary.MetadataAttached)
	require.Equal(t, 1, summary.Unmatched)
	require.Equal(t, 2, summary.Exported)
	require.Equal(t, []string{"out/error/x.txt"}, summary.QuarantinedFiles)

	require.Len(t, h.change.got, 2, "failure rows never reach change detection")
	require.Equal(t, "https://x/b", h.convert.got[0].URL)
	require.Equal(t, "run-1", h.mirror.runID)
	require.Equal(t, 3, h.mirror.rows)

	layout := pipeline.Layout{Root: summary.Folder}
	require.Equal(t, []string{layout.Root}, h.ledger.updated)

	data, err := os.ReadFile(layout.SummaryPath())
	require.NoError(t, err)
	var onDisk Summary
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, "run-1", onDisk.RunID)
	require.Equal(t, "https://x/c", onDisk.Failures[0].URL)

	_, err = os.Stat(layout.RunLogPath())
	require.NoError(t, err)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "runs", msgs[0].Topic)
	require.Contains(t, string(msgs[0].Data), `"run_id":"run-1"`)

	run, err := h.runs.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.RunSucceeded, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Contains(t, string(run.Summary), `"converted":1`)
}

func TestRunFailsWithoutIndexData(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.index.links, h.index.err = nil, ErrNoIndexData

	summary, err := h.orch.Run(context.Background())
	require.ErrorIs(t, err, ErrNoIndexData)
	require.Equal(t, pipeline.RunFailed, summary.Status)
	require.Empty(t, h.ledger.updated)

	run, err := h.runs.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.RunFailed, run.Status)
	require.Contains(t, run.Error, "no index data")
}

func TestRunFailsOnCorruptLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.ledger.initErr = ledger.ErrCorrupt

	_, err := h.orch.Run(context.Background())
	require.ErrorIs(t, err, ledger.ErrCorrupt)
	require.Nil(t, h.convert.got)
}

func TestSinkFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakeExporter{err: errors.New("bucket gone")})
	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.RunSucceeded, summary.Status)
	require.Len(t, summary.SinkErrors, 1)
	require.Contains(t, summary.SinkErrors[0], "bucket gone")
	require.Len(t, h.ledger.updated, 1)
}

func TestStartRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.index.block = make(chan struct{})

	run, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, pipeline.RunRunning, run.Status)

	_, err = h.orch.Start(context.Background())
	require.ErrorIs(t, err, pipeline.ErrRunActive)
	_, err = h.orch.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrRunActive)

	close(h.index.block)
	h.orch.Wait()

	latest, err := h.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunSucceeded, latest.Status)

	_, err = h.orch.Run(context.Background())
	require.NoError(t, err)
}
