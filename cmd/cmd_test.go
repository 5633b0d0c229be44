package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/config"
	"github.com/JakeFAU/pathway-indexer/internal/fetch"
	"github.com/JakeFAU/pathway-indexer/internal/metadata"
	"github.com/JakeFAU/pathway-indexer/internal/orchestrator"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

type mockApp struct {
	mock.Mock
}

func (m *mockApp) Logger() *zap.Logger { return zap.NewNop() }

func (m *mockApp) RunPipeline(ctx context.Context) (*orchestrator.Summary, error) {
	args := m.Called(ctx)
	summary, _ := args.Get(0).(*orchestrator.Summary)
	return summary, args.Error(1)
}

func (m *mockApp) IndexOnly(ctx context.Context) (pipeline.Layout, []pipeline.SourceLink, error) {
	args := m.Called(ctx)
	return args.Get(0).(pipeline.Layout), nil, args.Error(1)
}

func (m *mockApp) CrawlFolder(ctx context.Context, folder string) (fetch.Result, error) {
	args := m.Called(ctx, folder)
	return args.Get(0).(fetch.Result), args.Error(1)
}

func (m *mockApp) AttachFolder(folder string) (metadata.Result, error) {
	args := m.Called(folder)
	return args.Get(0).(metadata.Result), args.Error(1)
}

func (m *mockApp) Serve(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockApp) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// useMockApp swaps the factory for one returning m. Tests using it must not
// run in parallel.
func useMockApp(t *testing.T, m *mockApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return m, nil }
	t.Cleanup(func() { newApp = orig })
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestRunCommandRunsPipeline(t *testing.T) {
	m := &mockApp{}
	m.On("RunPipeline", mock.Anything).Return(&orchestrator.Summary{RunID: "r1", Folder: "data/x"}, nil)
	m.On("Close", mock.Anything).Return(nil)
	useMockApp(t, m)

	require.NoError(t, execute("run"))
	m.AssertExpectations(t)
}

func TestRunCommandReturnsPipelineError(t *testing.T) {
	m := &mockApp{}
	m.On("RunPipeline", mock.Anything).Return(nil, errors.New("no index data"))
	useMockApp(t, m)

	require.ErrorContains(t, execute("run"), "no index data")
}

func TestCrawlCommandPassesFolder(t *testing.T) {
	m := &mockApp{}
	m.On("CrawlFolder", mock.Anything, "data/2025-01-01_00-00-00").Return(fetch.Result{}, nil)
	m.On("Close", mock.Anything).Return(nil)
	useMockApp(t, m)

	require.NoError(t, execute("crawl", "data/2025-01-01_00-00-00"))
	m.AssertExpectations(t)
}

func TestAttachCommandRequiresFolder(t *testing.T) {
	m := &mockApp{}
	useMockApp(t, m)

	require.Error(t, execute("attach"))
	m.AssertNotCalled(t, "AttachFolder", mock.Anything)
}

func TestIndexCommand(t *testing.T) {
	m := &mockApp{}
	m.On("IndexOnly", mock.Anything).Return(pipeline.Layout{Root: "data/x"}, nil)
	m.On("Close", mock.Anything).Return(nil)
	useMockApp(t, m)

	require.NoError(t, execute("index"))
	m.AssertExpectations(t)
}

func TestServeCommand(t *testing.T) {
	m := &mockApp{}
	m.On("Serve", mock.Anything).Return(nil)
	m.On("Close", mock.Anything).Return(nil)
	useMockApp(t, m)

	require.NoError(t, execute("serve"))
	m.AssertExpectations(t)
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.ErrorContains(t, err, "not initialized")
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("boom")
	}
	t.Cleanup(func() { newApp = orig })

	require.ErrorContains(t, execute("run"), "failed to initialize application services: boom")
}
