package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	if _, err := store.LatestRun(ctx); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.StartRun(ctx, pipeline.RunRecord{ID: "run-1", Folder: "data/a", StartedAt: started}); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := store.StartRun(ctx, pipeline.RunRecord{ID: "run-1"}); err == nil {
		t.Fatal("expected duplicate run to fail")
	}
	run, err := store.LatestRun(ctx)
	if err != nil || run.Status != pipeline.RunRunning {
		t.Fatalf("LatestRun() = %+v, %v", run, err)
	}

	finished := started.Add(time.Minute)
	run.Status = pipeline.RunSucceeded
	run.FinishedAt = &finished
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !got.Status.Terminal() || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected run %+v", got)
	}
	if err := store.FinishRun(ctx, pipeline.RunRecord{ID: "missing"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
