package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = pipeline.ErrRunNotFound

// RunStore keeps run records in memory for the status API.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]pipeline.RunRecord
	latest string
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]pipeline.RunRecord)}
}

// StartRun records a new run and makes it the latest one.
func (s *RunStore) StartRun(_ context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	if run.Status == "" {
		run.Status = pipeline.RunRunning
	}
	s.runs[run.ID] = run
	s.latest = run.ID
	return nil
}

// FinishRun replaces the stored record with its final state.
func (s *RunStore) FinishRun(_ context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id string) (pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return pipeline.RunRecord{}, ErrRunNotFound
	}
	return run, nil
}

// LatestRun returns the most recently started run.
func (s *RunStore) LatestRun(ctx context.Context) (pipeline.RunRecord, error) {
	s.mu.RLock()
	id := s.latest
	s.mu.RUnlock()
	if id == "" {
		return pipeline.RunRecord{}, ErrRunNotFound
	}
	return s.GetRun(ctx, id)
}
