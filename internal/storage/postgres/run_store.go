package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// ErrRunNotFound is returned when no run row matches.
var ErrRunNotFound = pipeline.ErrRunNotFound

// RunStore records run lifecycles in the indexer_runs table.
type RunStore struct {
	db DB
}

// NewRunStoreWithPool constructs a RunStore from an existing pool.
func NewRunStoreWithPool(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// StartRun inserts a running row.
func (s *RunStore) StartRun(ctx context.Context, run pipeline.RunRecord) error {
	query := `
		INSERT INTO indexer_runs (id, folder, status, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, started_at = EXCLUDED.started_at;
	`
	if _, err := s.db.Exec(ctx, query, run.ID, run.Folder, string(pipeline.RunRunning), run.StartedAt); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stores the final status, error and summary.
func (s *RunStore) FinishRun(ctx context.Context, run pipeline.RunRecord) error {
	var errMsg *string
	if run.Error != "" {
		errMsg = &run.Error
	}
	var summary []byte
	if len(run.Summary) > 0 {
		summary = run.Summary
	}
	query := `
		UPDATE indexer_runs
		SET finished_at = $1, status = $2, error_message = $3, summary = $4
		WHERE id = $5;
	`
	tag, err := s.db.Exec(ctx, query, run.FinishedAt, string(run.Status), errMsg, summary, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *RunStore) LatestRun(ctx context.Context) (pipeline.RunRecord, error) {
	query := `
		SELECT id, folder, status, started_at, finished_at, error_message, summary
		FROM indexer_runs
		ORDER BY started_at DESC
		LIMIT 1;
	`
	var (
		run     pipeline.RunRecord
		status  string
		errMsg  *string
		summary []byte
	)
	err := s.db.QueryRow(ctx, query).Scan(
		&run.ID,
		&run.Folder,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&errMsg,
		&summary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.RunRecord{}, ErrRunNotFound
		}
		return pipeline.RunRecord{}, fmt.Errorf("failed to get latest run: %w", err)
	}
	run.Status = pipeline.RunStatus(status)
	if errMsg != nil {
		run.Error = *errMsg
	}
	run.Summary = summary
	return run, nil
}
