package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// Summary aggregates the counters of one run. It is logged at the end of the
// run and written to <run>/run_summary.json.
type Summary struct {
	RunID      string             `json:"run_id"`
	Folder     string             `json:"folder"`
	Status     pipeline.RunStatus `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Error      string             `json:"error,omitempty"`

	Crawled         int `json:"crawled"`
	Fetched         int `json:"fetched"`
	SkippedExisting int `json:"skipped_existing"`
	Excluded        int `json:"excluded"`
	Failed          int `json:"failed"`
	Fallback        int `json:"fallback"`

	Reused         int `json:"reused"`
	Reprocessed    int `json:"reprocessed"`
	SkippedMissing int `json:"skipped_missing"`

	Converted          int `json:"converted"`
	DirectLoad         int `json:"parsed_empty_direct_load"`
	Quarantined        int `json:"quarantined"`
	EmptyNormalization int `json:"empty_normalization"`
	ParseErrors        int `json:"parse_errors"`

	MetadataAttached int `json:"metadata_attached"`
	Unmatched        int `json:"unmatched"`
	MetadataFailed   int `json:"metadata_failed"`

	Exported   int      `json:"exported"`
	SinkErrors []string `json:"sink_errors,omitempty"`

	Failures         []pipeline.Failure `json:"failures"`
	QuarantinedFiles []string           `json:"quarantined_files"`
}

// RunCompleted is the notification published when a run ends.
type RunCompleted struct {
	RunID      string             `json:"run_id"`
	Folder     string             `json:"folder"`
	Status     pipeline.RunStatus `json:"status"`
	FinishedAt time.Time          `json:"finished_at"`
	Summary    *Summary           `json:"summary"`
}

// Write stores the summary as indented JSON at path.
func (s *Summary) Write(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// Log prints the summary counters, then one line per hard failure and per
// quarantined file.
func (s *Summary) Log(logger *zap.Logger) {
	logger.Info("run summary",
		zap.String("run_id", s.RunID),
		zap.String("folder", s.Folder),
		zap.String("status", string(s.Status)),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
		zap.Int("crawled", s.Crawled),
		zap.Int("fetched", s.Fetched),
		zap.Int("skipped_existing", s.SkippedExisting),
		zap.Int("excluded", s.Excluded),
		zap.Int("failed", s.Failed),
		zap.Int("fallback", s.Fallback),
		zap.Int("reused", s.Reused),
		zap.Int("reprocessed", s.Reprocessed),
		zap.Int("skipped_missing", s.SkippedMissing),
		zap.Int("converted", s.Converted),
		zap.Int("parsed_empty", s.DirectLoad),
		zap.Int("quarantined", s.Quarantined),
		zap.Int("empty", s.EmptyNormalization),
		zap.Int("metadata_attached", s.MetadataAttached),
		zap.Int("unmatched", s.Unmatched),
		zap.Int("exported", s.Exported),
	)
	for _, f := range s.Failures {
		logger.Warn("hard failure", zap.String("url", f.URL), zap.String("reason", f.Reason))
	}
	for _, path := range s.QuarantinedFiles {
		logger.Warn("quarantined", zap.String("path", path))
	}
	if s.Error != "" {
		logger.Error("run failed", zap.String("error", s.Error))
	}
}
