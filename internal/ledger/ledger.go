// Package ledger persists the cross-run state that lets change detection compare
// the current run against the previous one.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/manifest"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// Never is the sentinel stored for a ledger that has not seen a run.
const Never = "Never"

// ErrCorrupt is returned when the ledger file exists but cannot be decoded.
var ErrCorrupt = errors.New("ledger corrupt")

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"}

// State is the decoded ledger.
type State struct {
	LastCrawl  time.Time
	LastFolder string
}

// HasPrevious reports whether a previous run folder is recorded.
func (s State) HasPrevious() bool {
	return s.LastFolder != ""
}

type fileState struct {
	LastCrawlDetail string `json:"last_crawl_detail"`
	LastFolderCrawl string `json:"last_folder_crawl"`
}

// Ledger reads and writes the ledger JSON file and the copy of the last manifest.
type Ledger struct {
	path           string
	lastOutputPath string
	clock          pipeline.Clock
	logger         *zap.Logger
}

// New builds a Ledger stored at path. lastOutputPath is where the previous run's
// manifest is copied on Update.
func New(path, lastOutputPath string, clock pipeline.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		path:           path,
		lastOutputPath: lastOutputPath,
		clock:          clock,
		logger:         logger.Named("ledger"),
	}
}

// Initialize loads the ledger. When no ledger exists it writes one with sentinel
// values and removes any stale last-manifest copy.
func (l *Ledger) Initialize() (State, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		if l.lastOutputPath != "" {
			if rmErr := os.Remove(l.lastOutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return State{}, fmt.Errorf("remove stale manifest copy: %w", rmErr)
			}
		}
		if err := l.write(fileState{LastCrawlDetail: Never, LastFolderCrawl: Never}); err != nil {
			return State{}, err
		}
		l.logger.Info("ledger created", zap.String("path", l.path))
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read ledger: %w", err)
	}
	state, err := l.decode(data)
	if err != nil {
		return State{}, err
	}
	l.logger.Info("ledger loaded",
		zap.Time("last_crawl", state.LastCrawl),
		zap.String("last_folder", state.LastFolder),
	)
	return state, nil
}

// Load reads the ledger without creating it. A missing ledger yields the zero
// State.
func (l *Ledger) Load() (State, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read ledger: %w", err)
	}
	return l.decode(data)
}

func (l *Ledger) decode(data []byte) (State, error) {
	var raw fileState
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.path, err)
	}
	state := State{}
	if raw.LastCrawlDetail != "" && raw.LastCrawlDetail != Never {
		ts, err := parseTime(raw.LastCrawlDetail)
		if err != nil {
			return State{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.path, err)
		}
		state.LastCrawl = ts
	}
	if raw.LastFolderCrawl != Never {
		state.LastFolder = raw.LastFolderCrawl
	}
	return state, nil
}

// Update records a successful run: the current time, the run folder, and a copy
// of the run's manifest for the next comparison.
func (l *Ledger) Update(layout pipeline.Layout) error {
	if l.lastOutputPath != "" {
		if err := copyFile(layout.ManifestPath(), l.lastOutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("copy manifest: %w", err)
		}
	}
	now := l.clock.Now()
	if err := l.write(fileState{
		LastCrawlDetail: now.Format(time.RFC3339Nano),
		LastFolderCrawl: layout.Root,
	}); err != nil {
		return err
	}
	l.logger.Info("ledger updated", zap.String("folder", layout.Root))
	return nil
}

// PreviousHashes returns URL to content hash from the previous run's manifest.
// Every missing input degrades to an empty map.
func (l *Ledger) PreviousHashes(state State) map[string]string {
	candidates := []string{}
	if state.HasPrevious() {
		candidates = append(candidates, pipeline.Layout{Root: state.LastFolder}.ManifestPath())
	}
	if l.lastOutputPath != "" {
		candidates = append(candidates, l.lastOutputPath)
	}
	for _, path := range candidates {
		m, err := manifest.Read(path)
		if err != nil {
			l.logger.Warn("previous manifest unavailable", zap.String("path", path), zap.Error(err))
			continue
		}
		return m.HashMap()
	}
	return map[string]string{}
}

func (l *Ledger) write(state fileState) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func parseTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // paths come from the run layout
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.Create(dst) //nolint:gosec // configured path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
