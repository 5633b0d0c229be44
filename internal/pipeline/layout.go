package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunFolderFormat names a run folder after its start time.
const RunFolderFormat = "2006-01-02_15-04-05"

// Layout resolves the directory tree of one run folder:
//
//	<root>/crawl/{html,pdf,others}
//	<root>/index
//	<root>/out/{from_html,from_pdf,from_others,error}
type Layout struct {
	Root string
}

// maxFolderSuffix bounds the suffixes tried by ReserveLayout.
const maxFolderSuffix = 100

// NewLayout returns the layout for a run started at t under dataDir.
func NewLayout(dataDir string, t time.Time) Layout {
	return Layout{Root: filepath.Join(dataDir, t.UTC().Format(RunFolderFormat))}
}

// ReserveLayout claims a fresh run folder for a run started at t. When a folder
// for the same second already exists, a numeric suffix is appended ("_2",
// "_3", ...) so two runs never share a folder.
func ReserveLayout(dataDir string, t time.Time) (Layout, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return Layout{}, fmt.Errorf("create data dir: %w", err)
	}
	base := NewLayout(dataDir, t).Root
	root := base
	for i := 2; i <= maxFolderSuffix+1; i++ {
		err := os.Mkdir(root, 0o750)
		if err == nil {
			return Layout{Root: root}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return Layout{}, fmt.Errorf("reserve run folder: %w", err)
		}
		root = fmt.Sprintf("%s_%d", base, i)
	}
	return Layout{}, fmt.Errorf("reserve run folder %s: too many runs in one second", base)
}

func (l Layout) CrawlDir() string { return filepath.Join(l.Root, "crawl") }
func (l Layout) HTMLDir() string { return filepath.Join(l.Root, "crawl", "html") }
func (l Layout) PDFDir() string { return filepath.Join(l.Root, "crawl", "pdf") }
func (l Layout) OthersDir() string { return filepath.Join(l.Root, "crawl", "others") }
func (l Layout) IndexDir() string { return filepath.Join(l.Root, "index") }
func (l Layout) OutDir() string { return filepath.Join(l.Root, "out") }
func (l Layout) FromHTMLDir() string { return filepath.Join(l.Root, "out", "from_html") }
func (l Layout) FromPDFDir() string { return filepath.Join(l.Root, "out", "from_pdf") }
func (l Layout) FromOthersDir() string { return filepath.Join(l.Root, "out", "from_others") }
func (l Layout) QuarantineDir() string { return filepath.Join(l.Root, "out", "error") }
func (l Layout) ManifestPath() string { return filepath.Join(l.Root, "output_data.csv") }
func (l Layout) ErrorReportPath() string { return filepath.Join(l.Root, "error.csv") }
func (l Layout) AllLinksPath() string { return filepath.Join(l.Root, "all_links.csv") }
func (l Layout) UnmatchedPath() string { return filepath.Join(l.Root, "unmatched.csv") }
func (l Layout) SummaryPath() string { return filepath.Join(l.Root, "run_summary.json") }
func (l Layout) RunLogPath() string { return filepath.Join(l.Root, "run_log.jsonl") }

// OutputDirs lists the active output directories, in conversion order.
func (l Layout) OutputDirs() []string {
	return []string{l.FromHTMLDir(), l.FromPDFDir(), l.FromOthersDir()}
}

// Create makes every directory of the layout.
func (l Layout) Create() error {
	dirs := []string{
		l.HTMLDir(), l.PDFDir(), l.OthersDir(), l.IndexDir(),
		l.FromHTMLDir(), l.FromPDFDir(), l.FromOthersDir(), l.QuarantineDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// OutputDirFor returns the output directory matching a manifest row.
func (l Layout) OutputDirFor(doc FetchedDocument) string {
	switch {
	case doc.IsHTML():
		return l.FromHTMLDir()
	case doc.IsPDF():
		return l.FromPDFDir()
	default:
		return l.FromOthersDir()
	}
}
