// Package manifest reads and writes the per-run manifest CSV (output_data.csv)
// and its error report.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// Header is the manifest column order.
var Header = []string{
	"Heading",
	"Subheading",
	"Title",
	"URL",
	"Filepath",
	"Content Type",
	"Content Hash",
	"Last Update",
}

// timeLayouts are tried in order when parsing "Last Update"; the second form is
// what older manifests wrote (ISO 8601 without a zone).
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
}

// Manifest is the ordered row-set of one run.
type Manifest struct {
	Rows []pipeline.FetchedDocument
}

// Append adds rows in order.
func (m *Manifest) Append(rows ...pipeline.FetchedDocument) {
	m.Rows = append(m.Rows, rows...)
}

// Dedupe collapses rows that are identical in every column except Last Update,
// keeping the first occurrence.
func (m *Manifest) Dedupe() int {
	seen := make(map[[7]string]struct{}, len(m.Rows))
	out := m.Rows[:0]
	removed := 0
	for _, row := range m.Rows {
		key := [7]string{row.Heading, row.Subheading, row.Title, row.URL, row.Filepath, row.ContentType, row.ContentHash}
		if _, dup := seen[key]; dup {
			removed++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	m.Rows = out
	return removed
}

// Errors returns the hash-less rows: fetch failures and browser fallbacks.
func (m *Manifest) Errors() []pipeline.FetchedDocument {
	var out []pipeline.FetchedDocument
	for _, row := range m.Rows {
		if row.ContentHash == "" {
			out = append(out, row)
		}
	}
	return out
}

// Successful returns the rows that point at saved content.
func (m *Manifest) Successful() []pipeline.FetchedDocument {
	var out []pipeline.FetchedDocument
	for _, row := range m.Rows {
		if !row.Failed() {
			out = append(out, row)
		}
	}
	return out
}

// Failures returns the rows recording fetch failures.
func (m *Manifest) Failures() []pipeline.FetchedDocument {
	var out []pipeline.FetchedDocument
	for _, row := range m.Rows {
		if row.Failed() {
			out = append(out, row)
		}
	}
	return out
}

// HashMap returns URL to content hash. Later rows win, matching how a keyed
// lookup over an appended manifest behaves.
func (m *Manifest) HashMap() map[string]string {
	out := make(map[string]string, len(m.Rows))
	for _, row := range m.Rows {
		out[row.URL] = row.ContentHash
	}
	return out
}

// Read loads a manifest CSV. A missing file yields an empty manifest and
// os.ErrNotExist so callers can decide whether absence is fatal.
func Read(path string) (*Manifest, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the run layout
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Manifest{}, fmt.Errorf("manifest %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return Decode(f)
}

// Decode parses manifest CSV from r.
func Decode(r io.Reader) (*Manifest, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read manifest csv: %w", err)
	}
	m := &Manifest{}
	if len(records) == 0 {
		return m, nil
	}
	cols, err := columnIndex(records[0])
	if err != nil {
		return nil, err
	}
	for i, rec := range records[1:] {
		get := func(name string) string {
			idx := cols[name]
			if idx < len(rec) {
				return rec[idx]
			}
			return ""
		}
		row := pipeline.FetchedDocument{
			Heading:     get("Heading"),
			Subheading:  get("Subheading"),
			Title:       get("Title"),
			URL:         get("URL"),
			Filepath:    get("Filepath"),
			ContentType: get("Content Type"),
			ContentHash: get("Content Hash"),
		}
		if raw := get("Last Update"); raw != "" {
			ts, err := parseTime(raw)
			if err != nil {
				return nil, fmt.Errorf("manifest row %d: %w", i+2, err)
			}
			row.LastUpdate = ts
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range []string{"URL", "Filepath", "Content Type", "Content Hash"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("manifest header missing %q", name)
		}
	}
	return cols, nil
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable Last Update %q", raw)
}

// Write stores rows at path, replacing any existing file.
func Write(path string, rows []pipeline.FetchedDocument) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp) //nolint:gosec // path comes from the run layout
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if err := Encode(f, rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Encode writes rows as manifest CSV.
func Encode(w io.Writer, rows []pipeline.FetchedDocument) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	for _, row := range rows {
		last := ""
		if !row.LastUpdate.IsZero() {
			last = row.LastUpdate.Format(time.RFC3339Nano)
		}
		rec := []string{
			row.Heading, row.Subheading, row.Title, row.URL,
			row.Filepath, row.ContentType, row.ContentHash, last,
		}
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("write manifest row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush manifest: %w", err)
	}
	return nil
}

// Finalize merges m into any manifest already at path, collapses duplicates
// ignoring Last Update, writes the result, and writes the hash-less rows to
// errorPath. It returns the merged manifest.
func Finalize(path, errorPath string, m *Manifest) (*Manifest, error) {
	merged := &Manifest{}
	existing, err := Read(path)
	switch {
	case err == nil:
		merged.Append(existing.Rows...)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	merged.Append(m.Rows...)
	merged.Dedupe()

	if err := Write(errorPath, m.Errors()); err != nil {
		return nil, fmt.Errorf("write error report: %w", err)
	}
	if err := Write(path, merged.Rows); err != nil {
		return nil, err
	}
	return merged, nil
}
