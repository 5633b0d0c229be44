package index

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

var (
	rowHeader  = []string{"Section", "Subsection", "Title", "URL", "filename", "Role"}
	linkHeader = []string{"URL", "Section", "Subsection", "Title", "Role", "filename"}
)

// WriteRows writes one source's rows.
func WriteRows(path string, rows []Row) error {
	return writeCSV(path, rowHeader, func(w *csv.Writer) error {
		for _, r := range rows {
			if err := w.Write([]string{r.Section, r.Subsection, r.Title, r.URL, r.Filename, r.Role}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadRows reads a per-source index CSV.
func ReadRows(path string) ([]Row, error) {
	records, cols, err := readCSV(path, rowHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			Section:    rec[cols["Section"]],
			Subsection: rec[cols["Subsection"]],
			Title:      rec[cols["Title"]],
			URL:        rec[cols["URL"]],
			Filename:   rec[cols["filename"]],
			Role:       rec[cols["Role"]],
		})
	}
	return rows, nil
}

// WriteLinks writes all_links.csv. List columns are JSON arrays.
func WriteLinks(path string, links []pipeline.SourceLink) error {
	return writeCSV(path, linkHeader, func(w *csv.Writer) error {
		for _, l := range links {
			sections, err := json.Marshal(nonNil(l.Sections))
			if err != nil {
				return err
			}
			subsections, err := json.Marshal(nonNil(l.Subsections))
			if err != nil {
				return err
			}
			titles, err := json.Marshal(nonNil(l.Titles))
			if err != nil {
				return err
			}
			if err := w.Write([]string{l.URL, string(sections), string(subsections), string(titles), l.Role, l.Filename}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadLinks reads all_links.csv.
func ReadLinks(path string) ([]pipeline.SourceLink, error) {
	records, cols, err := readCSV(path, linkHeader)
	if err != nil {
		return nil, err
	}
	links := make([]pipeline.SourceLink, 0, len(records))
	for i, rec := range records {
		link := pipeline.SourceLink{
			URL:      rec[cols["URL"]],
			Role:     rec[cols["Role"]],
			Filename: rec[cols["filename"]],
		}
		for name, dst := range map[string]*[]string{
			"Section":    &link.Sections,
			"Subsection": &link.Subsections,
			"Title":      &link.Titles,
		} {
			if err := json.Unmarshal([]byte(rec[cols[name]]), dst); err != nil {
				return nil, fmt.Errorf("%s row %d column %s: %w", path, i+2, name, err)
			}
		}
		if link.Filename == "" {
			link.Filename = pipeline.FilenameForURL(link.URL)
		}
		links = append(links, link)
	}
	return links, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func writeCSV(path string, header []string, body func(*csv.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.Create(path) //nolint:gosec // path comes from the run layout
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header %s: %w", path, err)
	}
	if err := body(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// readCSV returns the data records (each padded to the header width) and a
// column index, failing when a required column is absent.
func readCSV(path string, required []string) ([][]string, map[string]int, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the run layout
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("%s: missing column %q", path, name)
		}
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	for i, rec := range records {
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		records[i] = rec
	}
	return records, cols, nil
}
