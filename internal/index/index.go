// Package index crawls the index pages that list every document to ingest and
// merges their links into all_links.csv.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// ErrNoIndexData is returned when no source produced a single link.
var ErrNoIndexData = errors.New("no index data")

// Source describes one index page and the selectors used to walk it.
type Source struct {
	Name      string
	URL       string
	Role      string
	Container string
	Header    string
	SubHeader string
	Link      string
	Text      string
	SkipRows  int
}

// Row is one entry of a per-source index CSV.
type Row struct {
	Section    string
	Subsection string
	Title      string
	URL        string
	Filename   string
	Role       string
}

// Crawler fetches index pages and extracts their rows.
type Crawler struct {
	sources []Source
	fetcher pipeline.Fetcher
	logger  *zap.Logger
}

// NewCrawler builds a Crawler.
func NewCrawler(sources []Source, fetcher pipeline.Fetcher, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{sources: sources, fetcher: fetcher, logger: logger.Named("index")}
}

// Run crawls every source, writes index/<name>.csv per source and all_links.csv,
// and returns the grouped links. A source that cannot be fetched is logged and
// skipped; ErrNoIndexData is returned when nothing was collected.
func (c *Crawler) Run(ctx context.Context, layout pipeline.Layout) ([]pipeline.SourceLink, error) {
	var rowSets [][]Row
	for _, src := range c.sources {
		rows, err := c.crawlSource(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("index source failed", zap.String("source", src.Name), zap.String("url", src.URL), zap.Error(err))
			continue
		}
		path := filepath.Join(layout.IndexDir(), src.Name+".csv")
		if err := WriteRows(path, rows); err != nil {
			return nil, err
		}
		c.logger.Info("index source collected", zap.String("source", src.Name), zap.Int("rows", len(rows)))
		rowSets = append(rowSets, rows)
	}

	links := Merge(rowSets...)
	if len(links) == 0 {
		return nil, ErrNoIndexData
	}
	if err := WriteLinks(layout.AllLinksPath(), links); err != nil {
		return nil, err
	}
	c.logger.Info("all links saved", zap.String("path", layout.AllLinksPath()), zap.Int("links", len(links)))
	return links, nil
}

func (c *Crawler) crawlSource(ctx context.Context, src Source) ([]Row, error) {
	resp, err := c.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: src.URL})
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", src.Name, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", src.Name, err)
	}
	return Extract(doc, src), nil
}

// Extract walks the direct children of the source container, tracking the
// current section and subsection, and emits a row for every child holding both
// a link and link text. A new section resets the subsection.
func Extract(doc *goquery.Document, src Source) []Row {
	base, _ := url.Parse(src.URL)
	var (
		section    string
		subsection string
		rows       []Row
	)
	doc.Find(src.Container).Children().Each(func(_ int, elem *goquery.Selection) {
		switch {
		case matches(elem, src.SubHeader):
			subsection = pipeline.CleanIndexText(firstText(elem, src.SubHeader))
		case matches(elem, src.Header):
			section = pipeline.CleanIndexText(firstText(elem, src.Header))
			subsection = ""
		default:
			link := elem.Find(src.Link).First()
			text := elem.Find(src.Text).First()
			if link.Length() == 0 || text.Length() == 0 {
				return
			}
			href, ok := link.Attr("href")
			if !ok {
				return
			}
			href = resolve(base, pipeline.CleanIndexText(href))
			if href == "" {
				return
			}
			rows = append(rows, Row{
				Section:    section,
				Subsection: subsection,
				Title:      pipeline.CleanIndexText(text.Text()),
				URL:        href,
				Filename:   pipeline.FilenameForURL(href),
				Role:       src.Role,
			})
		}
	})
	if src.SkipRows > 0 {
		if src.SkipRows >= len(rows) {
			return nil
		}
		rows = rows[src.SkipRows:]
	}
	return rows
}

func matches(elem *goquery.Selection, selector string) bool {
	if selector == "" {
		return false
	}
	return elem.Is(selector) || elem.Find(selector).Length() > 0
}

func firstText(elem *goquery.Selection, selector string) string {
	if inner := elem.Find(selector).First(); inner.Length() > 0 {
		return inner.Text()
	}
	return elem.Text()
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil || ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// Merge concatenates row sets, fills empty cells with pipeline.MissingValue,
// strips anchors and groups rows by URL. Grouped links are sorted by URL; each
// keeps every section, subsection and title in first-seen order and the first
// role seen.
func Merge(rowSets ...[]Row) []pipeline.SourceLink {
	byURL := map[string]*pipeline.SourceLink{}
	var order []string
	for _, rows := range rowSets {
		for _, row := range rows {
			raw := strings.TrimSpace(row.URL)
			if raw == "" {
				continue
			}
			u := pipeline.StripAnchor(raw)
			link, ok := byURL[u]
			if !ok {
				link = &pipeline.SourceLink{
					URL:      u,
					Role:     orMissing(row.Role),
					Filename: pipeline.FilenameForURL(u),
				}
				byURL[u] = link
				order = append(order, u)
			}
			link.Sections = append(link.Sections, orMissing(row.Section))
			link.Subsections = append(link.Subsections, orMissing(row.Subsection))
			link.Titles = append(link.Titles, orMissing(row.Title))
		}
	}
	slices.Sort(order)
	out := make([]pipeline.SourceLink, 0, len(order))
	for _, u := range order {
		out = append(out, *byURL[u])
	}
	return out
}

func orMissing(value string) string {
	if strings.TrimSpace(value) == "" {
		return pipeline.MissingValue
	}
	return value
}
