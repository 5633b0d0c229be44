package index

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

const handbookPage = `<html><body>
<div class="WordSection1">
  <p><a href="https://x/skip1"><span>Skip one</span></a></p>
  <h1>Admissions&nbsp;Guide</h1>
  <p><a href="https://x/apply#step"><span>How to apply</span></a></p>
  <h2>Deadlines</h2>
  <p><a href="/dates"><span>Key dates&#8203;</span></a></p>
  <p>No link here</p>
  <h1>Billing</h1>
  <p><a href="https://x/pay"><span>Pay tuition</span></a></p>
</div>
</body></html>`

func handbookSource() Source {
	return Source{
		Name: "missionary", URL: "https://x/handbook", Role: "missionary",
		Container: "div.WordSection1", Header: "h1", SubHeader: "h2", Link: "a", Text: "a > span",
	}
}

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestExtractTracksSections(t *testing.T) {
	t.Parallel()

	rows := Extract(mustDoc(t, handbookPage), handbookSource())
	require.Len(t, rows, 4)

	require.Equal(t, Row{Title: "Skip one", URL: "https://x/skip1", Filename: pipeline.FilenameForURL("https://x/skip1"), Role: "missionary"}, rows[0])
	require.Equal(t, "Admissions Guide", rows[1].Section)
	require.Empty(t, rows[1].Subsection)
	require.Equal(t, "https://x/apply#step", rows[1].URL)
	require.Equal(t, "Deadlines", rows[2].Subsection)
	require.Equal(t, "https://x/dates", rows[2].URL, "relative links resolve against the index page")
	require.Equal(t, "Key dates", rows[2].Title)
	require.Equal(t, "Billing", rows[3].Section)
	require.Empty(t, rows[3].Subsection, "a new section resets the subsection")
}

func TestExtractSkipRows(t *testing.T) {
	t.Parallel()

	src := handbookSource()
	src.SkipRows = 2
	rows := Extract(mustDoc(t, handbookPage), src)
	require.Len(t, rows, 2)
	require.Equal(t, "https://x/dates", rows[0].URL)

	src.SkipRows = 10
	require.Empty(t, Extract(mustDoc(t, handbookPage), src))
}

func TestMergeGroupsByAnchorlessURL(t *testing.T) {
	t.Parallel()

	links := Merge(
		[]Row{
			{Section: "B", Subsection: "", Title: "Apply", URL: "https://x/apply#top", Role: "ACM"},
			{Section: "A", Title: "Zeta", URL: "https://x/zeta", Role: "ACM"},
		},
		[]Row{
			{Section: "C", Subsection: "Sub", Title: "Apply again", URL: "https://x/apply", Role: "missionary"},
			{URL: "  "},
		},
	)
	require.Len(t, links, 2)
	apply := links[0]
	require.Equal(t, "https://x/apply", apply.URL)
	require.Equal(t, []string{"B", "C"}, apply.Sections)
	require.Equal(t, []string{pipeline.MissingValue, "Sub"}, apply.Subsections)
	require.Equal(t, []string{"Apply", "Apply again"}, apply.Titles)
	require.Equal(t, "ACM", apply.Role, "first role wins")
	require.Equal(t, pipeline.FilenameForURL("https://x/apply"), apply.Filename)
	require.Equal(t, "https://x/zeta", links[1].URL)
}

func TestLinksRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "all_links.csv")
	links := Merge([]Row{
		{Section: "Admissions, Fees", Title: `Say "hi"`, URL: "https://x/a", Role: "ACM"},
		{Section: "Other", Title: "Again", URL: "https://x/a", Role: "ACM"},
	})
	require.NoError(t, WriteLinks(path, links))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "URL,Section,Subsection,Title,Role,filename\n"))

	got, err := ReadLinks(path)
	require.NoError(t, err)
	require.Equal(t, links, got)
}

func TestRowsRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index", "acm.csv")
	rows := []Row{{Section: "S", Subsection: "SS", Title: "T", URL: "https://x/a", Filename: "abc", Role: "ACM"}}
	require.NoError(t, WriteRows(path, rows))
	got, err := ReadRows(path)
	require.NoError(t, err)
	require.Equal(t, rows, got)
}

type pageFetcher map[string]string

func (p pageFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	body, ok := p[req.URL]
	if !ok {
		return pipeline.FetchResponse{}, errors.New("unreachable")
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func TestCrawlerRunWritesIndexFiles(t *testing.T) {
	t.Parallel()

	layout := pipeline.Layout{Root: t.TempDir()}
	broken := handbookSource()
	broken.Name = "broken"
	broken.URL = "https://x/down"
	crawler := NewCrawler([]Source{handbookSource(), broken}, pageFetcher{"https://x/handbook": handbookPage}, zap.NewNop())

	links, err := crawler.Run(context.Background(), layout)
	require.NoError(t, err)
	require.Len(t, links, 4)

	_, err = os.Stat(filepath.Join(layout.IndexDir(), "missionary.csv"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(layout.IndexDir(), "broken.csv"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	onDisk, err := ReadLinks(layout.AllLinksPath())
	require.NoError(t, err)
	require.Equal(t, links, onDisk)
}

func TestCrawlerRunWithoutDataIsFatal(t *testing.T) {
	t.Parallel()

	crawler := NewCrawler([]Source{handbookSource()}, pageFetcher{}, nil)
	_, err := crawler.Run(context.Background(), pipeline.Layout{Root: t.TempDir()})
	require.ErrorIs(t, err, ErrNoIndexData)
}
