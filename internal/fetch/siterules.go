package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// SiteRule narrows a host's pages to one content container. When TabList is set,
// each anchor it selects whose href carries a fragment names a tab panel that is
// rendered separately and appended under an <h1> with the tab title. Render
// replaces the HTTP body with the browser-rendered page before extraction, for
// hosts that build their content client-side.
type SiteRule struct {
	Host      string
	Container string
	TabList   string
	Render    bool
}

// ErrRenderUnavailable is returned for Render rules when no browser is configured.
var ErrRenderUnavailable = errors.New("site rule requires a browser")

type tabLink struct {
	title string
	url   string
}

// applySiteRule returns the rewritten page, or the original bytes when the page
// cannot be parsed or the container is absent.
func (s *Stage) applySiteRule(ctx context.Context, rule SiteRule, pageURL string, body []byte) []byte {
	logger := s.logger.With(zap.String("url", pageURL), zap.String("host", rule.Host))
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		logger.Warn("site rule parse failed", zap.Error(err))
		return body
	}

	var out strings.Builder
	container := doc.Find(rule.Container).First()
	if container.Length() == 0 {
		logger.Warn("site rule container missing", zap.String("container", rule.Container))
		out.Write(body)
	} else {
		outer, err := goquery.OuterHtml(container)
		if err != nil {
			logger.Warn("site rule render failed", zap.Error(err))
			return body
		}
		out.WriteString(outer)
	}

	if rule.TabList != "" {
		for _, tab := range tabLinks(doc, rule.TabList, pageURL) {
			panel, err := s.fetchTab(ctx, rule, tab)
			if err != nil {
				logger.Warn("tab fetch failed", zap.String("tab", tab.url), zap.Error(err))
				continue
			}
			out.WriteString(panel)
		}
	}
	return []byte(out.String())
}

func tabLinks(doc *goquery.Document, selector, pageURL string) []tabLink {
	base := pipeline.StripAnchor(pageURL)
	var tabs []tabLink
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		_, fragment, found := strings.Cut(href, "#")
		if !found {
			return
		}
		tabs = append(tabs, tabLink{
			title: strings.TrimSpace(sel.Text()),
			url:   base + "#" + fragment,
		})
	})
	return tabs
}

// fetchTab renders one tab panel in the browser, or over plain HTTP when no
// browser is configured.
func (s *Stage) fetchTab(ctx context.Context, rule SiteRule, tab tabLink) (string, error) {
	fetcher := s.browser
	if fetcher == nil {
		fetcher = s.http
	}
	resp, err := fetcher.Fetch(ctx, pipeline.FetchRequest{URL: tab.url})
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return "", err
	}
	panel := doc.Find(rule.Container).First()
	if panel.Length() == 0 {
		return "", nil
	}
	panel.PrependHtml("<h1>" + html.EscapeString(tab.title) + "</h1>")
	return goquery.OuterHtml(panel)
}

// render fetches pageURL through the browser. The rendered page is kept as a
// regular html document, hashed like any other.
func (s *Stage) render(ctx context.Context, pageURL string) ([]byte, error) {
	if s.browser == nil {
		return nil, ErrRenderUnavailable
	}
	resp, err := s.browser.Fetch(ctx, pipeline.FetchRequest{URL: pageURL})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, fmt.Errorf("render %s: empty page", pageURL)
	}
	return resp.Body, nil
}
