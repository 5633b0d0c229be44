// Package collyfetcher implements pipeline.Fetcher with gocolly. It serves both
// the index crawl and the document fetch.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

const (
	defaultMaxBodySize = 64 << 20
	defaultTimeout     = 10 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// StatusError reports a response the collector refused because of its status
// code. The fetch stage records Code in the manifest.
type StatusError struct {
	Code int
	URL  string
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s for url: %s", e.Code, http.StatusText(e.Code), e.URL)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Fetcher implements pipeline.Fetcher. One collector template is cloned per
// request so that repeated URLs are never refused as already visited.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	robots    *robotsTransport
	template  *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	transport := newHTTPTransport()
	template := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		template.UserAgent = cfg.UserAgent
	}
	template.IgnoreRobotsTxt = !cfg.RespectRobots
	template.MaxBodySize = cfg.MaxBodySize
	template.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{cfg: cfg, transport: transport, template: template}
	// Clones share the template's HTTP backend, so the transport is set once.
	if cfg.RespectRobots {
		f.robots = newRobotsTransport(transport)
		template.WithTransport(f.robots)
	} else {
		template.WithTransport(transport)
	}
	return f
}

type visit struct {
	resp pipeline.FetchResponse
	err  error
}

// Fetch executes a single GET. Non-2xx responses come back as *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	collector := f.template.Clone()
	start := time.Now()
	var out visit

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		out.resp = pipeline.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			out.err = &StatusError{Code: r.StatusCode, URL: request.URL, Err: err}
			return
		}
		out.err = err
	})

	done := make(chan visit, 1)
	go func() {
		if err := collector.Visit(request.URL); err != nil && out.err == nil {
			out.err = err
		}
		done <- out
	}()

	select {
	case <-ctx.Done():
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, res.err)
		}
		metrics.ObserveFetchBytes(res.resp.URL, len(res.resp.Body))
		return res.resp, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
