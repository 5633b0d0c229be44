// Package headless renders pages in headless Chrome for hosts that refuse
// plain HTTP clients.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pathway-indexer/internal/metrics"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("headless fetcher closed")

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds open tabs.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long the page may keep rendering after body is ready.
	Settle time.Duration
	// ExecPath overrides browser discovery.
	ExecPath string
}

// Fetcher implements pipeline.Fetcher with one shared Chrome process. The
// process starts on the first Fetch and every Fetch renders in its own tab.
type Fetcher struct {
	cfg   Config
	slots *semaphore.Weighted

	mu          sync.Mutex
	browserCtx  context.Context
	stopBrowser context.CancelFunc
	closed      bool
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	return &Fetcher{cfg: cfg, slots: semaphore.NewWeighted(int64(cfg.MaxParallel))}, nil
}

// Fetch opens request.URL in a new tab and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if err := f.slots.Acquire(ctx, 1); err != nil {
		return pipeline.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
	}
	defer f.slots.Release(1)

	browserCtx, err := f.browser()
	if err != nil {
		return pipeline.FetchResponse{}, err
	}
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	// The tab descends from the browser, not the request, so tie them here.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err = chromedp.Run(tabCtx,
		f.identify(),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, ctx.Err())
		}
		return pipeline.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers := doc.result()
	if location == "" {
		location = request.URL
	}
	metrics.ObserveFetchBytes(location, len(html))
	return pipeline.FetchResponse{
		URL:          location,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// Close stops the browser process. Later fetches fail with ErrClosed.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.stopBrowser != nil {
		f.stopBrowser()
		f.stopBrowser = nil
		f.browserCtx = nil
	}
	return nil
}

func (f *Fetcher) browser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.browserCtx != nil && f.browserCtx.Err() == nil {
		return f.browserCtx, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	f.browserCtx = browserCtx
	f.stopBrowser = func() {
		cancelBrowser()
		cancelAlloc()
	}
	return browserCtx, nil
}

func (f *Fetcher) identify() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// documentResponse keeps the status and headers of the first document
// response of a tab. Later document responses belong to iframes.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(event.Response.Status)
	d.headers = http.Header{}
	for key, value := range event.Response.Headers {
		d.headers.Add(key, fmt.Sprint(value))
	}
}

func (d *documentResponse) result() (int, http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.seen {
		return http.StatusOK, http.Header{}
	}
	return d.status, d.headers.Clone()
}
