// Package headless renders JavaScript shell pages with chromedp. The
// pipeline promotes a fetch here when the plain response carries no
// usable content.
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
	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// ErrDisabled indicates rendering has been disabled via configuration.
var ErrDisabled = errors.New("headless rendering disabled")

// settleDelay gives client scripts a beat to fill the DOM after the
// document is ready.
const settleDelay = 500 * time.Millisecond

// Config tunes the renderer.
type Config struct {
	MaxParallel int
	NavTimeout  time.Duration
}

// Renderer implements spider.Fetcher with a headless browser. A warm
// browser serves direct fetches; proxied fetches launch a short-lived
// browser because the proxy can only be set per allocator.
type Renderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	clock           spider.Clock
	sem             chan struct{}
	navTimeout      time.Duration
}

// New starts the warm browser. The caller must Close it.
func New(cfg Config, clock spider.Clock, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel <= 0 {
		return nil, ErrDisabled
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions("")...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Renderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger.Named("fetch.headless"),
		clock:           clock,
		sem:             make(chan struct{}, cfg.MaxParallel),
		navTimeout:      cfg.NavTimeout,
	}, nil
}

func allocatorOptions(proxyURL string) []chromedp.ExecAllocatorOption {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	return opts
}

// Close tears down the warm browser.
func (r *Renderer) Close(context.Context) error {
	if r == nil {
		return nil
	}
	r.browserCancel()
	r.allocatorCancel()
	return nil
}

// Fetch renders req.URL and returns the post-JavaScript DOM.
func (r *Renderer) Fetch(ctx context.Context, req spider.FetchRequest) (spider.RawResponse, error) {
	if r == nil {
		return spider.RawResponse{}, ErrDisabled
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return spider.RawResponse{}, err
	}
	defer release()

	parentCtx := r.browserCtx
	if req.ProxyURL != "" {
		r.logger.Debug("launching proxied browser", zap.String("proxy", req.ProxyURL))
		allocatorCtx, cancelAllocator := chromedp.NewExecAllocator(context.Background(), allocatorOptions(req.ProxyURL)...)
		defer cancelAllocator()
		parentCtx = allocatorCtx
	}

	tabCtx, cancelTab := chromedp.NewContext(parentCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.navTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	recordResponse(tabCtx, meta)

	start := r.clock.Now()
	html, err := r.run(taskCtx, req)
	if err != nil {
		return spider.RawResponse{}, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status := meta.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return spider.RawResponse{
		URL:        meta.finalURL(req.URL),
		StatusCode: status,
		Headers:    meta.headers,
		Body:       []byte(html),
		FetchedAt:  start,
		Duration:   r.clock.Now().Sub(start),
		Rendered:   true,
	}, nil
}

func (r *Renderer) run(ctx context.Context, req spider.FetchRequest) (string, error) {
	var html string
	tasks := chromedp.Tasks{network.Enable()}
	if req.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(req.UserAgent))
	}
	if len(req.Headers) > 0 {
		extra := make(network.Headers, len(req.Headers))
		for name, values := range req.Headers {
			if len(values) > 0 {
				extra[name] = values[0]
			}
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(extra))
	}
	tasks = append(tasks,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", err
	}
	return html, nil
}

func (r *Renderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: make(http.Header)}
}

func (m *responseMeta) finalURL(raw string) string {
	if m.url == "" {
		return raw
	}
	return m.url
}

func recordResponse(tabCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
			for k, v := range resp.Response.Headers {
				meta.headers.Add(k, fmt.Sprint(v))
			}
		})
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
