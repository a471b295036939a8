// Package web fetches pages over plain HTTP using colly. It is the
// default transport; the headless package covers pages that need a
// browser.
package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

const maxBodyBytes = 10 << 20

// Config tunes the transport.
type Config struct {
	Timeout     time.Duration
	MaxParallel int
}

// Fetcher issues one request per call. Each call builds its own
// collector because colly clones share the HTTP backend, and the proxy
// differs per request; transports are cached per proxy so keep-alives
// survive across calls.
type Fetcher struct {
	cfg    Config
	clock  spider.Clock
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds the transport.
func New(cfg Config, clock spider.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.Named("fetch.web"),
		transports: make(map[string]*http.Transport),
	}
}

type fetchResult struct {
	resp spider.RawResponse
	err  error
}

// Fetch retrieves one page. Non-2xx responses come back as responses,
// not errors; classification happens upstream.
func (f *Fetcher) Fetch(ctx context.Context, req spider.FetchRequest) (spider.RawResponse, error) {
	transport, err := f.transportFor(req.ProxyURL)
	if err != nil {
		return spider.RawResponse{}, err
	}

	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.IgnoreRobotsTxt(),
	}
	if req.UserAgent != "" {
		opts = append(opts, colly.UserAgent(req.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = maxBodyBytes
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(transport)
	if req.Jar != nil {
		collector.SetCookieJar(req.Jar)
	}

	collector.OnRequest(func(r *colly.Request) {
		for name, values := range req.Headers {
			r.Headers.Set(name, strings.Join(values, ", "))
		}
	})

	start := f.clock.Now()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{resp: f.toRawResponse(req.URL, r, start)})
	})
	collector.OnError(func(r *colly.Response, cerr error) {
		// colly reports some non-2xx statuses here even with error
		// parsing on; a status is still a response to us.
		if r != nil && r.StatusCode != 0 {
			send(fetchResult{resp: f.toRawResponse(req.URL, r, start)})
			return
		}
		if cerr == nil {
			cerr = errors.New("request failed without diagnosis")
		}
		send(fetchResult{err: cerr})
	})

	if err := collector.Visit(req.URL); err != nil {
		return spider.RawResponse{}, err
	}

	done := make(chan struct{})
	go func() {
		collector.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return spider.RawResponse{}, ctx.Err()
	case <-done:
	}

	select {
	case res := <-resultCh:
		return res.resp, res.err
	default:
		return spider.RawResponse{}, errors.New("fetch produced no result")
	}
}

func (f *Fetcher) toRawResponse(requestURL string, r *colly.Response, start time.Time) spider.RawResponse {
	headers := http.Header{}
	if r.Headers != nil {
		for k, v := range *r.Headers {
			cp := make([]string, len(v))
			copy(cp, v)
			headers[k] = cp
		}
	}
	finalURL := requestURL
	if r.Request != nil && r.Request.URL != nil {
		finalURL = r.Request.URL.String()
	}
	return spider.RawResponse{
		URL:        finalURL,
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte{}, r.Body...),
		FetchedAt:  start,
		Duration:   f.clock.Now().Sub(start),
	}
}

// transportFor returns the cached transport for a proxy address, building
// it on first use. The empty address means a direct connection.
func (f *Fetcher) transportFor(proxyURL string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if tr, ok := f.transports[proxyURL]; ok {
		return tr, nil
	}
	tr := &http.Transport{
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       f.cfg.MaxParallel * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: f.cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(u)
	}
	f.transports[proxyURL] = tr
	return tr, nil
}
