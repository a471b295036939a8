// Package pipeline assembles the request middleware chain: retry around
// proxy selection, rate limiting, identity, optional headless promotion,
// and the transport itself. The chain is composed once at construction;
// per-request state travels on the FetchRequest.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/identity"
	"github.com/xiaoluflow/notecrawler/internal/proxy"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// RoundTripFunc executes one fetch. Stages may mutate the request before
// passing it down and inspect the error on the way back up.
type RoundTripFunc func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error)

// Stage wraps a RoundTripFunc with one concern.
type Stage func(next RoundTripFunc) RoundTripFunc

// Chain applies stages so that the first listed stage is outermost.
func Chain(base RoundTripFunc, stages ...Stage) RoundTripFunc {
	for i := len(stages) - 1; i >= 0; i-- {
		base = stages[i](base)
	}
	return base
}

// ProxyPool is the slice of the proxy pool the pipeline needs.
type ProxyPool interface {
	Acquire() (proxy.Lease, bool)
	Report(l proxy.Lease, outcome proxy.Outcome)
}

// RateLimiter blocks until a request for key may be sent.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// IdentityRotator hands out sticky browser identities per egress key.
type IdentityRotator interface {
	For(key string) identity.Session
	Rotate(key string) identity.Session
}

// Config tunes the assembled chain.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	FetchTimeout   time.Duration
}

// Options carries the chain's collaborators. Renderer may be nil, which
// disables headless promotion.
type Options struct {
	Transport  spider.Fetcher
	Renderer   spider.Fetcher
	Proxies    ProxyPool
	Limiter    RateLimiter
	Identities IdentityRotator
	Logger     *zap.Logger
}

// Pipeline is the assembled fetch path used by job workers.
type Pipeline struct {
	run RoundTripFunc
}

// New composes the chain. Order, outermost first: retry, proxy,
// rate limit, identity, render promotion, transport. Each retry attempt
// therefore re-acquires a proxy and waits for a fresh rate-limit slot.
func New(cfg Config, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pipeline")

	policy := newRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax)
	stages := []Stage{
		retryStage(policy, logger),
		proxyStage(opts.Proxies),
		rateLimitStage(opts.Limiter),
		identityStage(opts.Identities),
	}
	if opts.Renderer != nil {
		stages = append(stages, renderStage(opts.Renderer, logger))
	}
	return &Pipeline{run: Chain(transportFunc(opts.Transport, cfg.FetchTimeout), stages...)}
}

// Fetch runs one page request through the chain. The returned error, if
// any, is a *spider.FetchError except when ctx itself was canceled.
func (p *Pipeline) Fetch(ctx context.Context, req spider.FetchRequest) (spider.RawResponse, error) {
	return p.run(ctx, &req)
}
