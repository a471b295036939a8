// Package ratelimit spaces outbound requests per rate key and enforces an
// optional process-wide request budget.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaoluflow/notecrawler/internal/metrics"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// Config tunes the limiter. Delay is the minimum spacing between grants
// that share a key; JitterFraction widens each gap by a random amount up
// to that fraction of Delay. GlobalPerMinute of zero disables the
// process-wide budget.
type Config struct {
	Delay           time.Duration
	JitterFraction  float64
	GlobalPerMinute int
}

// Limiter hands out send slots. Callers block in Wait until their slot
// arrives, so two requests with the same key are never dispatched closer
// together than the configured delay, and the randomized jitter keeps the
// cadence from looking mechanical.
type Limiter struct {
	mu    sync.Mutex
	gates map[string]time.Time

	cfg    Config
	global *rate.Limiter
	clock  spider.Clock
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a limiter. The clock is injectable for tests.
func New(cfg Config, clock spider.Clock) *Limiter {
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	l := &Limiter{
		gates: make(map[string]time.Time),
		cfg:   cfg,
		clock: clock,
		sleep: sleepWithContext,
	}
	if cfg.GlobalPerMinute > 0 {
		// Burst of one keeps the global cadence as smooth as the
		// per-key one.
		l.global = rate.NewLimiter(rate.Limit(float64(cfg.GlobalPerMinute)/60.0), 1)
	}
	return l
}

// Wait blocks until the caller may send a request for key. It returns
// early with the context error when ctx is canceled; the reserved slot is
// not returned to the pool in that case.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	now := l.clock.Now()
	next := l.gates[key]
	if next.Before(now) {
		next = now
	}
	spacing := l.cfg.Delay
	if l.cfg.JitterFraction > 0 {
		spacing += time.Duration(rand.Float64() * l.cfg.JitterFraction * float64(l.cfg.Delay))
	}
	l.gates[key] = next.Add(spacing)
	l.mu.Unlock()

	wait := next.Sub(now)
	if wait <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(key, wait)
	return l.sleep(ctx, wait)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
