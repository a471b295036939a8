package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// retryPolicy implements jittered exponential backoff over transient
// fetch failures.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func newRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *retryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &retryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether another attempt may follow after attempts
// tries. Only transient fetch kinds retry; a canceled parent context
// never does.
func (p *retryPolicy) ShouldRetry(err error, attempts int) bool {
	if err == nil || attempts >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *spider.FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}

// Backoff returns the wait before attempt n+1: half deterministic growth,
// half random jitter.
func (p *retryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + p.randomJitter(time.Duration(delay)/2)
}

func (p *retryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// retryStage re-runs the inner chain on transient failures. The final
// error keeps its classification, annotated with the attempt count.
func retryStage(policy *retryPolicy, logger *zap.Logger) Stage {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error) {
			var resp spider.RawResponse
			var err error
			for attempt := 0; ; attempt++ {
				resp, err = next(ctx, req)
				if err == nil {
					return resp, nil
				}
				var fe *spider.FetchError
				if errors.As(err, &fe) {
					fe.Attempts = attempt + 1
				}
				if ctx.Err() != nil || !policy.ShouldRetry(err, attempt+1) {
					return resp, err
				}
				backoff := policy.Backoff(attempt)
				logger.Debug("retrying fetch",
					zap.String("url", req.URL),
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", backoff),
					zap.Error(err),
				)
				timer := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp, err
				case <-timer.C:
				}
			}
		}
	}
}
