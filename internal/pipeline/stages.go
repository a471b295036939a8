package pipeline

import (
	"context"
	"errors"
	"net/url"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/proxy"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// ErrPoolExhausted means every proxy is cooling down. It is transient:
// the retry stage backs off and re-acquires.
var ErrPoolExhausted = errors.New("proxy pool exhausted")

// proxyStage leases an egress point for the attempt and reports the
// outcome back to the pool afterwards.
func proxyStage(pool ProxyPool) Stage {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error) {
			lease, ok := pool.Acquire()
			if !ok {
				return spider.RawResponse{}, &spider.FetchError{
					Kind: spider.FetchKindNetwork,
					URL:  req.URL,
					Err:  ErrPoolExhausted,
				}
			}
			req.ProxyURL = lease.Addr
			resp, err := next(ctx, req)
			if errors.Is(err, context.Canceled) {
				// Shutdown, not a proxy fault; leave the score alone.
				return resp, err
			}
			pool.Report(lease, outcomeFor(err))
			return resp, err
		}
	}
}

// outcomeFor maps a fetch result to proxy health. A plain non-success
// status still counts as a healthy proxy: the upstream answered.
func outcomeFor(err error) proxy.Outcome {
	if err == nil {
		return proxy.OutcomeSuccess
	}
	var fe *spider.FetchError
	if errors.As(err, &fe) && fe.Kind == spider.FetchKindHTTPStatus {
		return proxy.OutcomeSuccess
	}
	return proxy.OutcomeFailure
}

// rateLimitStage blocks until the request's rate key has a free slot.
func rateLimitStage(limiter RateLimiter) Stage {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error) {
			key := req.RateKey
			if key == "" {
				key = hostOf(req.URL)
			}
			if err := limiter.Wait(ctx, key); err != nil {
				return spider.RawResponse{}, err
			}
			return next(ctx, req)
		}
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "default"
	}
	return u.Hostname()
}

// identityStage attaches the sticky session for the leased egress point
// and rotates it when the attempt came back blocked.
func identityStage(rotator IdentityRotator) Stage {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error) {
			key := sessionKey(req.ProxyURL)
			sess := rotator.For(key)
			req.UserAgent = sess.UserAgent
			req.Jar = sess.Jar

			resp, err := next(ctx, req)

			var fe *spider.FetchError
			if errors.As(err, &fe) && fe.Kind == spider.FetchKindBlocked {
				rotator.Rotate(key)
			}
			return resp, err
		}
	}
}

func sessionKey(proxyURL string) string {
	if proxyURL == "" {
		return "direct"
	}
	return proxyURL
}

// renderStage re-fetches JavaScript shell pages through the headless
// renderer, reusing the proxy and identity already attached to the
// request. The rendered body goes through the same block classification
// as a plain response.
func renderStage(renderer spider.Fetcher, logger *zap.Logger) Stage {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error) {
			resp, err := next(ctx, req)
			if err != nil || !needsRender(resp) {
				return resp, err
			}

			logger.Debug("promoting to headless render", zap.String("url", req.URL))
			rendered, rerr := renderer.Fetch(ctx, *req)
			if rerr != nil {
				return resp, classifyTransportError(req.URL, rerr)
			}
			rendered.Rendered = true
			if cerr := classifyResponse(&rendered); cerr != nil {
				return rendered, cerr
			}
			return rendered, nil
		}
	}
}
