package web

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

func newTestFetcher(timeout time.Duration) *Fetcher {
	return New(Config{Timeout: timeout}, system.New(), zap.NewNop())
}

func TestFetchReturnsBodyAndMetadata(t *testing.T) {
	t.Parallel()

	var gotAgent, gotCustom atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.UserAgent())
		gotCustom.Store(r.Header.Get("X-Requested-With"))
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer server.Close()

	f := newTestFetcher(5 * time.Second)
	resp, err := f.Fetch(context.Background(), spider.FetchRequest{
		URL:       server.URL,
		UserAgent: "test-agent",
		Headers:   http.Header{"X-Requested-With": []string{"XMLHttpRequest"}},
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("<html><body>hello</body></html>"), resp.Body)
	require.Contains(t, resp.Headers.Get("Content-Type"), "text/html")
	require.False(t, resp.FetchedAt.IsZero())
	require.Greater(t, resp.Duration, time.Duration(0))
	require.Equal(t, "test-agent", gotAgent.Load())
	require.Equal(t, "XMLHttpRequest", gotCustom.Load())
}

func TestFetchReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	f := newTestFetcher(5 * time.Second)
	resp, err := f.Fetch(context.Background(), spider.FetchRequest{URL: server.URL})

	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchUsesCookieJar(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil && c.Value == "abc" {
			http.SetCookie(w, &http.Cookie{Name: "seen", Value: "yes"})
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	jar.SetCookies(serverURL, []*http.Cookie{{Name: "session", Value: "abc"}})

	f := newTestFetcher(5 * time.Second)
	_, err = f.Fetch(context.Background(), spider.FetchRequest{URL: server.URL, Jar: jar})
	require.NoError(t, err)

	var names []string
	for _, c := range jar.Cookies(serverURL) {
		names = append(names, c.Name)
	}
	require.Contains(t, names, "seen")
}

func TestFetchTimesOut(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer server.Close()

	f := newTestFetcher(50 * time.Millisecond)
	_, err := f.Fetch(context.Background(), spider.FetchRequest{URL: server.URL})
	require.Error(t, err)
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("late"))
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := newTestFetcher(5 * time.Second)
	_, err := f.Fetch(ctx, spider.FetchRequest{URL: server.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchReportsConnectionErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	f := newTestFetcher(time.Second)
	_, err := f.Fetch(context.Background(), spider.FetchRequest{URL: addr})
	require.Error(t, err)
}

func TestTransportCacheReusesPerProxy(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(time.Second)

	direct1, err := f.transportFor("")
	require.NoError(t, err)
	direct2, err := f.transportFor("")
	require.NoError(t, err)
	require.Same(t, direct1, direct2)

	proxied, err := f.transportFor("http://p1:8080")
	require.NoError(t, err)
	require.NotSame(t, direct1, proxied)
	require.NotNil(t, proxied.Proxy)

	_, err = f.transportFor("://bad")
	require.Error(t, err)
}
