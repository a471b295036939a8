package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

func TestNewRejectsZeroParallelism(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: 0}, system.New(), zap.NewNop())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	require.Equal(t, "https://fallback", meta.finalURL("https://fallback"))

	meta.once.Do(func() {
		meta.statusCode = 200
		meta.url = "https://www.xiaohongshu.com/explore"
	})
	meta.once.Do(func() {
		meta.statusCode = 301
		meta.url = "https://other"
	})

	require.Equal(t, 200, meta.statusCode)
	require.Equal(t, "https://www.xiaohongshu.com/explore", meta.finalURL("https://fallback"))
}

func TestForwardCancelStops(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	canceled := make(chan struct{})
	stop := forwardCancel(parent, func() { close(canceled) })
	cancelParent()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel not forwarded")
	}
	stop()
}

func TestFetchRendersDynamicContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><body><script>document.body.innerHTML = '<div id="late">late content</div>';</script></body></html>`)
	}))
	defer srv.Close()

	renderer, err := New(Config{MaxParallel: 1, NavTimeout: 10 * time.Second}, system.New(), zap.NewNop())
	if errors.Is(err, ErrDisabled) {
		t.Skip("renderer disabled")
	}
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	defer renderer.Close(context.Background())

	resp, err := renderer.Fetch(context.Background(), spider.FetchRequest{
		URL:       srv.URL,
		UserAgent: "TestAgent",
	})
	if err != nil {
		t.Skipf("render failed: %v", err)
	}
	require.True(t, resp.Rendered)
	require.True(t, strings.Contains(string(resp.Body), "late content"))
}
