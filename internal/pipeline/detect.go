package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// minHTMLBytes is the smallest plausible content page. Blocked
// interstitials and stripped responses come in well under this.
const minHTMLBytes = 100

// blockedSignatures are scanned case-insensitively in HTML and text
// bodies that otherwise look successful.
var blockedSignatures = [][]byte{
	[]byte("access denied"),
	[]byte("blocked"),
	[]byte("too many requests"),
	[]byte("captcha"),
	[]byte("访问被拒绝"),
	[]byte("系统繁忙"),
}

var errBlockedBody = errors.New("blocked-page signature in body")

// contentSelectors are server-rendered markers; a shell page has neither
// these nor the state island and must be rendered before parsing.
var contentSelectors = []string{
	`a[href*="/explore/"]`,
	"section.note-item",
}

const stateMarker = "__INITIAL_STATE__"

// transportFunc adapts a Fetcher to the innermost chain hop, bounding
// each attempt with the fetch timeout and classifying the outcome.
func transportFunc(fetcher spider.Fetcher, timeout time.Duration) RoundTripFunc {
	return func(ctx context.Context, req *spider.FetchRequest) (spider.RawResponse, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := fetcher.Fetch(ctx, *req)
		if err != nil {
			return resp, classifyTransportError(req.URL, err)
		}
		if cerr := classifyResponse(&resp); cerr != nil {
			return resp, cerr
		}
		return resp, nil
	}
}

func classifyTransportError(url string, err error) error {
	kind := spider.FetchKindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = spider.FetchKindTimeout
	}
	return &spider.FetchError{Kind: kind, URL: url, Err: err}
}

// classifyResponse turns non-success statuses and blocked-looking bodies
// into typed errors. 403, 429 and 5xx read as blocking; the remaining
// 4xx family is a plain status failure that is not worth retrying.
func classifyResponse(resp *spider.RawResponse) error {
	switch {
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &spider.FetchError{Kind: spider.FetchKindBlocked, URL: resp.URL, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusRequestTimeout:
		return &spider.FetchError{Kind: spider.FetchKindTimeout, URL: resp.URL, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &spider.FetchError{Kind: spider.FetchKindHTTPStatus, URL: resp.URL, StatusCode: resp.StatusCode}
	}
	if blockedBody(resp) {
		return &spider.FetchError{
			Kind:       spider.FetchKindBlocked,
			URL:        resp.URL,
			StatusCode: resp.StatusCode,
			Err:        errBlockedBody,
		}
	}
	return nil
}

// blockedBody applies the body-level heuristics to textual responses:
// implausibly small pages and known blocked-page phrases.
func blockedBody(resp *spider.RawResponse) bool {
	if !isTextual(resp) {
		return false
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) < minHTMLBytes {
		return true
	}
	lower := bytes.ToLower(body)
	for _, sig := range blockedSignatures {
		if bytes.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func isTextual(resp *spider.RawResponse) bool {
	ct := ""
	if resp.Headers != nil {
		ct = resp.Headers.Get("Content-Type")
	}
	if ct == "" {
		return bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("<"))
	}
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "text/plain")
}

// needsRender reports whether the page is a JavaScript shell: an HTML
// response with neither the serialized state island nor server-rendered
// note markup.
func needsRender(resp spider.RawResponse) bool {
	if resp.Rendered || !isTextual(&resp) {
		return false
	}
	if bytes.Contains(resp.Body, []byte(stateMarker)) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return true
	}
	for _, sel := range contentSelectors {
		if doc.Find(sel).Length() > 0 {
			return false
		}
	}
	return true
}
