package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/hash/sha256"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingSeen struct {
	err error
}

func (f *failingSeen) MarkSeen(context.Context, string) (bool, error) {
	return false, f.err
}

func testNote(id string) spider.Note {
	return spider.Note{
		NoteID:  id,
		URL:     "https://www.xiaohongshu.com/explore/" + id,
		Title:   "护肤心得分享",
		Content: "坚持一个月的记录",
	}
}

func newTestValidator(t *testing.T) (*Validator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	v := NewValidator(Config{}, NewMemorySeenStore(time.Hour, clock), sha256.New(), clock, nil)
	return v, clock
}

func TestAcceptStampsHashAndCrawlTime(t *testing.T) {
	t.Parallel()

	v, clock := newTestValidator(t)
	verdict, err := v.Accept(context.Background(), testNote("a1"))
	require.NoError(t, err)
	require.True(t, verdict.Accepted)
	require.Len(t, verdict.Note.ContentHash, 64)
	require.Equal(t, clock.Now(), verdict.Note.CrawlTime)
}

func TestRejectInvalidSchema(t *testing.T) {
	t.Parallel()

	missingID := testNote("")
	missingTitle := testNote("b1")
	missingTitle.Title = "   "
	missingURL := testNote("b2")
	missingURL.URL = ""
	relativeURL := testNote("b3")
	relativeURL.URL = "/explore/b3"

	cases := []struct {
		name   string
		note   spider.Note
		detail string
	}{
		{name: "missing id", note: missingID, detail: "missing note_id"},
		{name: "blank title", note: missingTitle, detail: "missing title"},
		{name: "missing url", note: missingURL, detail: "missing url"},
		{name: "relative url", note: relativeURL, detail: "unusable url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v, _ := newTestValidator(t)
			verdict, err := v.Accept(context.Background(), tc.note)
			require.NoError(t, err)
			require.False(t, verdict.Accepted)
			require.Equal(t, spider.RejectInvalidSchema, verdict.Reason)
			require.Contains(t, verdict.Detail, tc.detail)
			require.False(t, verdict.Reason.Duplicate())
		})
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)
	first, err := v.Accept(context.Background(), testNote("c1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := v.Accept(context.Background(), testNote("c1"))
	require.NoError(t, err)
	require.False(t, second.Accepted)
	require.Equal(t, spider.RejectDuplicateID, second.Reason)
	require.True(t, second.Reason.Duplicate())
}

func TestDuplicateContentRejected(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)
	first, err := v.Accept(context.Background(), testNote("d1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	rescrape := testNote("d2")
	second, err := v.Accept(context.Background(), rescrape)
	require.NoError(t, err)
	require.False(t, second.Accepted)
	require.Equal(t, spider.RejectDuplicateContent, second.Reason)
	require.Equal(t, first.Note.ContentHash, second.Detail)
}

func TestHashIgnoresWhitespaceDifferences(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)
	first := testNote("e1")
	first.Title = "护肤 心得"
	first.Content = "每日\t打卡 记录"
	_, err := v.Accept(context.Background(), first)
	require.NoError(t, err)

	rescrape := testNote("e2")
	rescrape.Title = "护肤   心得"
	rescrape.Content = " 每日 打卡\n记录 "
	verdict, err := v.Accept(context.Background(), rescrape)
	require.NoError(t, err)
	require.Equal(t, spider.RejectDuplicateContent, verdict.Reason)
}

func TestLongContentIsTruncated(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t)
	note := testNote("f1")
	note.Content = strings.Repeat("测", defaultMaxContentLength+17)

	verdict, err := v.Accept(context.Background(), note)
	require.NoError(t, err)
	require.True(t, verdict.Accepted)
	require.Equal(t, defaultMaxContentLength+len(truncationSuffix), utf8.RuneCountInString(verdict.Note.Content))
	require.True(t, strings.HasSuffix(verdict.Note.Content, truncationSuffix))
}

func TestShortContentRejectedWhenGated(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	v := NewValidator(Config{MinContentLength: 10}, NewMemorySeenStore(time.Hour, clock), sha256.New(), clock, nil)

	thin := testNote("h1")
	thin.Content = "太短"
	verdict, err := v.Accept(context.Background(), thin)
	require.NoError(t, err)
	require.False(t, verdict.Accepted)
	require.Equal(t, spider.RejectInvalidSchema, verdict.Reason)
	require.Contains(t, verdict.Detail, "content shorter")

	full := testNote("h2")
	full.Content = "坚持一个月的护肤记录打卡分享"
	verdict, err = v.Accept(context.Background(), full)
	require.NoError(t, err)
	require.True(t, verdict.Accepted)
}

func TestSeenStoreFailureIsAnError(t *testing.T) {
	t.Parallel()

	v := NewValidator(Config{}, &failingSeen{err: errors.New("connection refused")}, sha256.New(), nil, nil)
	_, err := v.Accept(context.Background(), testNote("g1"))
	require.ErrorContains(t, err, "mark note g1 seen")
}
