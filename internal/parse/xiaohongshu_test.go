package parse

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

func htmlPage(body string) spider.RawResponse {
	return spider.RawResponse{
		URL:        SearchURL("美妆", 1),
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

const stateNoteJSON = `{
	"id": "65abc123def",
	"note_card": {
		"type": "normal",
		"display_title": "新手化妆教程\t 分享",
		"desc": "超详细的底妆步骤",
		"user": {"user_id": "u1001", "nickname": "  小美  ", "avatar": "//sns-avatar.xhscdn.com/u1001.jpg"},
		"interact_info": {"liked_count": "1.2万", "comment_count": "56", "shared_count": "3千"},
		"cover": {"url_default": "https://sns-img.xhscdn.com/cover.webp"},
		"image_list": [
			{"url_default": "https://sns-img.xhscdn.com/one.jpg"},
			{"url": "//sns-img.xhscdn.com/two.png"}
		],
		"tag_list": [{"name": "#美妆"}, {"name": "化妆教程"}],
		"time": 1718000000000
	}
}`

func statePage(notesJSON string, hasMore bool) spider.RawResponse {
	body := fmt.Sprintf(
		`<html><head><script>window.__INITIAL_STATE__={"search":{"notes":[%s],"hasMore":%t,"extra":undefined}}</script></head><body><div id="app"></div></body></html>`,
		notesJSON, hasMore,
	)
	return htmlPage(body)
}

func TestExtractFromStateIsland(t *testing.T) {
	t.Parallel()

	p := NewXiaohongshu()
	result, err := p.Extract(statePage(stateNoteJSON, true))
	require.NoError(t, err)
	require.True(t, result.HasMore)
	require.Len(t, result.Notes, 1)

	note := result.Notes[0]
	require.Equal(t, "65abc123def", note.NoteID)
	require.Equal(t, "https://www.xiaohongshu.com/explore/65abc123def", note.URL)
	require.Equal(t, "新手化妆教程 分享", note.Title)
	require.Equal(t, "超详细的底妆步骤", note.Content)
	require.Equal(t, "u1001", note.AuthorID)
	require.Equal(t, "小美", note.AuthorName)
	require.Equal(t, "https://sns-avatar.xhscdn.com/u1001.jpg", note.AuthorAvatar)
	require.Equal(t, 12000, note.LikesCount)
	require.Equal(t, 56, note.CommentsCount)
	require.Equal(t, 3000, note.SharesCount)
	require.Equal(t, []string{
		"https://sns-img.xhscdn.com/one.jpg",
		"https://sns-img.xhscdn.com/two.png",
	}, note.Images)
	require.Equal(t, []string{"美妆", "化妆教程"}, note.Tags)
	require.Equal(t, "normal", note.NoteType)
	require.Equal(t, "2024-06-10T06:13:20Z", note.PublishTime)
}

func TestExtractStateHasMoreFalseStopsPagination(t *testing.T) {
	t.Parallel()

	p := NewXiaohongshu()
	result, err := p.Extract(statePage(stateNoteJSON, false))
	require.NoError(t, err)
	require.False(t, result.HasMore)
	require.Len(t, result.Notes, 1)
}

func TestExtractStateSkipsEntriesWithoutCard(t *testing.T) {
	t.Parallel()

	page := statePage(stateNoteJSON+`,{"id":"rec-banner"}`, true)
	p := NewXiaohongshu()
	result, err := p.Extract(page)
	require.NoError(t, err)
	require.Len(t, result.Notes, 1)
}

func TestExtractStateWrappedNotes(t *testing.T) {
	t.Parallel()

	body := fmt.Sprintf(
		`<html><script>window.__INITIAL_STATE__={"search":{"notes":{"_rawValue":[%s]}}}</script></html>`,
		stateNoteJSON,
	)
	p := NewXiaohongshu()
	result, err := p.Extract(htmlPage(body))
	require.NoError(t, err)
	require.Len(t, result.Notes, 1)
	require.True(t, result.HasMore)
}

func TestExtractFromSearchAPI(t *testing.T) {
	t.Parallel()

	resp := spider.RawResponse{
		URL:        "https://edith.xiaohongshu.com/api/sns/web/v1/search/notes",
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(fmt.Sprintf(`{"data":{"items":[%s],"has_more":false}}`, stateNoteJSON)),
	}
	p := NewXiaohongshu()
	result, err := p.Extract(resp)
	require.NoError(t, err)
	require.False(t, result.HasMore)
	require.Len(t, result.Notes, 1)

	video := `{"id":"v1","note_card":{"type":"video","display_title":"测评",
		"video":{"media":{"stream":{"h264":[{"master_url":"https://sns-video.xhscdn.com/v1.mp4"}]}}}}}`
	resp.Body = []byte(fmt.Sprintf(`{"data":{"items":[%s],"has_more":true}}`, video))
	result, err = p.Extract(resp)
	require.NoError(t, err)
	require.Len(t, result.Notes, 1)
	require.Equal(t, "https://sns-video.xhscdn.com/v1.mp4", result.Notes[0].VideoURL)
	require.Equal(t, "video", result.Notes[0].NoteType)
}

func TestExtractFromRenderedCards(t *testing.T) {
	t.Parallel()

	body := `<html><body><div class="feeds-container">
		<section class="note-item">
			<a href="/explore/abc123DEF">
				<span class="title">素颜 护肤 分享</span>
			</a>
			<div class="desc">坚持一个月的变化</div>
			<span class="author-name">阿花</span>
			<span data-author-id="u2002"></span>
			<div class="cover"><img src="//sns-img.xhscdn.com/c1.jpg"></div>
			<span class="like-count">2.3w</span>
			<span class="comment-count">赞 18</span>
			<span class="tag">#护肤</span>
			<span class="tag">#护肤</span>
		</section>
		<section class="note-item"><div class="title">no link, dropped</div></section>
	</div></body></html>`

	p := NewXiaohongshu()
	result, err := p.Extract(htmlPage(body))
	require.NoError(t, err)
	require.True(t, result.HasMore)
	require.Len(t, result.Notes, 1)

	note := result.Notes[0]
	require.Equal(t, "abc123DEF", note.NoteID)
	require.Equal(t, "https://www.xiaohongshu.com/explore/abc123DEF", note.URL)
	require.Equal(t, "素颜 护肤 分享", note.Title)
	require.Equal(t, "坚持一个月的变化", note.Content)
	require.Equal(t, "阿花", note.AuthorName)
	require.Equal(t, "u2002", note.AuthorID)
	require.Equal(t, 23000, note.LikesCount)
	require.Equal(t, 18, note.CommentsCount)
	require.Zero(t, note.SharesCount)
	require.Equal(t, []string{"https://sns-img.xhscdn.com/c1.jpg"}, note.Images)
	require.Equal(t, []string{"护肤"}, note.Tags)
	require.Equal(t, "normal", note.NoteType)
}

func TestExtractEmptyResultsPage(t *testing.T) {
	t.Parallel()

	body := `<html><body><div class="feeds-container"><p>没有找到相关内容</p></div></body></html>`
	p := NewXiaohongshu()
	result, err := p.Extract(htmlPage(body))
	require.NoError(t, err)
	require.Empty(t, result.Notes)
	require.False(t, result.HasMore)
}

func TestExtractUnrecognizedPageFails(t *testing.T) {
	t.Parallel()

	p := NewXiaohongshu()
	_, err := p.Extract(htmlPage(`<html><body><h1>Totally different site</h1></body></html>`))

	var pe *spider.ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "unrecognized page shape", pe.Reason)
}

func TestExtractMalformedStateFails(t *testing.T) {
	t.Parallel()

	body := `<html><script>window.__INITIAL_STATE__={"search":{"notes":[{]}}</script></html>`
	p := NewXiaohongshu()
	_, err := p.Extract(htmlPage(body))

	var pe *spider.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestExtractInitialStateBraceScan(t *testing.T) {
	t.Parallel()

	body := []byte(`prefix window.__INITIAL_STATE__ = {"a":{"b":"with } brace and \" quote"},"c":undefined}; rest();`)
	state, ok := extractInitialState(body)
	require.True(t, ok)
	require.JSONEq(t, `{"a":{"b":"with } brace and \" quote"},"c":null}`, string(state))

	_, ok = extractInitialState([]byte("<html>no island</html>"))
	require.False(t, ok)
}

func TestExtractStateKeepsUndefinedInsideStrings(t *testing.T) {
	t.Parallel()

	// Only the bare token becomes null; "undefined" as note text is
	// content and must survive verbatim.
	body := []byte(`window.__INITIAL_STATE__ = {"title":"undefined behavior in C","desc":"says \"undefined\" twice: undefined","extra":undefined}`)
	state, ok := extractInitialState(body)
	require.True(t, ok)
	require.JSONEq(t,
		`{"title":"undefined behavior in C","desc":"says \"undefined\" twice: undefined","extra":null}`,
		string(state),
	)

	p := NewXiaohongshu()
	page := statePage(`{
		"id": "65und3f",
		"note_card": {
			"type": "normal",
			"display_title": "undefined 行为解析",
			"desc": "为什么打印出 undefined",
			"time": undefined
		}
	}`, true)
	result, err := p.Extract(page)
	require.NoError(t, err)
	require.Len(t, result.Notes, 1)
	require.Equal(t, "undefined 行为解析", result.Notes[0].Title)
	require.Equal(t, "为什么打印出 undefined", result.Notes[0].Content)
	require.Empty(t, result.Notes[0].PublishTime)
}

func TestDefinitionShape(t *testing.T) {
	t.Parallel()

	def := XiaohongshuDefinition()
	require.Equal(t, "xiaohongshu", def.Name)
	require.Equal(t, "xiaohongshu", def.RateKey)
	require.NotNil(t, def.Parser)
	require.Equal(t,
		"https://www.xiaohongshu.com/search_result?keyword=%E7%BE%8E%E5%A6%86&page=2&type=51",
		def.SearchURL("美妆", 2),
	)
	require.Equal(t, "https://www.xiaohongshu.com/", def.Headers.Get("Referer"))
}

func TestParseCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{in: "", want: 0},
		{in: "0", want: 0},
		{in: "1234", want: 1234},
		{in: "1.2k", want: 1200},
		{in: "1.2K", want: 1200},
		{in: "3千", want: 3000},
		{in: "1.5w", want: 15000},
		{in: "1.2万", want: 12000},
		{in: "赞 56", want: 56},
		{in: "liked 2.5k times", want: 2500},
		{in: "无", want: 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseCount(tc.in), "input %q", tc.in)
	}
}

func TestNoteIDFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc123", NoteIDFromURL("https://www.xiaohongshu.com/explore/abc123?xsec=token"))
	require.Equal(t, "abc123", NoteIDFromURL("/explore/abc123"))
	require.Empty(t, NoteIDFromURL("/user/profile/u1"))
}
