// Package parse turns raw xiaohongshu pages into notes. Search results
// arrive in three shapes: a serialized state island inside the HTML, the
// bare search API JSON, or server-rendered cards; the parser tries them
// in that order.
package parse

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// SpiderName is the registry key for this site.
const SpiderName = "xiaohongshu"

const stateMarker = "window.__INITIAL_STATE__"

// Xiaohongshu implements spider.Parser for search result pages.
type Xiaohongshu struct{}

// NewXiaohongshu builds the parser.
func NewXiaohongshu() *Xiaohongshu {
	return &Xiaohongshu{}
}

// XiaohongshuDefinition wires the parser with its URL scheme and the
// static headers every request carries. The user agent is not here; the
// identity rotator owns it.
func XiaohongshuDefinition() spider.Definition {
	return spider.Definition{
		Name:    SpiderName,
		RateKey: SpiderName,
		Headers: http.Header{
			"Accept":                    []string{"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"},
			"Accept-Language":           []string{"zh-CN,zh;q=0.8,en-US;q=0.5,en;q=0.3"},
			"Referer":                   []string{siteOrigin + "/"},
			"Origin":                    []string{siteOrigin},
			"Upgrade-Insecure-Requests": []string{"1"},
			"Sec-Fetch-Dest":            []string{"document"},
			"Sec-Fetch-Mode":            []string{"navigate"},
			"Sec-Fetch-Site":            []string{"same-origin"},
		},
		SearchURL: SearchURL,
		Parser:    NewXiaohongshu(),
	}
}

// Extract implements spider.Parser.
func (p *Xiaohongshu) Extract(resp spider.RawResponse) (spider.PageResult, error) {
	if state, ok := extractInitialState(resp.Body); ok {
		return resultFromState(state, resp.URL)
	}
	if isJSONBody(resp) {
		return resultFromAPI(resp.Body, resp.URL)
	}
	return resultFromHTML(resp)
}

// --- serialized state and API JSON ---

type stateDocument struct {
	Search struct {
		Notes   json.RawMessage `json:"notes"`
		HasMore *bool           `json:"hasMore"`
	} `json:"search"`
}

type apiDocument struct {
	Data struct {
		Items   []stateNote `json:"items"`
		HasMore *bool       `json:"has_more"`
	} `json:"data"`
}

type stateNote struct {
	ID       string    `json:"id"`
	NoteID   string    `json:"note_id"`
	NoteCard *noteCard `json:"note_card"`
}

type noteCard struct {
	Type         string      `json:"type"`
	DisplayTitle string      `json:"display_title"`
	Desc         string      `json:"desc"`
	User         cardUser    `json:"user"`
	InteractInfo cardCounts  `json:"interact_info"`
	Cover        cardImage   `json:"cover"`
	ImageList    []cardImage `json:"image_list"`
	TagList      []cardTag   `json:"tag_list"`
	Video        *cardVideo  `json:"video"`
	Time         int64       `json:"time"`
}

type cardUser struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

type cardCounts struct {
	LikedCount   string `json:"liked_count"`
	CommentCount string `json:"comment_count"`
	SharedCount  string `json:"shared_count"`
}

type cardImage struct {
	URLDefault string `json:"url_default"`
	URL        string `json:"url"`
}

func (i cardImage) best() string {
	if i.URLDefault != "" {
		return i.URLDefault
	}
	return i.URL
}

type cardTag struct {
	Name string `json:"name"`
}

type cardVideo struct {
	Media struct {
		Stream struct {
			H264 []struct {
				MasterURL string `json:"master_url"`
			} `json:"h264"`
		} `json:"stream"`
	} `json:"media"`
}

// extractInitialState locates the state island and returns its JSON. The
// island is an assignment, so the value is scanned by brace balance; the
// bare `undefined` literals the site emits become nulls.
func extractInitialState(body []byte) ([]byte, bool) {
	idx := bytes.Index(body, []byte(stateMarker))
	if idx < 0 {
		return nil, false
	}
	rest := body[idx+len(stateMarker):]
	eq := bytes.IndexByte(rest, '=')
	if eq < 0 {
		return nil, false
	}
	rest = rest[eq+1:]
	open := bytes.IndexByte(rest, '{')
	if open < 0 {
		return nil, false
	}
	rest = rest[open:]

	depth := 0
	inString := false
	escaped := false
	for i, b := range rest {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return replaceBareUndefined(rest[:i+1]), true
			}
		}
	}
	return nil, false
}

// replaceBareUndefined rewrites the unquoted undefined tokens the site
// emits for absent values into null so the island decodes as JSON.
// Occurrences inside string literals are note text and stay untouched.
func replaceBareUndefined(data []byte) []byte {
	token := []byte("undefined")
	out := make([]byte, 0, len(data))
	inString := false
	escaped := false
	for i := 0; i < len(data); {
		b := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			out = append(out, b)
			i++
			continue
		}
		if b == '"' {
			inString = true
			out = append(out, b)
			i++
			continue
		}
		if bytes.HasPrefix(data[i:], token) {
			out = append(out, "null"...)
			i += len(token)
			continue
		}
		out = append(out, b)
		i++
	}
	return out
}

func resultFromState(state []byte, pageURL string) (spider.PageResult, error) {
	var doc stateDocument
	if err := json.Unmarshal(state, &doc); err != nil {
		return spider.PageResult{}, &spider.ParseError{URL: pageURL, Reason: "malformed state island", Err: err}
	}
	notes, err := decodeStateNotes(doc.Search.Notes)
	if err != nil {
		return spider.PageResult{}, &spider.ParseError{URL: pageURL, Reason: "unexpected notes shape", Err: err}
	}
	return assemble(notes, doc.Search.HasMore), nil
}

// decodeStateNotes accepts the notes list either bare or wrapped in the
// framework's ref object.
func decodeStateNotes(raw json.RawMessage) ([]stateNote, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var notes []stateNote
	if err := json.Unmarshal(raw, &notes); err == nil {
		return notes, nil
	}
	var wrapped struct {
		RawValue []stateNote `json:"_rawValue"`
		Value    []stateNote `json:"_value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.RawValue != nil {
		return wrapped.RawValue, nil
	}
	return wrapped.Value, nil
}

func resultFromAPI(body []byte, pageURL string) (spider.PageResult, error) {
	var doc apiDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return spider.PageResult{}, &spider.ParseError{URL: pageURL, Reason: "malformed api response", Err: err}
	}
	return assemble(doc.Data.Items, doc.Data.HasMore), nil
}

func assemble(notes []stateNote, hasMore *bool) spider.PageResult {
	out := make([]spider.Note, 0, len(notes))
	for _, n := range notes {
		note, ok := n.toNote()
		if !ok {
			continue
		}
		out = append(out, note)
	}
	result := spider.PageResult{Notes: out, HasMore: len(out) > 0}
	if hasMore != nil {
		result.HasMore = *hasMore
	}
	return result
}

func (n stateNote) toNote() (spider.Note, bool) {
	id := n.ID
	if id == "" {
		id = n.NoteID
	}
	if id == "" || n.NoteCard == nil {
		return spider.Note{}, false
	}
	card := n.NoteCard

	images := make([]string, 0, len(card.ImageList))
	for _, img := range card.ImageList {
		if u := normalizeMediaURL(img.best()); u != "" {
			images = append(images, u)
		}
	}
	if len(images) == 0 {
		if u := normalizeMediaURL(card.Cover.best()); u != "" {
			images = append(images, u)
		}
	}

	tags := make([]string, 0, len(card.TagList))
	for _, tag := range card.TagList {
		if name := cleanTag(tag.Name); name != "" {
			tags = append(tags, name)
		}
	}

	videoURL := ""
	if card.Video != nil && len(card.Video.Media.Stream.H264) > 0 {
		videoURL = card.Video.Media.Stream.H264[0].MasterURL
	}

	publishTime := ""
	if card.Time > 0 {
		publishTime = time.UnixMilli(card.Time).UTC().Format(time.RFC3339)
	}

	return spider.Note{
		NoteID:        id,
		URL:           NoteURL(id),
		Title:         cleanText(card.DisplayTitle),
		Content:       cleanText(card.Desc),
		AuthorID:      card.User.UserID,
		AuthorName:    cleanText(card.User.Nickname),
		AuthorAvatar:  normalizeMediaURL(card.User.Avatar),
		NoteType:      card.Type,
		LikesCount:    ParseCount(card.InteractInfo.LikedCount),
		CommentsCount: ParseCount(card.InteractInfo.CommentCount),
		SharesCount:   ParseCount(card.InteractInfo.SharedCount),
		Images:        images,
		VideoURL:      videoURL,
		Tags:          tags,
		PublishTime:   publishTime,
	}, true
}

// --- server-rendered HTML ---

// cardSelector matches one rendered search result.
const cardSelector = "section.note-item"

// pageScaffold distinguishes an empty-but-valid results page from an
// unrecognized document.
const pageScaffold = ".feeds-container, .search-container, #global, #app"

func resultFromHTML(resp spider.RawResponse) (spider.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return spider.PageResult{}, &spider.ParseError{URL: resp.URL, Reason: "unreadable html", Err: err}
	}

	cards := doc.Find(cardSelector)
	if cards.Length() == 0 {
		if doc.Find(pageScaffold).Length() == 0 {
			return spider.PageResult{}, &spider.ParseError{URL: resp.URL, Reason: "unrecognized page shape"}
		}
		return spider.PageResult{HasMore: false}, nil
	}

	var notes []spider.Note
	cards.Each(func(_ int, card *goquery.Selection) {
		note, ok := noteFromCard(resp.URL, card)
		if ok {
			notes = append(notes, note)
		}
	})
	return spider.PageResult{Notes: notes, HasMore: len(notes) > 0}, nil
}

func noteFromCard(pageURL string, card *goquery.Selection) (spider.Note, bool) {
	href, _ := card.Find(`a[href*="/explore/"]`).First().Attr("href")
	id := NoteIDFromURL(href)
	if id == "" {
		return spider.Note{}, false
	}

	var images []string
	seen := map[string]bool{}
	card.Find(".note-images img, .gallery img, .cover img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		u := normalizeMediaURL(src)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		images = append(images, u)
	})

	var tags []string
	seenTags := map[string]bool{}
	card.Find(".tag, .hashtag").Each(func(_ int, el *goquery.Selection) {
		name := cleanTag(el.Text())
		if name == "" || seenTags[name] {
			return
		}
		seenTags[name] = true
		tags = append(tags, name)
	})

	videoURL := ""
	if src, ok := card.Find("video").First().Attr("src"); ok {
		videoURL = normalizeMediaURL(src)
	}

	authorID, _ := card.Find("[data-author-id]").First().Attr("data-author-id")
	avatar, _ := card.Find(".author-avatar img").First().Attr("src")

	return spider.Note{
		NoteID:        id,
		URL:           absoluteURL(pageURL, href),
		Title:         cleanText(card.Find("h1.title, .note-title, .title").First().Text()),
		Content:       cleanText(card.Find(".note-content, .desc").First().Text()),
		AuthorID:      authorID,
		AuthorName:    cleanText(card.Find(".author-name").First().Text()),
		AuthorAvatar:  normalizeMediaURL(avatar),
		NoteType:      noteTypeFor(videoURL),
		LikesCount:    ParseCount(card.Find(".like-count").First().Text()),
		CommentsCount: ParseCount(card.Find(".comment-count").First().Text()),
		SharesCount:   ParseCount(card.Find(".share-count").First().Text()),
		Images:        images,
		VideoURL:      videoURL,
		Tags:          tags,
	}, true
}

func noteTypeFor(videoURL string) string {
	if videoURL != "" {
		return "video"
	}
	return "normal"
}

// --- shared helpers ---

func isJSONBody(resp spider.RawResponse) bool {
	if resp.Headers != nil {
		if ct := resp.Headers.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "json") {
			return true
		}
	}
	return bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("{"))
}

// cleanText collapses runs of whitespace, matching how display fields
// are normalized before validation.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanTag(s string) string {
	return strings.TrimPrefix(cleanText(s), "#")
}

// normalizeMediaURL upgrades scheme-relative links and drops anything
// that is not fetchable.
func normalizeMediaURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return ""
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return raw
	default:
		return ""
	}
}
