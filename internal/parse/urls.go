package parse

import (
	"fmt"
	"net/url"
	"regexp"
)

const (
	siteOrigin   = "https://www.xiaohongshu.com"
	searchFormat = siteOrigin + "/search_result?keyword=%s&page=%d&type=51"
	noteFormat   = siteOrigin + "/explore/%s"
)

var noteIDPattern = regexp.MustCompile(`/explore/([a-zA-Z0-9]+)`)

// SearchURL renders the search page for a keyword. type=51 selects the
// note tab.
func SearchURL(keyword string, page int) string {
	return fmt.Sprintf(searchFormat, url.QueryEscape(keyword), page)
}

// NoteURL is the canonical permalink for a note id.
func NoteURL(noteID string) string {
	return fmt.Sprintf(noteFormat, noteID)
}

// NoteIDFromURL pulls the note id out of an explore link, or returns ""
// when the link is not a note permalink.
func NoteIDFromURL(raw string) string {
	m := noteIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}

// absoluteURL resolves href against the page URL, fixing scheme-relative
// links the way browsers do.
func absoluteURL(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
