// Package spider defines core types shared across the crawl subsystems.
package spider

import (
	"net/http"
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states persisted in the job store.
const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStopped   JobState = "stopped"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateStopped:
		return true
	default:
		return false
	}
}

// Active reports whether a job in this state blocks a new job for the
// same keyword.
func (s JobState) Active() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStatePaused:
		return true
	default:
		return false
	}
}

// JobParams captures the per-job knobs requested by the client. MaxPages
// is bounded by the orchestrator configuration; Keyword falls back to the
// configured default when empty.
type JobParams struct {
	Spider   string `json:"spider"`
	Keyword  string `json:"keyword"`
	MaxPages int    `json:"max_pages"`
}

// JobCounters tracks per-job progress. Counters only ever increase within
// a run; duplicates are counted apart from schema rejections.
type JobCounters struct {
	PagesFetched   int64 `json:"pages_fetched"`
	ItemsAccepted  int64 `json:"items_accepted"`
	ItemsRejected  int64 `json:"items_rejected"`
	ItemsDuplicate int64 `json:"items_duplicate"`
	Errors         int64 `json:"errors"`
}

// Job is the metadata kept for each crawl run.
type Job struct {
	ID         string      `json:"id"`
	Spider     string      `json:"spider"`
	Keyword    string      `json:"keyword"`
	MaxPages   int         `json:"max_pages"`
	State      JobState    `json:"state"`
	Counters   JobCounters `json:"counters"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	ErrorText  string      `json:"error_text,omitempty"`
}

// PageTask is one unit of work inside a job's worker pool. Tasks are never
// persisted; they live only on the in-memory feed channel.
type PageTask struct {
	JobID   string
	Spider  string
	Keyword string
	Page    int
}

// Note is one crawled content record after parsing. ContentHash and the
// mirrored image locations are filled in downstream of the parser.
type Note struct {
	NoteID        string    `json:"note_id"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Keyword       string    `json:"keyword"`
	AuthorID      string    `json:"author_id,omitempty"`
	AuthorName    string    `json:"author_name"`
	AuthorAvatar  string    `json:"author_avatar,omitempty"`
	NoteType      string    `json:"note_type,omitempty"`
	LikesCount    int       `json:"likes_count"`
	CommentsCount int       `json:"comments_count"`
	SharesCount   int       `json:"shares_count"`
	Images        []string  `json:"images"`
	VideoURL      string    `json:"video_url,omitempty"`
	Tags          []string  `json:"tags"`
	PublishTime   string    `json:"publish_time,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
	CrawlTime     time.Time `json:"crawl_time"`
}

// PageResult is what a parser extracts from one raw page.
type PageResult struct {
	Notes   []Note
	HasMore bool
}

// FetchRequest carries everything a transport needs to issue one request.
// Proxy, user agent and cookie jar are attached by the pipeline stages.
type FetchRequest struct {
	URL       string
	RateKey   string
	Headers   http.Header
	ProxyURL  string
	UserAgent string
	Jar       http.CookieJar
}

// RawResponse is the transport-level result handed to the parser.
type RawResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
	Rendered   bool
}

// DeadLetter records a note that exhausted its persistence retries.
type DeadLetter struct {
	NoteID    string    `json:"note_id"`
	Keyword   string    `json:"keyword"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	Payload   Note      `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Definition describes one registered spider: how to build its search
// URLs and how to read its pages.
type Definition struct {
	// Name is the path segment used by the control API.
	Name string
	// RateKey groups requests for rate limiting, normally the site host.
	RateKey string
	// Headers are attached to every request for this spider.
	Headers http.Header
	// SearchURL renders the page-N search URL for a keyword.
	SearchURL func(keyword string, page int) string
	// Parser turns raw responses into notes plus pagination state.
	Parser Parser
}
