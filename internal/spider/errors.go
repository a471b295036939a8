package spider

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies how a page fetch failed.
type FetchErrorKind string

// Fetch failure kinds. Blocked covers 403/429/5xx responses and
// blocked-page body signatures; HTTPStatus covers the remaining
// non-success statuses, which are not retried.
const (
	FetchKindNetwork    FetchErrorKind = "network"
	FetchKindBlocked    FetchErrorKind = "blocked"
	FetchKindHTTPStatus FetchErrorKind = "http_status"
	FetchKindTimeout    FetchErrorKind = "timeout"
)

// FetchError is the terminal error of the request pipeline after all
// retries are exhausted.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d, %d attempts)", e.URL, e.Kind, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: %s (%d attempts): %v", e.URL, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether another attempt could reasonably succeed.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case FetchKindNetwork, FetchKindTimeout, FetchKindBlocked:
		return true
	default:
		return false
	}
}

// ParseError marks a page whose shape the parser did not recognize.
// Page-level: the orchestrator counts it and moves on.
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RejectReason says why the validator refused a note.
type RejectReason string

// Reject reasons surfaced in counters and metrics.
const (
	RejectInvalidSchema    RejectReason = "invalid_schema"
	RejectDuplicateID      RejectReason = "duplicate_id"
	RejectDuplicateContent RejectReason = "duplicate_content"
)

// Duplicate reports whether the reason is one of the duplicate classes.
func (r RejectReason) Duplicate() bool {
	return r == RejectDuplicateID || r == RejectDuplicateContent
}

// Verdict is the validator's decision for one candidate note.
type Verdict struct {
	Accepted bool
	Reason   RejectReason
	Detail   string
	Note     Note
}

// ConflictError rejects a Start for a keyword that already has an
// active job.
type ConflictError struct {
	Spider  string
	Keyword string
	JobID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("spider %s already has an active job for keyword %q (job %s)", e.Spider, e.Keyword, e.JobID)
}

// ConfigError is fatal at Start; the job never leaves pending.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration: " + e.Reason }

// TransitionError rejects a lifecycle call against a job in the wrong
// state, e.g. pausing a job that is not running.
type TransitionError struct {
	JobID string
	State JobState
	Want  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s is %s, not %s", e.JobID, e.State, e.Want)
}

// ErrJobNotFound is returned by job lookups for unknown IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrSpiderNotFound is returned when no spider is registered under a name.
var ErrSpiderNotFound = errors.New("spider not found")
