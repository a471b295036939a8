package spider

import (
	"context"
	"io"
	"time"
)

// Parser turns one raw page into candidate notes plus pagination state.
// Implementations must be pure: no clocks, no I/O, no shared mutable state.
// Missing optional fields default to zero values rather than failing the
// page; an unrecognized response shape fails with *ParseError.
type Parser interface {
	Extract(resp RawResponse) (PageResult, error)
}

// NoteStore durably persists accepted notes. Save reports inserted=false
// when the note lost a first-writer-wins race on note_id; that is the
// storage-level dedup arbiter, not an error.
type NoteStore interface {
	SaveNote(ctx context.Context, note Note) (inserted bool, err error)
}

// SeenStore is the durable dedup set. MarkSeen is atomic per key and
// reports false when the key was already present.
type SeenStore interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// JobStore keeps the durable history of job runs. The orchestrator's
// in-memory registry remains the source of truth for live status reads.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, spiderName string, limit int) ([]Job, error)
}

// DeadLetterStore records notes that exhausted persistence retries.
type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) error
}

// BlobStore writes mirrored media and returns the stored location.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher issues one HTTP request and returns the body plus metadata.
// Transport implementations do no retrying or classification of their own.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (RawResponse, error)
}

// Hasher computes digests for dedup/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
