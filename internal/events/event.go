// Package events defines job lifecycle notifications and the hub that
// fans them out to subscribers. Emission never blocks the crawl path.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// Type denotes which lifecycle change an Event represents.
type Type string

// Supported lifecycle event types.
const (
	JobStarted   Type = "job_started"
	JobPaused    Type = "job_paused"
	JobResumed   Type = "job_resumed"
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
	JobStopped   Type = "job_stopped"
)

// Event is one lifecycle change together with the job snapshot taken at
// that moment.
type Event struct {
	Type Type
	Job  spider.Job
	At   time.Time
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Job.ID == "" {
		return errors.New("job id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case JobStarted, JobPaused, JobResumed, JobCompleted, JobFailed, JobStopped:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// TypeForState maps a terminal job state to its event type.
func TypeForState(state spider.JobState) (Type, bool) {
	switch state {
	case spider.JobStateCompleted:
		return JobCompleted, true
	case spider.JobStateFailed:
		return JobFailed, true
	case spider.JobStateStopped:
		return JobStopped, true
	default:
		return "", false
	}
}
