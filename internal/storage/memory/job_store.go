package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// JobStore keeps job history in-memory for development and tests.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]spider.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]spider.Job)}
}

// SaveJob upserts the job snapshot.
func (s *JobStore) SaveJob(_ context.Context, job spider.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (spider.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return spider.Job{}, spider.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns the newest jobs first, optionally filtered by spider.
func (s *JobStore) ListJobs(_ context.Context, spiderName string, limit int) ([]spider.Job, error) {
	s.mu.RLock()
	jobs := make([]spider.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if spiderName != "" && job.Spider != spiderName {
			continue
		}
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
