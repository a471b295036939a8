// Package scheduler fires recurring crawl jobs from static config
// entries. It only triggers starts; the orchestrator owns everything
// after that.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// Starter launches crawl jobs. Satisfied by the orchestrator.
type Starter interface {
	Start(ctx context.Context, params spider.JobParams) (spider.Job, error)
}

// Entry is one recurring crawl. Zero Every disables the entry.
type Entry struct {
	Spider     string
	Keyword    string
	MaxPages   int
	Every      time.Duration
	RunOnStart bool
}

// Scheduler drives one ticker goroutine per entry.
type Scheduler struct {
	starter Starter
	entries []Entry
	logger  *zap.Logger
}

// New builds a scheduler over the given entries.
func New(starter Starter, entries []Entry, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		starter: starter,
		entries: entries,
		logger:  logger.Named("scheduler"),
	}
}

// Run blocks until ctx is canceled, starting each entry's job on its
// interval. It always returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	active := 0
	for _, entry := range s.entries {
		if entry.Every <= 0 {
			s.logger.Warn("schedule entry disabled: no interval",
				zap.String("spider", entry.Spider),
				zap.String("keyword", entry.Keyword))
			continue
		}
		active++
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runEntry(ctx, entry)
		}()
	}
	s.logger.Info("scheduler running", zap.Int("entries", active))

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runEntry(ctx context.Context, entry Entry) {
	if entry.RunOnStart {
		s.fire(ctx, entry)
	}
	ticker := time.NewTicker(entry.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, entry)
		}
	}
}

// fire starts one job. A keyword that is already being crawled is an
// expected overlap, logged and skipped; anything else is an error but
// never stops the schedule.
func (s *Scheduler) fire(ctx context.Context, entry Entry) {
	job, err := s.starter.Start(ctx, spider.JobParams{
		Spider:   entry.Spider,
		Keyword:  entry.Keyword,
		MaxPages: entry.MaxPages,
	})
	var conflict *spider.ConflictError
	switch {
	case err == nil:
		s.logger.Info("scheduled job started",
			zap.String("job_id", job.ID),
			zap.String("spider", entry.Spider),
			zap.String("keyword", entry.Keyword))
	case errors.As(err, &conflict):
		s.logger.Info("scheduled run skipped: keyword already active",
			zap.String("spider", entry.Spider),
			zap.String("keyword", entry.Keyword),
			zap.String("active_job_id", conflict.JobID))
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("scheduled start failed",
			zap.String("spider", entry.Spider),
			zap.String("keyword", entry.Keyword),
			zap.Error(err))
	}
}
