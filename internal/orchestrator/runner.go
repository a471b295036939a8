package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/events"
	"github.com/xiaoluflow/notecrawler/internal/metrics"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// run is the live execution of one job. Two contexts are in play: the
// feed context stops new page tasks (Stop, Shutdown) while the base
// context covers in-flight fetches, so a stop lets current pages
// finish instead of aborting them mid-request.
type run struct {
	def        spider.Definition
	gate       *gate
	cancelFeed context.CancelFunc
	done       chan struct{}

	stopRequested atomic.Bool
	exhausted     atomic.Bool

	pagesFetched   atomic.Int64
	itemsAccepted  atomic.Int64
	itemsRejected  atomic.Int64
	itemsDuplicate atomic.Int64
	errorCount     atomic.Int64

	mu  sync.RWMutex
	job spider.Job
}

func (r *run) snapshot() spider.Job {
	r.mu.RLock()
	job := r.job
	r.mu.RUnlock()
	job.Counters = r.counters()
	return job
}

func (r *run) counters() spider.JobCounters {
	return spider.JobCounters{
		PagesFetched:   r.pagesFetched.Load(),
		ItemsAccepted:  r.itemsAccepted.Load(),
		ItemsRejected:  r.itemsRejected.Load(),
		ItemsDuplicate: r.itemsDuplicate.Load(),
		Errors:         r.errorCount.Load(),
	}
}

func (r *run) state() spider.JobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.State
}

func (r *run) setState(state spider.JobState) {
	r.mu.Lock()
	r.job.State = state
	r.mu.Unlock()
}

// requestStop signals the run to wind down. Paused workers are woken
// so they can observe the canceled feed.
func (r *run) requestStop() {
	r.stopRequested.Store(true)
	r.gate.Resume()
	r.cancelFeed()
}

// execute drives one job to a terminal state: a feeder pushes page
// tasks, a bounded pool of workers consumes them, and the run is
// finalized once every worker has returned.
func (o *Orchestrator) execute(baseCtx, feedCtx context.Context, r *run) {
	tasks := make(chan spider.PageTask)

	go func() {
		defer close(tasks)
		for page := 1; page <= r.job.MaxPages; page++ {
			if r.exhausted.Load() {
				return
			}
			task := spider.PageTask{
				JobID:   r.job.ID,
				Spider:  r.job.Spider,
				Keyword: r.job.Keyword,
				Page:    page,
			}
			select {
			case tasks <- task:
			case <-feedCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range o.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workPages(baseCtx, feedCtx, r, tasks)
		}()
	}
	wg.Wait()

	o.finalize(baseCtx, r)
}

func (o *Orchestrator) workPages(baseCtx, feedCtx context.Context, r *run, tasks <-chan spider.PageTask) {
	for {
		select {
		case <-feedCtx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			if r.exhausted.Load() {
				continue
			}
			if err := r.gate.Wait(feedCtx); err != nil {
				return
			}
			o.processPage(baseCtx, r, task)
		}
	}
}

func (o *Orchestrator) processPage(ctx context.Context, r *run, task spider.PageTask) {
	url := r.def.SearchURL(task.Keyword, task.Page)
	resp, err := o.fetcher.Fetch(ctx, spider.FetchRequest{
		URL:     url,
		RateKey: r.def.RateKey,
		Headers: r.def.Headers.Clone(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.errorCount.Add(1)
		metrics.ObservePageError(r.def.Name, fetchKind(err))
		o.logger.Warn("page fetch failed",
			zap.String("job_id", task.JobID),
			zap.Int("page", task.Page),
			zap.Error(err))
		return
	}

	result, err := r.def.Parser.Extract(resp)
	if err != nil {
		r.errorCount.Add(1)
		metrics.ObservePageError(r.def.Name, "parse")
		o.logger.Warn("page parse failed",
			zap.String("job_id", task.JobID),
			zap.Int("page", task.Page),
			zap.Error(err))
		return
	}

	r.pagesFetched.Add(1)
	metrics.ObservePage(r.def.Name, true, len(resp.Body), resp.Duration)
	if !result.HasMore {
		r.exhausted.Store(true)
	}

	for _, note := range result.Notes {
		note.Keyword = task.Keyword
		verdict, err := o.validator.Accept(ctx, note)
		if err != nil {
			r.errorCount.Add(1)
			metrics.ObservePageError(r.def.Name, "validate")
			o.logger.Warn("validation unavailable",
				zap.String("job_id", task.JobID),
				zap.Int("page", task.Page),
				zap.Error(err))
			return
		}
		switch {
		case verdict.Accepted:
			if err := o.sink.Enqueue(ctx, verdict.Note); err != nil {
				r.errorCount.Add(1)
				metrics.ObservePageError(r.def.Name, "enqueue")
				o.logger.Warn("note enqueue failed",
					zap.String("job_id", task.JobID),
					zap.String("note_id", verdict.Note.NoteID),
					zap.Error(err))
				return
			}
			r.itemsAccepted.Add(1)
			metrics.ObserveItem(r.def.Name, "accepted")
		case verdict.Reason.Duplicate():
			r.itemsDuplicate.Add(1)
			metrics.ObserveItem(r.def.Name, string(verdict.Reason))
		default:
			r.itemsRejected.Add(1)
			metrics.ObserveItem(r.def.Name, string(verdict.Reason))
		}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, r *run) {
	fetched := r.pagesFetched.Load()
	failures := r.errorCount.Load()

	state := spider.JobStateCompleted
	errText := ""
	switch {
	case r.stopRequested.Load():
		state = spider.JobStateStopped
	case overErrorCeiling(fetched, failures, o.cfg.ErrorRateCeiling):
		state = spider.JobStateFailed
		errText = fmt.Sprintf("%d of %d pages failed", failures, fetched+failures)
	}

	now := o.clock.Now().UTC()
	r.mu.Lock()
	r.job.State = state
	r.job.Counters = r.counters()
	r.job.FinishedAt = &now
	r.job.ErrorText = errText
	job := r.job
	r.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.jobs.SaveJob(saveCtx, job); err != nil {
		o.logger.Error("final job save failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	metrics.DecActiveJobs()
	metrics.ObserveJob(job.Spider, string(state))
	if t, ok := events.TypeForState(state); ok {
		o.emit(t, job)
	}
	o.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("spider", job.Spider),
		zap.String("keyword", job.Keyword),
		zap.String("state", string(state)),
		zap.Int64("pages_fetched", job.Counters.PagesFetched),
		zap.Int64("items_accepted", job.Counters.ItemsAccepted),
		zap.Int64("items_rejected", job.Counters.ItemsRejected),
		zap.Int64("items_duplicate", job.Counters.ItemsDuplicate),
		zap.Int64("errors", job.Counters.Errors))

	close(r.done)
}

// overErrorCeiling reports whether failed pages exceed the configured
// share of attempted pages.
func overErrorCeiling(fetched, failures int64, ceiling float64) bool {
	attempted := fetched + failures
	if attempted == 0 || failures == 0 {
		return false
	}
	return float64(failures)/float64(attempted) > ceiling
}

func fetchKind(err error) string {
	var fe *spider.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "network"
}
