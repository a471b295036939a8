// Package orchestrator owns crawl job lifecycles: it validates start
// requests, runs each job's bounded worker pool over the fetch→parse→
// validate→persist loop, and answers status queries. One active job
// per (spider, keyword) at a time.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/events"
	"github.com/xiaoluflow/notecrawler/internal/metrics"
	"github.com/xiaoluflow/notecrawler/internal/proxy"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// Validator decides whether a parsed note is persisted.
type Validator interface {
	Accept(ctx context.Context, note spider.Note) (spider.Verdict, error)
}

// NoteSink receives accepted notes; Enqueue blocks when the sink's
// queue is full.
type NoteSink interface {
	Enqueue(ctx context.Context, note spider.Note) error
}

// ProxyProbe answers whether an egress is available right now. Used
// only for the start-time configuration check.
type ProxyProbe interface {
	Acquire() (proxy.Lease, bool)
}

// Config carries the per-process job defaults. Per-job knobs are
// copied into the Job at Start so later config changes never affect a
// running job.
type Config struct {
	// Workers bounds page-level concurrency per job.
	Workers int
	// DefaultKeyword is used when a start request carries none.
	DefaultKeyword string
	// DefaultMaxPages applies when the request leaves max_pages zero.
	DefaultMaxPages int
	// MaxPagesLimit rejects runaway requests.
	MaxPagesLimit int
	// ErrorRateCeiling fails the job when failed/attempted exceeds it.
	ErrorRateCeiling float64
	// RequireProxy makes Start fail fast when no proxy is eligible.
	RequireProxy bool
	// HistoryLimit bounds how many stored jobs a status read returns.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 10
	}
	if c.MaxPagesLimit <= 0 {
		c.MaxPagesLimit = 100
	}
	if c.ErrorRateCeiling <= 0 {
		c.ErrorRateCeiling = 0.5
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// Options carries the orchestrator's collaborators. Events may be nil,
// which disables lifecycle notifications.
type Options struct {
	Spiders   []spider.Definition
	Fetcher   spider.Fetcher
	Validator Validator
	Sink      NoteSink
	Jobs      spider.JobStore
	IDs       spider.IDGenerator
	Proxies   ProxyProbe
	Events    events.Emitter
	Clock     spider.Clock
	Logger    *zap.Logger
}

// Orchestrator runs jobs and serves their status.
type Orchestrator struct {
	cfg       Config
	registry  map[string]spider.Definition
	fetcher   spider.Fetcher
	validator Validator
	sink      NoteSink
	jobs      spider.JobStore
	ids       spider.IDGenerator
	proxies   ProxyProbe
	events    events.Emitter
	clock     spider.Clock
	logger    *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*run
}

// New builds an orchestrator over the registered spiders.
func New(cfg Config, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	registry := make(map[string]spider.Definition, len(opts.Spiders))
	for _, def := range opts.Spiders {
		registry[def.Name] = def
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		fetcher:    opts.Fetcher,
		validator:  opts.Validator,
		sink:       opts.Sink,
		jobs:       opts.Jobs,
		ids:        opts.IDs,
		proxies:    opts.Proxies,
		events:     opts.Events,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("orchestrator"),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		runs:       make(map[string]*run),
	}
}

// emit sends a lifecycle notification when a hub is configured.
func (o *Orchestrator) emit(t events.Type, job spider.Job) {
	if o.events == nil {
		return
	}
	o.events.Emit(events.Event{Type: t, Job: job, At: o.clock.Now().UTC()})
}

// Start validates the request, registers a new job and launches its
// worker pool. It returns the running job snapshot without waiting for
// any page work.
func (o *Orchestrator) Start(ctx context.Context, params spider.JobParams) (spider.Job, error) {
	def, ok := o.registry[params.Spider]
	if !ok {
		return spider.Job{}, fmt.Errorf("start %q: %w", params.Spider, spider.ErrSpiderNotFound)
	}

	keyword := strings.TrimSpace(params.Keyword)
	if keyword == "" {
		keyword = o.cfg.DefaultKeyword
	}
	if keyword == "" {
		return spider.Job{}, &spider.ConfigError{Reason: "keyword required"}
	}

	maxPages := params.MaxPages
	if maxPages == 0 {
		maxPages = o.cfg.DefaultMaxPages
	}
	if maxPages < 1 || maxPages > o.cfg.MaxPagesLimit {
		return spider.Job{}, &spider.ConfigError{
			Reason: fmt.Sprintf("max_pages %d outside 1..%d", maxPages, o.cfg.MaxPagesLimit),
		}
	}

	if o.cfg.RequireProxy {
		if o.proxies == nil {
			return spider.Job{}, &spider.ConfigError{Reason: "proxy required but no pool configured"}
		}
		if lease, ok := o.proxies.Acquire(); !ok || lease.Direct {
			return spider.Job{}, &spider.ConfigError{Reason: "proxy required but none eligible"}
		}
	}

	id, err := o.ids.NewID()
	if err != nil {
		return spider.Job{}, fmt.Errorf("new job id: %w", err)
	}

	job := spider.Job{
		ID:        id,
		Spider:    def.Name,
		Keyword:   keyword,
		MaxPages:  maxPages,
		State:     spider.JobStatePending,
		StartedAt: o.clock.Now().UTC(),
	}

	feedCtx, cancelFeed := context.WithCancel(o.baseCtx)
	r := &run{
		def:        def,
		gate:       newGate(),
		cancelFeed: cancelFeed,
		done:       make(chan struct{}),
		job:        job,
	}

	o.mu.Lock()
	for _, other := range o.runs {
		existing := other.snapshot()
		if existing.Spider == def.Name && existing.Keyword == keyword && existing.State.Active() {
			o.mu.Unlock()
			cancelFeed()
			return spider.Job{}, &spider.ConflictError{
				Spider:  def.Name,
				Keyword: keyword,
				JobID:   existing.ID,
			}
		}
	}
	o.runs[id] = r
	o.mu.Unlock()

	if err := o.jobs.SaveJob(ctx, job); err != nil {
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
		cancelFeed()
		return spider.Job{}, fmt.Errorf("save job %s: %w", id, err)
	}

	r.setState(spider.JobStateRunning)
	if err := o.jobs.SaveJob(ctx, r.snapshot()); err != nil {
		o.logger.Warn("running state save failed", zap.String("job_id", id), zap.Error(err))
	}

	metrics.IncActiveJobs()
	metrics.ObserveJob(def.Name, string(spider.JobStateRunning))
	o.emit(events.JobStarted, r.snapshot())
	o.logger.Info("job started",
		zap.String("job_id", id),
		zap.String("spider", def.Name),
		zap.String("keyword", keyword),
		zap.Int("max_pages", maxPages),
		zap.Int("workers", o.cfg.Workers))

	go o.execute(o.baseCtx, feedCtx, r)

	return r.snapshot(), nil
}

// Stop signals the job's workers and returns immediately with the
// current snapshot; the state flips to stopped once in-flight pages
// finish.
func (o *Orchestrator) Stop(_ context.Context, spiderName, jobID string) (spider.Job, error) {
	r, err := o.findRun(spiderName, jobID)
	if err != nil {
		return spider.Job{}, err
	}
	if !r.state().Terminal() {
		r.requestStop()
		o.logger.Info("stop requested", zap.String("job_id", jobID))
	}
	return r.snapshot(), nil
}

// Pause suspends the job's workers between page tasks.
func (o *Orchestrator) Pause(ctx context.Context, spiderName, jobID string) (spider.Job, error) {
	r, err := o.findRun(spiderName, jobID)
	if err != nil {
		return spider.Job{}, err
	}

	r.mu.Lock()
	if r.job.State != spider.JobStateRunning {
		state := r.job.State
		r.mu.Unlock()
		return spider.Job{}, &spider.TransitionError{JobID: jobID, State: state, Want: "running"}
	}
	r.job.State = spider.JobStatePaused
	r.mu.Unlock()

	r.gate.Pause()
	metrics.ObserveJob(r.def.Name, string(spider.JobStatePaused))
	o.emit(events.JobPaused, r.snapshot())
	if err := o.jobs.SaveJob(ctx, r.snapshot()); err != nil {
		o.logger.Warn("paused state save failed", zap.String("job_id", jobID), zap.Error(err))
	}
	o.logger.Info("job paused", zap.String("job_id", jobID))
	return r.snapshot(), nil
}

// Resume reopens a paused job's gate.
func (o *Orchestrator) Resume(ctx context.Context, spiderName, jobID string) (spider.Job, error) {
	r, err := o.findRun(spiderName, jobID)
	if err != nil {
		return spider.Job{}, err
	}

	r.mu.Lock()
	if r.job.State != spider.JobStatePaused {
		state := r.job.State
		r.mu.Unlock()
		return spider.Job{}, &spider.TransitionError{JobID: jobID, State: state, Want: "paused"}
	}
	r.job.State = spider.JobStateRunning
	r.mu.Unlock()

	r.gate.Resume()
	metrics.ObserveJob(r.def.Name, string(spider.JobStateRunning))
	o.emit(events.JobResumed, r.snapshot())
	if err := o.jobs.SaveJob(ctx, r.snapshot()); err != nil {
		o.logger.Warn("running state save failed", zap.String("job_id", jobID), zap.Error(err))
	}
	o.logger.Info("job resumed", zap.String("job_id", jobID))
	return r.snapshot(), nil
}

// Status returns jobs for one spider, newest first: live runs merged
// with stored history. With jobID set it returns that single job.
func (o *Orchestrator) Status(ctx context.Context, spiderName, jobID string) ([]spider.Job, error) {
	if _, ok := o.registry[spiderName]; !ok {
		return nil, fmt.Errorf("status %q: %w", spiderName, spider.ErrSpiderNotFound)
	}
	if jobID != "" {
		if r, err := o.findRun(spiderName, jobID); err == nil {
			return []spider.Job{r.snapshot()}, nil
		}
		job, err := o.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Spider != spiderName {
			return nil, spider.ErrJobNotFound
		}
		return []spider.Job{job}, nil
	}
	return o.merged(ctx, spiderName)
}

// StatusAll returns every spider's jobs, newest first.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]spider.Job, error) {
	return o.merged(ctx, "")
}

func (o *Orchestrator) merged(ctx context.Context, spiderName string) ([]spider.Job, error) {
	jobs := make([]spider.Job, 0, 16)
	seen := make(map[string]bool)

	o.mu.RLock()
	for _, r := range o.runs {
		job := r.snapshot()
		if spiderName != "" && job.Spider != spiderName {
			continue
		}
		jobs = append(jobs, job)
		seen[job.ID] = true
	}
	o.mu.RUnlock()

	stored, err := o.jobs.ListJobs(ctx, spiderName, o.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range stored {
		if !seen[job.ID] {
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

// Shutdown stops every run and waits for them within ctx; on deadline
// it hard-cancels in-flight fetches and returns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	for _, r := range runs {
		if !r.state().Terminal() {
			r.requestStop()
		}
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			o.cancelBase()
			return ctx.Err()
		}
	}
	o.cancelBase()
	o.logger.Info("orchestrator stopped", zap.Int("jobs", len(runs)))
	return nil
}

func (o *Orchestrator) findRun(spiderName, jobID string) (*run, error) {
	o.mu.RLock()
	r, ok := o.runs[jobID]
	o.mu.RUnlock()
	if !ok || r.def.Name != spiderName {
		return nil, spider.ErrJobNotFound
	}
	return r, nil
}
