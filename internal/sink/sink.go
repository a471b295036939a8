// Package sink decouples persistence from the crawl loop. Workers hand
// accepted notes to a bounded queue; one writer drains it, mirrors
// media, writes the store and publishes the persisted event. A full
// queue blocks producers instead of dropping notes.
package sink

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/metrics"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// MediaMirror rewrites a note's media to durable locations. A non-nil
// error means at least one asset is still ephemeral and the note must
// not be written as-is.
type MediaMirror interface {
	MirrorNote(ctx context.Context, note spider.Note) (spider.Note, error)
}

// Config controls queue depth and persistence retries.
type Config struct {
	// QueueSize bounds the number of notes waiting for the writer.
	QueueSize int
	// MaxAttempts is the write ceiling before a note dead-letters.
	MaxAttempts int
	// BackoffInitial is the delay after the first failed write.
	BackoffInitial time.Duration
	// BackoffMax caps the doubling delay.
	BackoffMax time.Duration
	// DrainGrace bounds how long shutdown may spend flushing the queue.
	DrainGrace time.Duration
	// Topic receives persisted-note events; empty disables publishing.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	return c
}

// Options carries the sink's collaborators. Notes is required; the
// rest may be nil.
type Options struct {
	Notes       spider.NoteStore
	DeadLetters spider.DeadLetterStore
	Events      spider.Publisher
	Mirror      MediaMirror
	Clock       spider.Clock
	Logger      *zap.Logger
}

// Sink is the bounded persistence queue plus its single writer.
type Sink struct {
	cfg    Config
	notes  spider.NoteStore
	dead   spider.DeadLetterStore
	events spider.Publisher
	mirror MediaMirror
	clock  spider.Clock
	logger *zap.Logger

	queue chan spider.Note
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a sink. Run must be started for Enqueue to make progress.
func New(cfg Config, opts Options) *Sink {
	cfg = cfg.withDefaults()
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sink{
		cfg:    cfg,
		notes:  opts.Notes,
		dead:   opts.DeadLetters,
		events: opts.Events,
		mirror: opts.Mirror,
		clock:  opts.Clock,
		logger: opts.Logger.Named("sink"),
		queue:  make(chan spider.Note, cfg.QueueSize),
		sleep:  sleepWithContext,
	}
}

// Enqueue hands a note to the writer. It blocks while the queue is
// full, applying backpressure to the crawl workers.
func (s *Sink) Enqueue(ctx context.Context, note spider.Note) error {
	select {
	case s.queue <- note:
		metrics.SetSinkQueueDepth(len(s.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is canceled, then flushes whatever is
// still queued under the drain grace period so nothing is dropped.
func (s *Sink) Run(ctx context.Context) {
	s.logger.Info("sink started", zap.Int("queue_size", s.cfg.QueueSize))
	for {
		select {
		case note := <-s.queue:
			metrics.SetSinkQueueDepth(len(s.queue))
			s.persist(ctx, note)
		case <-ctx.Done():
			s.flush(ctx)
			return
		}
	}
}

func (s *Sink) flush(ctx context.Context) {
	queued := len(s.queue)
	if queued > 0 {
		s.logger.Info("sink draining", zap.Int("queued", queued))
	}
	grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainGrace)
	defer cancel()
	for {
		select {
		case note := <-s.queue:
			s.persist(grace, note)
		default:
			s.logger.Info("sink stopped")
			return
		}
	}
}

func (s *Sink) persist(ctx context.Context, note spider.Note) {
	start := s.clock.Now()
	inserted, err := s.saveWithRetry(ctx, note)
	elapsed := s.clock.Now().Sub(start)
	switch {
	case err != nil:
		metrics.ObservePersist("dead_letter", elapsed)
		s.deadLetter(ctx, note, err)
	case !inserted:
		metrics.ObservePersist("conflict", elapsed)
		s.logger.Debug("note already stored", zap.String("note_id", note.NoteID))
	default:
		metrics.ObservePersist("stored", elapsed)
		s.publish(ctx, note)
	}
}

// saveWithRetry mirrors media and writes the note, backing off between
// attempts. Mirror failures retry the same way store failures do; the
// note carries its source URLs into each attempt so a partial mirror
// never leaks ephemeral locations into the stored row.
func (s *Sink) saveWithRetry(ctx context.Context, note spider.Note) (bool, error) {
	var lastErr error
	for attempt := range s.cfg.MaxAttempts {
		inserted, err := s.writeOnce(ctx, note)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		s.logger.Warn("note write failed",
			zap.String("note_id", note.NoteID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt == s.cfg.MaxAttempts-1 || ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			break
		}
	}
	return false, lastErr
}

func (s *Sink) writeOnce(ctx context.Context, note spider.Note) (bool, error) {
	if s.mirror != nil {
		mirrored, err := s.mirror.MirrorNote(ctx, note)
		if err != nil {
			return false, fmt.Errorf("mirror media: %w", err)
		}
		note = mirrored
	}
	return s.notes.SaveNote(ctx, note)
}

// backoff doubles from the initial delay, capped. The writer is single
// so there is no herd to jitter against.
func (s *Sink) backoff(attempt int) time.Duration {
	delay := s.cfg.BackoffInitial
	for range attempt {
		delay *= 2
		if delay >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return min(delay, s.cfg.BackoffMax)
}

func (s *Sink) deadLetter(ctx context.Context, note spider.Note, cause error) {
	letter := spider.DeadLetter{
		NoteID:    note.NoteID,
		Keyword:   note.Keyword,
		Reason:    cause.Error(),
		Attempts:  s.cfg.MaxAttempts,
		Payload:   note,
		CreatedAt: s.clock.Now().UTC(),
	}
	if s.dead == nil {
		s.logger.Error("note lost: no dead letter store",
			zap.String("note_id", note.NoteID),
			zap.Error(cause))
		return
	}
	if err := s.dead.Add(ctx, letter); err != nil {
		s.logger.Error("dead letter write failed",
			zap.String("note_id", note.NoteID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.logger.Warn("note dead-lettered",
		zap.String("note_id", note.NoteID),
		zap.Int("attempts", s.cfg.MaxAttempts),
		zap.Error(cause))
}

func (s *Sink) publish(ctx context.Context, note spider.Note) {
	if s.cfg.Topic == "" || s.events == nil {
		return
	}
	payload := map[string]any{
		"note_id":      note.NoteID,
		"url":          note.URL,
		"keyword":      note.Keyword,
		"content_hash": note.ContentHash,
		"crawl_time":   note.CrawlTime.Format(time.RFC3339),
	}
	if _, err := s.events.Publish(ctx, s.cfg.Topic, payload); err != nil {
		s.logger.Warn("persisted event publish failed",
			zap.String("note_id", note.NoteID),
			zap.Error(err))
		return
	}
	s.logger.Debug("note persisted",
		zap.String("note_id", note.NoteID),
		zap.String("keyword", note.Keyword))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
