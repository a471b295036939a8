// Package dedup validates candidate notes and drops the ones already
// seen, by note id first and by content hash second. The seen-set is
// durable so dedup survives restarts; Postgres uniqueness remains the
// final arbiter for races the set cannot see.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

const (
	noteKeyPrefix = "note:"
	hashKeyPrefix = "hash:"

	defaultMaxContentLength = 50000
	truncationSuffix        = "..."
)

// Config bounds note content quality.
type Config struct {
	// MinContentLength rejects notes with fewer content runes. Zero
	// disables the gate.
	MinContentLength int
	// MaxContentLength caps persisted content runes; longer bodies are
	// cut and suffixed so readers can tell. Zero means 50000.
	MaxContentLength int
}

func (c Config) withDefaults() Config {
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = defaultMaxContentLength
	}
	return c
}

// Validator implements the accept/reject decision for parsed notes.
type Validator struct {
	cfg    Config
	seen   spider.SeenStore
	hasher spider.Hasher
	clock  spider.Clock
	logger *zap.Logger
}

// NewValidator builds a validator over the given seen-set.
func NewValidator(cfg Config, seen spider.SeenStore, hasher spider.Hasher, clock spider.Clock, logger *zap.Logger) *Validator {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		cfg:    cfg.withDefaults(),
		seen:   seen,
		hasher: hasher,
		clock:  clock,
		logger: logger.Named("dedup"),
	}
}

// Accept decides one note. The returned Verdict carries the normalized,
// hash-stamped note when accepted; rejections are counted by the caller
// and are not errors. An error means the seen-set was unreachable and
// the page should be treated as failed.
func (v *Validator) Accept(ctx context.Context, note spider.Note) (spider.Verdict, error) {
	note = v.normalize(note)

	if detail, ok := v.schemaProblem(note); ok {
		v.logger.Debug("rejected note",
			zap.String("reason", string(spider.RejectInvalidSchema)),
			zap.String("detail", detail),
			zap.String("url", note.URL))
		return spider.Verdict{Reason: spider.RejectInvalidSchema, Detail: detail}, nil
	}

	hash, err := v.hasher.Hash([]byte(note.Title + "\n" + note.Content))
	if err != nil {
		return spider.Verdict{}, fmt.Errorf("hash note %s: %w", note.NoteID, err)
	}
	note.ContentHash = hash

	first, err := v.seen.MarkSeen(ctx, noteKeyPrefix+note.NoteID)
	if err != nil {
		return spider.Verdict{}, fmt.Errorf("mark note %s seen: %w", note.NoteID, err)
	}
	if !first {
		v.logger.Debug("duplicate note id", zap.String("note_id", note.NoteID))
		return spider.Verdict{Reason: spider.RejectDuplicateID, Detail: note.NoteID}, nil
	}

	first, err = v.seen.MarkSeen(ctx, hashKeyPrefix+hash)
	if err != nil {
		return spider.Verdict{}, fmt.Errorf("mark hash seen for note %s: %w", note.NoteID, err)
	}
	if !first {
		v.logger.Debug("duplicate content",
			zap.String("note_id", note.NoteID),
			zap.String("content_hash", hash))
		return spider.Verdict{Reason: spider.RejectDuplicateContent, Detail: hash}, nil
	}

	note.CrawlTime = v.clock.Now().UTC()
	return spider.Verdict{Accepted: true, Note: note}, nil
}

// normalize collapses whitespace in display fields and bounds content
// length. The hash is computed over the normalized form so re-scrapes
// that differ only in whitespace still collide.
func (v *Validator) normalize(note spider.Note) spider.Note {
	note.Title = collapse(note.Title)
	note.Content = collapse(note.Content)
	note.AuthorName = collapse(note.AuthorName)

	if runes := []rune(note.Content); len(runes) > v.cfg.MaxContentLength {
		note.Content = string(runes[:v.cfg.MaxContentLength]) + truncationSuffix
	}
	return note
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (v *Validator) schemaProblem(note spider.Note) (string, bool) {
	switch {
	case note.NoteID == "":
		return "missing note_id", true
	case note.Title == "":
		return "missing title", true
	case note.URL == "":
		return "missing url", true
	case !strings.HasPrefix(note.URL, "http://") && !strings.HasPrefix(note.URL, "https://"):
		return fmt.Sprintf("unusable url %q", note.URL), true
	case v.cfg.MinContentLength > 0 && utf8.RuneCountInString(note.Content) < v.cfg.MinContentLength:
		return fmt.Sprintf("content shorter than %d runes", v.cfg.MinContentLength), true
	}
	return "", false
}
