package postgres

import (
	"context"
	"fmt"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// NoteStore writes crawled notes into Postgres. The note_id unique
// constraint is the final dedup arbiter: losing the insert race is a
// normal outcome, not an error.
type NoteStore struct {
	pool  dbPool
	table string
}

// NewNoteStore constructs a store over an existing pool.
func NewNoteStore(pool dbPool, table string) (*NoteStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "notes")
	if err != nil {
		return nil, err
	}
	return &NoteStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *NoteStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveNote inserts the note. inserted=false reports that another writer
// already owns this note_id.
func (s *NoteStore) SaveNote(ctx context.Context, note spider.Note) (bool, error) {
	if note.NoteID == "" {
		return false, fmt.Errorf("note id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	note_id,
	url,
	title,
	content,
	keyword,
	author_id,
	author_name,
	author_avatar,
	note_type,
	likes_count,
	comments_count,
	shares_count,
	images,
	video_url,
	tags,
	publish_time,
	content_hash,
	crawl_time
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
) ON CONFLICT (note_id) DO NOTHING`, s.table)

	args := []any{
		note.NoteID,
		note.URL,
		note.Title,
		note.Content,
		note.Keyword,
		note.AuthorID,
		note.AuthorName,
		note.AuthorAvatar,
		note.NoteType,
		note.LikesCount,
		note.CommentsCount,
		note.SharesCount,
		note.Images,
		note.VideoURL,
		note.Tags,
		note.PublishTime,
		note.ContentHash,
		note.CrawlTime,
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert note: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
