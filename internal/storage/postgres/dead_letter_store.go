package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// DeadLetterStore appends notes that exhausted their persistence
// retries, keeping the full payload for manual replay.
type DeadLetterStore struct {
	pool  dbPool
	table string
}

// NewDeadLetterStore constructs a store over an existing pool.
func NewDeadLetterStore(pool dbPool, table string) (*DeadLetterStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "dead_letters")
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *DeadLetterStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Add appends one dead letter.
func (s *DeadLetterStore) Add(ctx context.Context, letter spider.DeadLetter) error {
	payloadJSON, err := json.Marshal(letter.Payload)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	note_id,
	keyword,
	reason,
	attempts,
	payload,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6
)`, s.table)

	args := []any{
		letter.NoteID,
		letter.Keyword,
		letter.Reason,
		letter.Attempts,
		payloadJSON,
		letter.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}
