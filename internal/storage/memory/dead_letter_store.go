package memory

import (
	"context"
	"sync"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// DeadLetterStore collects dead letters in-memory.
type DeadLetterStore struct {
	mu      sync.RWMutex
	letters []spider.DeadLetter
}

// NewDeadLetterStore constructs a DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// Add appends one dead letter.
func (s *DeadLetterStore) Add(_ context.Context, letter spider.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// All returns a copy of the collected letters.
func (s *DeadLetterStore) All() []spider.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]spider.DeadLetter(nil), s.letters...)
}
