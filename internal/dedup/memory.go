package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// MemorySeenStore is the in-process fallback when Redis is disabled.
// Same TTL semantics, no durability across restarts.
type MemorySeenStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock spider.Clock
}

// NewMemorySeenStore builds an empty set. A non-positive ttl falls back
// to DefaultTTL.
func NewMemorySeenStore(ttl time.Duration, clock spider.Clock) *MemorySeenStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = system.New()
	}
	return &MemorySeenStore{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clock,
	}
}

// MarkSeen reports true when key was absent or its entry had expired.
func (s *MemorySeenStore) MarkSeen(_ context.Context, key string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.seen[key] = now.Add(s.ttl)
	return true, nil
}
