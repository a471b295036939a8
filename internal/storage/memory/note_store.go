package memory

import (
	"context"
	"sync"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// NoteStore keeps notes in-memory with the same first-writer-wins
// contract as the Postgres store.
type NoteStore struct {
	mu    sync.RWMutex
	notes map[string]spider.Note
}

// NewNoteStore constructs a NoteStore.
func NewNoteStore() *NoteStore {
	return &NoteStore{notes: make(map[string]spider.Note)}
}

// SaveNote stores the note unless its note_id is already present.
func (s *NoteStore) SaveNote(_ context.Context, note spider.Note) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notes[note.NoteID]; exists {
		return false, nil
	}
	s.notes[note.NoteID] = note
	return true, nil
}

// Get returns a stored note by id.
func (s *NoteStore) Get(noteID string) (spider.Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.notes[noteID]
	return note, ok
}

// Len reports how many notes are stored.
func (s *NoteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notes)
}
