package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

func TestSaveNoteFirstWriterWins(t *testing.T) {
	t.Parallel()

	store := NewNoteStore()
	ctx := context.Background()

	first := spider.Note{NoteID: "n1", Title: "original"}
	inserted, err := store.SaveNote(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.SaveNote(ctx, spider.Note{NoteID: "n1", Title: "rewrite"})
	require.NoError(t, err)
	require.False(t, inserted)

	got, ok := store.Get("n1")
	require.True(t, ok)
	require.Equal(t, "original", got.Title)
	require.Equal(t, 1, store.Len())
}

func TestSaveNoteConcurrentSameID(t *testing.T) {
	t.Parallel()

	store := NewNoteStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if inserted, _ := store.SaveNote(ctx, spider.Note{NoteID: "contested"}); inserted {
				wins <- 1
			}
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for range wins {
		total++
	}
	require.Equal(t, 1, total)
}

func TestDeadLetterStoreCollects(t *testing.T) {
	t.Parallel()

	store := NewDeadLetterStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, spider.DeadLetter{NoteID: "n1", Reason: "store down"}))
	require.NoError(t, store.Add(ctx, spider.DeadLetter{NoteID: "n2", Reason: "store down"}))

	letters := store.All()
	require.Len(t, letters, 2)
	require.Equal(t, "n1", letters[0].NoteID)
}
