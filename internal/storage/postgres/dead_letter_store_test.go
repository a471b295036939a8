package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

func TestAddInsertsDeadLetter(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeadLetterStore(mock, "dead_letters")
	require.NoError(t, err)

	letter := spider.DeadLetter{
		NoteID:    "65f1a2b3c4",
		Keyword:   "美妆",
		Reason:    "save note: connection refused",
		Attempts:  5,
		Payload:   testNote(),
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	payloadJSON, err := json.Marshal(letter.Payload)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs(letter.NoteID, letter.Keyword, letter.Reason, letter.Attempts, payloadJSON, letter.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Add(context.Background(), letter))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeadLetterStore(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)

	err = store.Add(context.Background(), spider.DeadLetter{NoteID: "n1"})
	require.ErrorContains(t, err, "insert dead letter")
}
