package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsInOrder(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()

	id1, err := pub.Publish(ctx, "xiaohongshu-notes", map[string]string{"note_id": "n1"})
	require.NoError(t, err)
	require.Equal(t, "mem-000001", id1)

	id2, err := pub.Publish(ctx, "crawl-jobs", map[string]string{"job_id": "job-1"})
	require.NoError(t, err)
	require.Equal(t, "mem-000002", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "xiaohongshu-notes", msgs[0].Topic)
	require.Equal(t, "crawl-jobs", msgs[1].Topic)
}

func TestPublisherMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "xiaohongshu-notes", "payload")
	require.NoError(t, err)

	msgs := pub.Messages()
	msgs[0].Topic = "mutated"
	require.Equal(t, "xiaohongshu-notes", pub.Messages()[0].Topic)
}

func TestPublisherByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	for _, topic := range []string{"notes", "jobs", "notes"} {
		_, err := pub.Publish(ctx, topic, nil)
		require.NoError(t, err)
	}

	require.Len(t, pub.ByTopic("notes"), 2)
	require.Len(t, pub.ByTopic("jobs"), 1)
	require.Empty(t, pub.ByTopic("dead-letters"))
}
