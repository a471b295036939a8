package sinks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/events"
	"github.com/xiaoluflow/notecrawler/internal/events/sinks"
	"github.com/xiaoluflow/notecrawler/internal/publisher/memory"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

func finishedEvent() events.Event {
	finished := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	return events.Event{
		Type: events.JobCompleted,
		Job: spider.Job{
			ID:       "job-1",
			Spider:   "xiaohongshu",
			Keyword:  "美食",
			MaxPages: 3,
			State:    spider.JobStateCompleted,
			Counters: spider.JobCounters{
				PagesFetched:  3,
				ItemsAccepted: 30,
			},
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: &finished,
		},
		At: finished,
	}
}

func TestPublisherSinkPublishesEvent(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := sinks.NewPublisherSink(pub, "job-finished")

	require.NoError(t, sink.Consume(context.Background(), finishedEvent()))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job-finished", msgs[0].Topic)

	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "job_completed", payload["event"])
	require.Equal(t, "2025-06-01T12:30:00Z", payload["at"])

	job, ok := payload["job"].(spider.Job)
	require.True(t, ok)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, spider.JobStateCompleted, job.State)
	require.Equal(t, int64(30), job.Counters.ItemsAccepted)
}

func TestPublisherSinkWrapsPublishError(t *testing.T) {
	t.Parallel()

	sink := sinks.NewPublisherSink(failingPublisher{}, "job-finished")
	err := sink.Consume(context.Background(), finishedEvent())
	require.ErrorContains(t, err, "publish job_completed for job job-1")
}

func TestPublisherSinkWithoutPublisherIsNoop(t *testing.T) {
	t.Parallel()

	sink := sinks.NewPublisherSink(nil, "")
	require.NoError(t, sink.Consume(context.Background(), finishedEvent()))
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkConsumes(t *testing.T) {
	t.Parallel()

	sink := sinks.NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), finishedEvent()))
	require.NoError(t, sink.Close(context.Background()))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("bus unavailable")
}
