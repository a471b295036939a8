package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoluflow/notecrawler/internal/events"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// PublisherSink forwards lifecycle events to a message topic so
// downstream consumers can react to finished jobs without polling the
// status API.
type PublisherSink struct {
	publisher spider.Publisher
	topic     string
}

// NewPublisherSink builds a sink over the given publisher and topic.
func NewPublisherSink(publisher spider.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes the event as a JSON payload.
func (s *PublisherSink) Consume(ctx context.Context, evt events.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	payload := map[string]any{
		"event": string(evt.Type),
		"job":   evt.Job,
		"at":    evt.At.UTC().Format(time.RFC3339),
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		return fmt.Errorf("publish %s for job %s: %w", evt.Type, evt.Job.ID, err)
	}
	return nil
}

// Close implements the Sink interface; the publisher's lifetime is
// owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
