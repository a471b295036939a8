// Package sinks implements concrete lifecycle event consumers: structured
// logging and the message bus. Each sink satisfies the events.Sink
// interface and is safe for repeated Consume/Close cycles.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/events"
)

// LogSink emits structured logs for job lifecycle events. It is useful
// during development and audits where a message bus is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt events.Event) error {
	fields := []zap.Field{
		zap.String("event", string(evt.Type)),
		zap.String("job_id", evt.Job.ID),
		zap.String("spider", evt.Job.Spider),
		zap.String("keyword", evt.Job.Keyword),
		zap.String("state", string(evt.Job.State)),
		zap.Int64("pages_fetched", evt.Job.Counters.PagesFetched),
		zap.Int64("items_accepted", evt.Job.Counters.ItemsAccepted),
		zap.Time("at", evt.At),
	}
	if evt.Job.ErrorText != "" {
		fields = append(fields, zap.String("error_text", evt.Job.ErrorText))
	}
	s.logger.Info("job lifecycle event", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
