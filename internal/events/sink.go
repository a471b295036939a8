package events

import "context"

// Sink consumes lifecycle events. Implementations must honor ctx
// deadlines; the hub invokes them from its single dispatch goroutine.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// the orchestrator stays agnostic about how events are buffered or
// delivered.
type Emitter interface {
	Emit(evt Event)
}
