package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx and may be
// called from the hub goroutine only.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub implements it.
type Emitter interface {
	Emit(evt Event)
}
