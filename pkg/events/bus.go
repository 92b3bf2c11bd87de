package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Bus is an in-memory event bus for pub/sub messaging
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	// all receives every event regardless of type.
	all []Handler

	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type.
// Multiple handlers can be registered for the same event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", len(b.handlers[eventType])),
	)
}

// SubscribeAll registers a handler that receives every published event.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Unsubscribe removes all handlers for a specific event type (useful for testing)
func (b *Bus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

func (b *Bus) handlersFor(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := b.handlers[eventType]
	out := make([]Handler, 0, len(typed)+len(b.all))
	out = append(out, typed...)
	return append(out, b.all...)
}

// Publish delivers an event to its handlers asynchronously. Handlers run on a
// context that survives the publisher's cancellation, so a settlement that
// already debited a wallet still reports it. Handler errors and panics are
// logged, never returned.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	handlers := b.handlersFor(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	b.logger.Debug("publishing event",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.Int("handler_count", len(handlers)),
	)

	b.inflight.Add(len(handlers))
	for _, handler := range handlers {
		go func(h Handler) {
			defer b.inflight.Done()
			if err := b.dispatch(ctx, h, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}(handler)
	}

	return nil
}

// PublishAndWait delivers an event and waits for every handler. It returns
// the first handler error, with panics reported as errors.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}

	handlers := b.handlersFor(event.Type)

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	wg.Add(len(handlers))
	for _, handler := range handlers {
		go func(h Handler) {
			defer wg.Done()
			if err := b.dispatch(ctx, h, event); err != nil {
				once.Do(func() { first = err })
			}
		}(handler)
	}

	wg.Wait()
	return first
}

// Drain waits until handlers started by Publish have returned or ctx is done.
// Call it during shutdown so queued audit entries are not lost.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: drain: %w", ctx.Err())
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h(ctx, event)
}
