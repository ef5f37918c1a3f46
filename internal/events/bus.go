package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is a small publish-subscribe hub. Handlers of one event type run
// one after another in subscription order, so a producer that emits
// synchronously sees its events applied in emit order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for an event type. Subscribing again under
// the same name replaces the earlier handler.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	entries := eb.handlers[eventType]
	for i, h := range entries {
		if h.name == name {
			entries[i].handler = handler
			return
		}
	}
	eb.handlers[eventType] = append(entries, handlerEntry{name: name, handler: handler})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from an event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	entries, ok := eb.handlers[eventType]
	if !ok {
		return
	}

	filtered := make([]handlerEntry, 0, len(entries))
	for _, h := range entries {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// snapshot copies the handler list so handlers run without the lock held
// and may themselves subscribe or unsubscribe.
func (eb *EventBus) snapshot(eventType EventType) ([]handlerEntry, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil, false
	}
	entries := eb.handlers[eventType]
	if len(entries) == 0 {
		return nil, false
	}
	out := make([]handlerEntry, len(entries))
	copy(out, entries)
	return out, true
}

// Emit publishes an event without waiting for its handlers.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	entries, ok := eb.snapshot(event.Type)
	if !ok {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(entries)).
		Msg("emitting event")

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		eb.dispatch(ctx, event, entries)
	}()
}

// EmitSync publishes an event and waits for every handler to return. It
// returns the first handler error, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	entries, ok := eb.snapshot(event.Type)
	if !ok {
		return nil
	}
	return eb.dispatch(ctx, event, entries)
}

func (eb *EventBus) dispatch(ctx context.Context, event Event, entries []handlerEntry) error {
	var firstErr error
	for _, h := range entries {
		if err := eb.invoke(ctx, event, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) invoke(ctx context.Context, event Event, h handlerEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting new events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
