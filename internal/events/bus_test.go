package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitSyncRunsHandlersInOrder(t *testing.T) {
	bus := NewEventBus()
	var order []string
	bus.Subscribe(EventTrackChanged, "first", func(context.Context, Event) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe(EventTrackChanged, "second", func(context.Context, Event) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventTrackChanged}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")
	called := false
	bus.Subscribe(EventElapsedTime, "fails", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventElapsedTime, "still-runs", func(context.Context, Event) error {
		called = true
		return nil
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventElapsedTime})
	assert.ErrorIs(t, err, boom)
	assert.True(t, called)
}

func TestEmitSyncRecoversPanic(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventShutdown, "panics", func(context.Context, Event) error { panic("bad") })

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	assert.Error(t, err)
}

func TestSubscribeReplacesByName(t *testing.T) {
	bus := NewEventBus()
	hits := 0
	bus.Subscribe(EventTrackChanged, "server", func(context.Context, Event) error { hits += 1; return nil })
	bus.Subscribe(EventTrackChanged, "server", func(context.Context, Event) error { hits += 10; return nil })

	assert.Equal(t, 1, bus.HandlerCount(EventTrackChanged))
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventTrackChanged}))
	assert.Equal(t, 10, hits)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventTrackChanged, "server", func(context.Context, Event) error { return nil })
	bus.Unsubscribe(EventTrackChanged, "server")
	bus.Unsubscribe(EventTrackChanged, "server")
	assert.Equal(t, 0, bus.HandlerCount(EventTrackChanged))
}

func TestEmitAsyncAndStop(t *testing.T) {
	bus := NewEventBus()
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(EventConfigChanged, "async", func(context.Context, Event) error {
		time.Sleep(10 * time.Millisecond)
		wg.Done()
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventConfigChanged})
	bus.Stop()
	wg.Wait()

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}

	// no handlers run after stop
	bus.Subscribe(EventConfigChanged, "late", func(context.Context, Event) error {
		t.Fatal("handler ran after stop")
		return nil
	})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventConfigChanged}))
	bus.Stop()
}
