package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast-project/tunecast/internal/events"
)

func TestWatcherEmitsConfigChanged(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan *Config, 4)
	bus.Subscribe(events.EventConfigChanged, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(*Config)
		return nil
	})

	w := NewWatcher(cfg, bus, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	require.NoError(t, os.WriteFile(cfg.Path(), []byte(`{"plugin":{"enabled":false,"port":27000}}`), 0644))

	select {
	case c := <-got:
		assert.Same(t, cfg, c)
		assert.False(t, c.GetPlugin().Enabled)
		assert.Equal(t, 27000, c.GetPlugin().Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config_changed not emitted")
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	w := NewWatcher(cfg, events.NewEventBus(), 0)
	require.NoError(t, w.Start(context.Background()))
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
