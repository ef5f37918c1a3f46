package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
)

type fakePlugin struct {
	calls    []string
	startErr error
}

func (f *fakePlugin) Start(_ context.Context, cfg *config.Config) error {
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakePlugin) Stop() { f.calls = append(f.calls, "stop") }

func (f *fakePlugin) OnConfigChange(*config.Config) {
	f.calls = append(f.calls, "change")
}

func TestHostLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	p := &fakePlugin{}
	h := NewHost(cfg, p, nil)

	require.NoError(t, h.Run(context.Background()))
	assert.True(t, h.Running())

	next := cfg.Clone()
	next.MQTT.TopicPrefix = "music"
	require.NoError(t, h.Apply(next))

	disabled := next.Clone()
	disabled.SetPluginEnabled(false)
	require.NoError(t, h.Apply(disabled))
	assert.False(t, h.Running())

	// disabled and staying disabled does nothing
	require.NoError(t, h.Apply(disabled))

	h.Shutdown()
	assert.Equal(t, []string{"start", "change", "stop"}, p.calls)
}

func TestHostRestartsOnAddressChange(t *testing.T) {
	cfg := config.DefaultConfig()
	p := &fakePlugin{}
	h := NewHost(cfg, p, nil)
	require.NoError(t, h.Run(context.Background()))

	moved := cfg.Clone()
	moved.Plugin.Port = 27000
	require.NoError(t, h.Apply(moved))

	assert.Equal(t, []string{"start", "stop", "start"}, p.calls)
}

func TestHostStartFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	p := &fakePlugin{startErr: errors.New("address in use")}
	h := NewHost(cfg, p, nil)

	err := h.Run(context.Background())
	require.Error(t, err)
	assert.False(t, h.Running())

	// the next config change retries
	p.startErr = nil
	require.NoError(t, h.Apply(cfg.Clone()))
	assert.True(t, h.Running())
}

func TestHostFollowsBus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), config.DefaultConfigFile))
	p := &fakePlugin{}
	h := NewHost(cfg, p, bus)
	require.NoError(t, h.Run(context.Background()))

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventPluginDisable}))
	assert.False(t, h.Running())
	assert.FileExists(t, cfg.Path())

	enabled := cfg.Clone()
	enabled.SetPluginEnabled(true)
	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventConfigChanged,
		Payload: enabled,
	}))
	assert.True(t, h.Running())
	assert.Same(t, enabled, h.Config())

	h.Shutdown()
	assert.Equal(t, 0, bus.HandlerCount(events.EventConfigChanged))
}
