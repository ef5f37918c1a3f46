package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	closer, err := InitLogger(LogConfig{Level: "debug", Directory: dir, Console: true, ConsoleOut: &console})
	require.NoError(t, err)

	l := ComponentLogger("test")
	l.Info().Msg("hello from test")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, LogFileName(time.Now())))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"app":"tunecast"`)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, console.String(), "hello from test")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestLogFileName(t *testing.T) {
	day := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "tunecast_2024-03-09.log", LogFileName(day))
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Platform)
	assert.Positive(t, info.CPUCores)
}
