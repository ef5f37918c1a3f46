package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	// enable, host, port, api enabled, api port, mqtt off, clock on
	input := strings.Join([]string{"", "127.0.0.1", "27001", "yes", "27002", "no", "y"}, "\n") + "\n"
	var out bytes.Buffer

	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(input), &out))

	plugin := cfg.GetPlugin()
	assert.True(t, plugin.Enabled)
	assert.Equal(t, "127.0.0.1", plugin.Host)
	assert.Equal(t, 27001, plugin.Port)
	assert.Equal(t, 27002, cfg.GetAPI().Port)
	assert.False(t, cfg.GetMQTT().Enabled)
	assert.True(t, cfg.GetClock().Enabled)
	assert.FileExists(t, cfg.Path())
}

func TestSetupWizardRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	// api port equals plugin port
	input := strings.Join([]string{"", "", "27001", "yes", "27001", "no", "no"}, "\n") + "\n"
	err := RunSetupWizard(cfg, strings.NewReader(input), &bytes.Buffer{})
	assert.Error(t, err)
}
