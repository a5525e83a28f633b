package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmahony/go-psremoting/messages"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "pwsh", cfg.Transport.Command)
	assert.Equal(t, []string{"-NoLogo", "-s"}, cfg.Transport.Args)
	assert.Equal(t, 60*time.Second, cfg.Session.OpenTimeout.Std())
	assert.Equal(t, int32(1), cfg.Pool.MaxRunspaces)
	assert.Equal(t, messages.BufferingBlock, cfg.OutputBufferingMode())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
transport:
  command: /usr/bin/pwsh
  bufferSize: 16384
session:
  openTimeout: 30s
  outputBufferingMode: Drop
  maxConnectionRetryCount: 5
  retryBackoff: 2s
pool:
  minRunspaces: 2
  maxRunspaces: 8
logging:
  level: debug
  development: true
`))
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/pwsh", cfg.Transport.Command)
	assert.Equal(t, 16384, cfg.Transport.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.Session.OpenTimeout.Std())
	assert.Equal(t, 5, cfg.Session.MaxConnectionRetryCount)
	assert.Equal(t, 2*time.Second, cfg.Session.RetryBackoff.Std())
	assert.Equal(t, int32(2), cfg.Pool.MinRunspaces)
	assert.Equal(t, int32(8), cfg.Pool.MaxRunspaces)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, messages.BufferingDrop, cfg.OutputBufferingMode())

	// untouched sections keep their defaults
	assert.Equal(t, 60*time.Second, cfg.Session.CancelTimeout.Std())
}

func TestParseDurationForms(t *testing.T) {
	cfg, err := Parse([]byte("session:\n  openTimeout: 1m30s\n  cancelTimeout: 45\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Session.OpenTimeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Session.CancelTimeout.Std(), "bare integers are seconds")

	_, err = Parse([]byte("session:\n  openTimeout: soon\n"))
	assert.Error(t, err)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("transport: [not a mapping"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing command", func(c *Config) { c.Transport.Command = "" }},
		{"negative buffer", func(c *Config) { c.Transport.BufferSize = -1 }},
		{"negative runspaces", func(c *Config) { c.Pool.MinRunspaces = -1 }},
		{"min above max", func(c *Config) { c.Pool.MinRunspaces = 4; c.Pool.MaxRunspaces = 2 }},
		{"bad buffering mode", func(c *Config) { c.Session.OutputBufferingMode = "Queue" }},
		{"negative retries", func(c *Config) { c.Session.MaxConnectionRetryCount = -1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  command: pwsh-preview\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pwsh-preview", cfg.Transport.Command)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestOutputBufferingModeFallsBack(t *testing.T) {
	cfg := Default()
	cfg.Session.OutputBufferingMode = ""
	assert.Equal(t, messages.BufferingBlock, cfg.OutputBufferingMode())
}
