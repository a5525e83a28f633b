// Package config loads client configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kmahony/go-psremoting/messages"
)

// Config is the top-level client configuration.
type Config struct {
	Transport Transport `yaml:"transport"`
	Session   Session   `yaml:"session"`
	Pool      Pool      `yaml:"pool"`
	Logging   Logging   `yaml:"logging"`
}

// Transport selects and tunes the byte-stream transport.
type Transport struct {
	// Command is the server executable to spawn in stdio mode.
	Command string `yaml:"command"`
	// Args are passed to the command. Defaults to the stdio server flags.
	Args []string `yaml:"args"`
	// BufferSize is the maximum encoded fragment size. Zero means the
	// protocol default of 32768.
	BufferSize int `yaml:"bufferSize"`
}

// Session tunes session lifecycle behavior.
type Session struct {
	OpenTimeout   Duration `yaml:"openTimeout"`
	CancelTimeout Duration `yaml:"cancelTimeout"`
	IdleTimeout   Duration `yaml:"idleTimeout"`
	// OutputBufferingMode is "Block" or "Drop"; governs server-side output
	// while disconnected.
	OutputBufferingMode string `yaml:"outputBufferingMode"`
	// MaxConnectionRetryCount bounds transparent reconnects.
	MaxConnectionRetryCount int      `yaml:"maxConnectionRetryCount"`
	RetryBackoff            Duration `yaml:"retryBackoff"`
}

// Duration decodes YAML durations written as Go duration strings ("30s",
// "1m30s") or as bare integer seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Pool sets runspace pool defaults.
type Pool struct {
	MinRunspaces int32 `yaml:"minRunspaces"`
	MaxRunspaces int32 `yaml:"maxRunspaces"`
}

// Logging selects log verbosity.
type Logging struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Transport: Transport{
			Command: "pwsh",
			Args:    []string{"-NoLogo", "-s"},
		},
		Session: Session{
			OpenTimeout:         Duration(60 * time.Second),
			CancelTimeout:       Duration(60 * time.Second),
			OutputBufferingMode: "Block",
		},
		Pool: Pool{
			MinRunspaces: 1,
			MaxRunspaces: 1,
		},
		Logging: Logging{Level: "warn"},
	}
}

// Load reads and validates a YAML config file, filling unset fields from
// Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot honor.
func (c *Config) Validate() error {
	if c.Transport.Command == "" {
		return fmt.Errorf("transport.command is required")
	}
	if c.Transport.BufferSize < 0 {
		return fmt.Errorf("transport.bufferSize must not be negative")
	}
	if c.Pool.MinRunspaces < 0 || c.Pool.MaxRunspaces < 0 {
		return fmt.Errorf("pool runspace counts must not be negative")
	}
	if c.Pool.MaxRunspaces > 0 && c.Pool.MinRunspaces > c.Pool.MaxRunspaces {
		return fmt.Errorf("pool.minRunspaces %d exceeds pool.maxRunspaces %d",
			c.Pool.MinRunspaces, c.Pool.MaxRunspaces)
	}
	if c.Session.OutputBufferingMode != "" {
		if _, err := messages.ParseOutputBufferingMode(c.Session.OutputBufferingMode); err != nil {
			return fmt.Errorf("session.outputBufferingMode: %w", err)
		}
	}
	if c.Session.MaxConnectionRetryCount < 0 {
		return fmt.Errorf("session.maxConnectionRetryCount must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a zap level", c.Logging.Level)
	}
	return nil
}

// OutputBufferingMode returns the parsed buffering mode.
func (c *Config) OutputBufferingMode() messages.OutputBufferingMode {
	if c.Session.OutputBufferingMode == "" {
		return messages.BufferingBlock
	}
	mode, err := messages.ParseOutputBufferingMode(c.Session.OutputBufferingMode)
	if err != nil {
		return messages.BufferingBlock
	}
	return mode
}
