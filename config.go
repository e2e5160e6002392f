package pollsocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTickInterval is the Run cadence used when a config sets none.
const DefaultTickInterval = 10 * time.Millisecond

// Config is the file form of a Context's settings.
//
//	log_level: debug
//	handshake_timeout: 10s
//	tick_interval: 16ms
//	max_queue_depth: 256
//	connections:
//	  - uri: ws://example.test:9001/chat
//	    headers:
//	      X-Session: abc123
type Config struct {
	LogLevel         string             `yaml:"log_level"`
	HandshakeTimeout time.Duration      `yaml:"handshake_timeout"`
	TickInterval     time.Duration      `yaml:"tick_interval"`
	MaxQueueDepth    int                `yaml:"max_queue_depth"`
	MaxMessageSize   int                `yaml:"max_message_size"`
	Connections      []ConnectionConfig `yaml:"connections"`
}

// ConnectionConfig describes one connection to open at startup.
type ConnectionConfig struct {
	URI     string            `yaml:"uri"`
	Headers map[string]string `yaml:"headers"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML config data. Unknown keys are
// rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{TickInterval: DefaultTickInterval}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		return nil, errors.New("parse config: tick_interval must be positive")
	}
	if cfg.MaxQueueDepth < 0 || cfg.MaxMessageSize < 0 {
		return nil, errors.New("parse config: limits must not be negative")
	}
	for i, conn := range cfg.Connections {
		if _, err := ParseURI(conn.URI); err != nil {
			return nil, fmt.Errorf("parse config: connections[%d]: %w", i, err)
		}
	}

	return cfg, nil
}

// Level returns the configured log level, info when unset.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("parse config: log_level: %w", err)
	}
	return level, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Options converts the config into Context options.
func (c *Config) Options() []Option {
	var opts []Option
	if c.HandshakeTimeout > 0 {
		opts = append(opts, WithHandshakeTimeout(c.HandshakeTimeout))
	}
	if c.MaxQueueDepth > 0 {
		opts = append(opts, WithMaxQueueDepth(c.MaxQueueDepth))
	}
	if c.MaxMessageSize > 0 {
		opts = append(opts, WithMaxMessageSize(c.MaxMessageSize))
	}
	return opts
}
