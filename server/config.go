package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vitalvas/wsext/pmdeflate"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config is the server configuration. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// Addr is the TCP listen address.
	Addr string `yaml:"addr"`

	// EchoPath is where the echo endpoint is mounted. Empty disables it.
	EchoPath string `yaml:"echo_path"`

	// HandshakeTimeout bounds reading the upgrade request headers.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// ReadLimit caps inbound message size. Zero means no limit.
	ReadLimit int64 `yaml:"read_limit"`

	// FragmentSize splits outbound messages into frames. Zero sends
	// single-frame messages.
	FragmentSize int `yaml:"fragment_size"`

	// MaxConnections caps simultaneously accepted TCP connections. Zero
	// means no cap.
	MaxConnections int `yaml:"max_connections"`

	// OutboundQueue is the per-session send queue length.
	OutboundQueue int `yaml:"outbound_queue"`

	// AllowedOrigins lists accepted Origin header values. Empty accepts
	// any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Compression CompressionConfig `yaml:"compression"`
	Log         LogConfig         `yaml:"log"`
}

// CompressionConfig enables permessage-deflate and carries its parameters.
type CompressionConfig struct {
	Enabled          bool `yaml:"enabled"`
	pmdeflate.Config `yaml:",inline"`
}

// LogConfig configures the zap logger built by NewLogger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration of the conformance server: echo on
// "/" at port 7777 with permessage-deflate enabled.
func DefaultConfig() Config {
	return Config{
		Addr:             ":7777",
		EchoPath:         "/",
		HandshakeTimeout: 10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		ReadLimit:        64 << 20,
		OutboundQueue:    16,
		Compression: CompressionConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatJSON,
		},
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig and
// validates the result. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig decodes YAML from r on top of DefaultConfig and validates the
// result. Empty input yields the defaults.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if c.Addr == "" {
		err = multierr.Append(err, errors.New("addr is required"))
	}
	if c.EchoPath != "" && !strings.HasPrefix(c.EchoPath, "/") {
		err = multierr.Append(err, fmt.Errorf("echo_path %q must start with /", c.EchoPath))
	}
	if c.HandshakeTimeout < 0 {
		err = multierr.Append(err, errors.New("handshake_timeout is negative"))
	}
	if c.ShutdownTimeout < 0 {
		err = multierr.Append(err, errors.New("shutdown_timeout is negative"))
	}
	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		err = multierr.Append(err, errors.New("buffer sizes must not be negative"))
	}
	if c.ReadLimit < 0 {
		err = multierr.Append(err, errors.New("read_limit is negative"))
	}
	if c.FragmentSize < 0 {
		err = multierr.Append(err, errors.New("fragment_size is negative"))
	}
	if c.MaxConnections < 0 {
		err = multierr.Append(err, errors.New("max_connections is negative"))
	}
	if c.OutboundQueue < 1 {
		err = multierr.Append(err, fmt.Errorf("outbound_queue %d must be at least 1", c.OutboundQueue))
	}
	if c.Compression.Enabled {
		if cerr := c.Compression.Config.Validate(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("compression: %w", cerr))
		}
	}
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	switch c.Log.Format {
	case LogFormatJSON, LogFormatConsole:
	default:
		err = multierr.Append(err, fmt.Errorf("log.format %q must be %q or %q", c.Log.Format, LogFormatJSON, LogFormatConsole))
	}
	return err
}
