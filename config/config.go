// Package config holds the settings of the echo server and client. Values are
// layered: Default, then a YAML file, then QUICECHO_* environment variables;
// command-line flags are applied last by the caller.
package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/streamsession"
	"github.com/cyberinferno/quic-echo/transport"
)

const (
	ModeServer = "server"
	ModeClient = "client"

	// EnvPrefix prefixes every environment variable read by LoadFromEnv.
	EnvPrefix = "QUICECHO_"
)

// Config is the complete configuration of one process.
type Config struct {
	Mode        string     `yaml:"mode"`
	Host        string     `yaml:"host"`
	Port        int        `yaml:"port"`
	CertFile    string     `yaml:"cert_file"`
	KeyFile     string     `yaml:"key_file"`
	SelfSigned  bool       `yaml:"self_signed"`
	ServerName  string     `yaml:"server_name"`
	EventLoops  int        `yaml:"event_loops"`
	Prefix      string     `yaml:"prefix"`
	MetricsAddr string     `yaml:"metrics_addr"`
	Log         LogConfig  `yaml:"log"`
	QUIC        QUICConfig `yaml:"quic"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Dir     string `yaml:"dir"`
	Console bool   `yaml:"console"`
}

// QUICConfig tunes the transport.
type QUICConfig struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	KeepAlivePeriod    time.Duration `yaml:"keep_alive_period"`
	MaxIncomingStreams int64         `yaml:"max_incoming_streams"`
	SendQueueSize      int           `yaml:"send_queue_size"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	// Allow0RTT enables early data on resumed connections.
	Allow0RTT bool `yaml:"allow_0rtt"`
}

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field   string // config field name
	Value   any    // the invalid value (nil if missing)
	Message string // human-readable explanation
	Hint    string // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := "config: " + e.Field
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:       ModeServer,
		Host:       "::1",
		Port:       6666,
		ServerName: "echo.com",
		EventLoops: runtime.NumCPU(),
		Prefix:     streamsession.DefaultPrefix,
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		QUIC: QUICConfig{
			HandshakeTimeout:   10 * time.Second,
			IdleTimeout:        30 * time.Second,
			MaxIncomingStreams: 100,
			SendQueueSize:      16,
			ConnectTimeout:     10 * time.Second,
		},
	}
}

// LoadFile reads a YAML file on top of Default. Keys missing from the file
// keep their default values.
//
// Parameters:
//   - path: Path of the YAML file
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be read or parsed
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Load builds the configuration from Default, the optional file at path, and
// the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv overrides cfg with the QUICECHO_* variables that are set.
//
// Parameters:
//   - cfg: Configuration to update in place
//
// Returns:
//   - A *ConfigError for a variable that cannot be parsed
func LoadFromEnv(cfg *Config) error {
	setString(&cfg.Mode, "MODE")
	setString(&cfg.Host, "HOST")
	setString(&cfg.CertFile, "CERT_FILE")
	setString(&cfg.KeyFile, "KEY_FILE")
	setString(&cfg.ServerName, "SERVER_NAME")
	setString(&cfg.Prefix, "PREFIX")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Dir, "LOG_DIR")

	if err := setInt(&cfg.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&cfg.EventLoops, "EVENT_LOOPS"); err != nil {
		return err
	}
	if err := setInt(&cfg.QUIC.SendQueueSize, "SEND_QUEUE_SIZE"); err != nil {
		return err
	}
	if err := setBool(&cfg.SelfSigned, "SELF_SIGNED"); err != nil {
		return err
	}
	if err := setBool(&cfg.Log.Console, "LOG_CONSOLE"); err != nil {
		return err
	}
	if err := setBool(&cfg.QUIC.Allow0RTT, "ALLOW_0RTT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.QUIC.HandshakeTimeout, "HANDSHAKE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.QUIC.IdleTimeout, "IDLE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.QUIC.KeepAlivePeriod, "KEEP_ALIVE_PERIOD"); err != nil {
		return err
	}

	return setDuration(&cfg.QUIC.ConnectTimeout, "CONNECT_TIMEOUT")
}

// Validate checks the configuration for the selected mode.
//
// Returns:
//   - nil if valid; otherwise a *ConfigError for the first invalid field
func (c *Config) Validate() error {
	if c.Mode != ModeServer && c.Mode != ModeClient {
		return &ConfigError{Field: "mode", Value: c.Mode, Message: "unknown mode", Hint: "use server or client"}
	}

	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Field: "port", Value: c.Port, Message: "must be between 1 and 65535"}
	}

	if c.EventLoops < 1 {
		return &ConfigError{Field: "event_loops", Value: c.EventLoops, Message: "must be at least 1"}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Value: c.Log.Level, Message: "unknown level", Hint: "use debug, info, warn or error"}
	}

	if c.QUIC.HandshakeTimeout < 0 || c.QUIC.IdleTimeout < 0 || c.QUIC.KeepAlivePeriod < 0 || c.QUIC.ConnectTimeout < 0 {
		return &ConfigError{Field: "quic", Message: "timeouts must not be negative"}
	}

	if c.QUIC.MaxIncomingStreams < 0 {
		return &ConfigError{Field: "quic.max_incoming_streams", Value: c.QUIC.MaxIncomingStreams, Message: "must not be negative"}
	}

	if c.Mode == ModeServer && !c.SelfSigned {
		if c.CertFile == "" {
			return &ConfigError{Field: "cert_file", Message: "required in server mode", Hint: "pass --cert and --key, or --self-signed for local testing"}
		}
		if c.KeyFile == "" {
			return &ConfigError{Field: "key_file", Message: "required in server mode", Hint: "pass --cert and --key, or --self-signed for local testing"}
		}
	}

	return nil
}

// Address returns the "host:port" endpoint.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// QUICOptions converts the transport settings.
func (c *Config) QUICOptions() transport.QUICOptions {
	return transport.QUICOptions{
		HandshakeIdleTimeout: c.QUIC.HandshakeTimeout,
		MaxIdleTimeout:       c.QUIC.IdleTimeout,
		KeepAlivePeriod:      c.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:   c.QUIC.MaxIncomingStreams,
		SendQueueSize:        c.QUIC.SendQueueSize,
		Allow0RTT:            c.QUIC.Allow0RTT,
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func setString(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return &ConfigError{Field: EnvPrefix + name, Value: v, Message: "not an integer"}
	}

	*dst = n
	return nil
}

func setBool(dst *bool, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return &ConfigError{Field: EnvPrefix + name, Value: v, Message: "not a boolean"}
	}

	*dst = b
	return nil
}

func setDuration(dst *time.Duration, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return &ConfigError{Field: EnvPrefix + name, Value: v, Message: "not a duration", Hint: "e.g. 30s"}
	}

	*dst = d
	return nil
}
