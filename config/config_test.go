package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "quic-echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeServer, cfg.Mode)
	assert.Equal(t, "::1", cfg.Host)
	assert.Equal(t, 6666, cfg.Port)
	assert.Equal(t, "echo.com", cfg.ServerName)
	assert.Equal(t, "echo ", cfg.Prefix)
	assert.GreaterOrEqual(t, cfg.EventLoops, 1)
	assert.Equal(t, "[::1]:6666", cfg.Address())
}

func TestLoadFile(t *testing.T) {
	t.Run("overlays defaults", func(t *testing.T) {
		path := writeFile(t, `
mode: client
port: 7777
log:
  level: debug
quic:
  idle_timeout: 5s
  max_incoming_streams: 8
  allow_0rtt: true
`)

		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, ModeClient, cfg.Mode)
		assert.Equal(t, 7777, cfg.Port)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 5*time.Second, cfg.QUIC.IdleTimeout)
		assert.Equal(t, int64(8), cfg.QUIC.MaxIncomingStreams)
		assert.True(t, cfg.QUIC.Allow0RTT)
		assert.Equal(t, "::1", cfg.Host, "unset keys keep defaults")
		assert.Equal(t, 10*time.Second, cfg.QUIC.HandshakeTimeout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed file", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, "port: [not a port"))
		assert.ErrorContains(t, err, "parse config")
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("overrides set variables", func(t *testing.T) {
		t.Setenv("QUICECHO_MODE", "client")
		t.Setenv("QUICECHO_HOST", " 127.0.0.1 ")
		t.Setenv("QUICECHO_PORT", "9000")
		t.Setenv("QUICECHO_SELF_SIGNED", "true")
		t.Setenv("QUICECHO_IDLE_TIMEOUT", "1m")
		t.Setenv("QUICECHO_LOG_LEVEL", "warn")
		t.Setenv("QUICECHO_ALLOW_0RTT", "1")

		cfg := Default()
		require.NoError(t, LoadFromEnv(cfg))

		assert.Equal(t, ModeClient, cfg.Mode)
		assert.Equal(t, "127.0.0.1", cfg.Host)
		assert.Equal(t, 9000, cfg.Port)
		assert.True(t, cfg.SelfSigned)
		assert.Equal(t, time.Minute, cfg.QUIC.IdleTimeout)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.True(t, cfg.QUIC.Allow0RTT)
		assert.Equal(t, "echo.com", cfg.ServerName)
	})

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad integer", "QUICECHO_PORT", "sixty"},
		{"bad boolean", "QUICECHO_SELF_SIGNED", "maybe"},
		{"bad duration", "QUICECHO_HANDSHAKE_TIMEOUT", "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			err := LoadFromEnv(Default())

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Field)
			assert.Equal(t, tt.value, cfgErr.Value)
		})
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "port: 7000\nmode: client\n")
	t.Setenv("QUICECHO_PORT", "7001")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Port, "environment wins over the file")
	assert.Equal(t, ModeClient, cfg.Mode)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.CertFile = "cert.pem"
		cfg.KeyFile = "key.pem"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "proxy" }, "mode"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "port"},
		{"no event loops", func(c *Config) { c.EventLoops = 0 }, "event_loops"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"negative timeout", func(c *Config) { c.QUIC.IdleTimeout = -time.Second }, "quic"},
		{"negative stream limit", func(c *Config) { c.QUIC.MaxIncomingStreams = -1 }, "quic.max_incoming_streams"},
		{"server without cert", func(c *Config) { c.CertFile = "" }, "cert_file"},
		{"server without key", func(c *Config) { c.KeyFile = "" }, "key_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			var cfgErr *ConfigError
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	t.Run("self signed server needs no files", func(t *testing.T) {
		cfg := Default()
		cfg.SelfSigned = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("client needs no files", func(t *testing.T) {
		cfg := Default()
		cfg.Mode = ModeClient
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "port", Value: 0, Message: "must be between 1 and 65535", Hint: "try 6666"}
	assert.Equal(t, "config: port=0: must be between 1 and 65535 (hint: try 6666)", err.Error())

	err = &ConfigError{Field: "cert_file", Message: "required in server mode"}
	assert.Equal(t, "config: cert_file: required in server mode", err.Error())
}

func TestQUICOptions(t *testing.T) {
	cfg := Default()
	opts := cfg.QUICOptions()

	assert.Equal(t, cfg.QUIC.HandshakeTimeout, opts.HandshakeIdleTimeout)
	assert.Equal(t, cfg.QUIC.IdleTimeout, opts.MaxIdleTimeout)
	assert.Equal(t, cfg.QUIC.MaxIncomingStreams, opts.MaxIncomingStreams)
	assert.Equal(t, cfg.QUIC.SendQueueSize, opts.SendQueueSize)
	assert.False(t, opts.Allow0RTT)

	cfg.QUIC.Allow0RTT = true
	assert.True(t, cfg.QUICOptions().Allow0RTT)
}
