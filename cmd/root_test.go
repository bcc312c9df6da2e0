package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/quic-echo/client"
	"github.com/cyberinferno/quic-echo/config"
	"github.com/cyberinferno/quic-echo/transport"
	"github.com/cyberinferno/quic-echo/transport/transporttest"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), args, strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestExecute_Version(t *testing.T) {
	out, _, err := run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "quic-echo "+version+"\n", out)
}

func TestExecute_Help(t *testing.T) {
	_, errOut, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, errOut, "--mode")
	assert.Contains(t, errOut, "--self-signed")
}

func TestExecute_InvalidArguments(t *testing.T) {
	t.Run("unknown flag", func(t *testing.T) {
		_, _, err := run(t, "--nonexistent-flag")
		assert.Error(t, err)
	})

	t.Run("positional argument", func(t *testing.T) {
		_, _, err := run(t, "--self-signed", "extra")
		assert.ErrorContains(t, err, "unexpected arguments")
	})
}

func TestExecute_DryRun(t *testing.T) {
	t.Run("self signed server", func(t *testing.T) {
		out, _, err := run(t, "--self-signed", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "mode=server address=[::1]:6666")
	})

	t.Run("server without certificate", func(t *testing.T) {
		_, _, err := run(t, "--dry-run")

		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "cert_file", cfgErr.Field)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, _, err := run(t, "--mode", "proxy", "--dry-run")

		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "mode", cfgErr.Field)
	})

	t.Run("flags override file and environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "echo.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mode: client\nport: 7000\nlog:\n  level: debug\n"), 0o600))
		t.Setenv("QUICECHO_PORT", "7001")

		out, _, err := run(t, "--config", path, "--host", "127.0.0.1", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "mode=client address=127.0.0.1:7001")
		assert.Contains(t, out, "log_level=debug")

		out, _, err = run(t, "--config", path, "--port", "7002", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "address=[::1]:7002")
	})

	t.Run("early data flag", func(t *testing.T) {
		out, _, err := run(t, "--self-signed", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "allow_0rtt=false")

		out, _, err = run(t, "--self-signed", "--allow-0rtt", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "allow_0rtt=true")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, _, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--dry-run")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestExecute_Server(t *testing.T) {
	t.Run("unreadable credentials are fatal", func(t *testing.T) {
		dir := t.TempDir()
		_, _, err := run(t,
			"--cert", filepath.Join(dir, "cert.pem"),
			"--key", filepath.Join(dir, "key.pem"),
			"--log-level", "error",
		)
		assert.ErrorContains(t, err, "tls")
	})
}

func TestExecute_Client(t *testing.T) {
	t.Run("unreachable server", func(t *testing.T) {
		t.Setenv("QUICECHO_CONNECT_TIMEOUT", "200ms")

		_, _, err := run(t, "--mode", "client", "--host", "127.0.0.1", "--port", "9", "--log-level", "error")
		assert.ErrorContains(t, err, "connect to 127.0.0.1:9")
	})
}

// readyDialer hands out conn and reports it ready as soon as it is started.
type readyDialer struct {
	conn     *transporttest.Connection
	dispatch transport.Dispatcher
}

type readyConn struct {
	*transporttest.Connection
	dispatch transport.Dispatcher
}

func (c *readyConn) Start(h transport.EventHandler) {
	c.Connection.Start(h)
	c.dispatch(h.TransportReady)
}

func (d *readyDialer) Dial(_ context.Context, _ string, dispatch transport.Dispatcher) (transport.Connection, error) {
	d.dispatch = dispatch
	return &readyConn{Connection: d.conn, dispatch: dispatch}, nil
}

func TestReplyPrinter(t *testing.T) {
	t.Run("reply read in pieces is printed once", func(t *testing.T) {
		conn := transporttest.NewConnection()
		dialer := &readyDialer{conn: conn}
		session := client.New(client.DefaultConfig("[::1]:6666"), dialer, client.Options{})

		var out bytes.Buffer
		session.OnDataReceived(replyPrinter(&out))
		require.NoError(t, session.Connect(context.Background()))
		require.NoError(t, session.Send("hello"))

		readOnLoop := func() {
			done := make(chan struct{})
			dialer.dispatch(func() {
				session.ReadAvailable(0)
				close(done)
			})
			<-done
		}

		pieces := []string{"echo " + strings.Repeat("a", 4096), strings.Repeat("b", 4096), strings.Repeat("c", 100)}
		for i, piece := range pieces {
			conn.Deliver(0, []byte(piece), i == len(pieces)-1)
			readOnLoop()
		}

		require.NoError(t, session.Close())
		assert.Equal(t, strings.Join(pieces, "")+"\n", out.String())
	})

	t.Run("replies on different streams", func(t *testing.T) {
		var out bytes.Buffer
		printer := replyPrinter(&out)

		printer(client.DataReceivedEvent{StreamID: 0, Data: []byte("echo o")})
		printer(client.DataReceivedEvent{StreamID: 4, Data: []byte("echo two"), EOF: true})
		printer(client.DataReceivedEvent{StreamID: 0, Data: []byte("ne"), EOF: true})
		printer(client.DataReceivedEvent{StreamID: 8, EOF: true})

		assert.Equal(t, "echo two\necho one\n", out.String())
	})
}
