package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/cyberinferno/quic-echo/logger"
)

const defaultSendQueueSize = 16

// QUICOptions tunes the quic-go endpoints. Zero values keep quic-go defaults.
type QUICOptions struct {
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	MaxIncomingStreams   int64
	// Allow0RTT accepts early data on resumed connections (server) and sends
	// it when a session ticket is cached (client).
	Allow0RTT bool
	// SendQueueSize bounds the pending writes per stream before Write returns
	// ErrWouldBlock.
	SendQueueSize int
}

func (o QUICOptions) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: o.HandshakeIdleTimeout,
		MaxIdleTimeout:       o.MaxIdleTimeout,
		KeepAlivePeriod:      o.KeepAlivePeriod,
		MaxIncomingStreams:   o.MaxIncomingStreams,
		Allow0RTT:            o.Allow0RTT,
	}
}

func (o QUICOptions) sendQueueSize() int {
	if o.SendQueueSize < 1 {
		return defaultSendQueueSize
	}

	return o.SendQueueSize
}

// quicAcceptor is the part of *quic.Listener and *quic.EarlyListener that
// does not depend on the accepted connection type.
type quicAcceptor interface {
	Addr() net.Addr
	Close() error
}

// QUICListener accepts QUIC connections and wraps each one as a Connection.
type QUICListener struct {
	ln     quicAcceptor
	accept func(ctx context.Context) (quic.Connection, error)
	opts   QUICOptions
	logger logger.Logger
}

// Listen starts a QUIC listener on addr. With opts.Allow0RTT the listener
// hands out connections before the handshake completes so that early data of
// resumed sessions is read right away.
//
// Parameters:
//   - addr: UDP address to bind, "host:port"
//   - tlsConf: Server TLS configuration; ALPN is set if missing
//   - opts: Endpoint tuning
//   - log: Logger for transport diagnostics; nil disables them
//
// Returns:
//   - The listener
//   - An error if the address cannot be bound
func Listen(addr string, tlsConf *tls.Config, opts QUICOptions, log logger.Logger) (*QUICListener, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	l := &QUICListener{opts: opts, logger: log}

	if opts.Allow0RTT {
		ln, err := quic.ListenAddrEarly(addr, withALPN(tlsConf), opts.quicConfig())
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}

		l.ln = ln
		l.accept = func(ctx context.Context) (quic.Connection, error) { return ln.Accept(ctx) }
		return l, nil
	}

	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.ln = ln
	l.accept = ln.Accept
	return l, nil
}

// Accept waits for the next handshaken connection. Events of the returned
// connection are handed to dispatch once Start is called.
func (l *QUICListener) Accept(ctx context.Context, dispatch Dispatcher) (Connection, error) {
	conn, err := l.accept(ctx)
	if err != nil {
		return nil, err
	}

	log := l.logger.With(logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
	return newQUICConnection(conn, dispatch, log, l.opts.sendQueueSize()), nil
}

// Addr returns the bound address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting connections and releases the UDP socket. Connections
// still open on it can no longer reach their peer, so close them first.
func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// QUICDialer opens client connections.
type QUICDialer struct {
	TLSConfig *tls.Config
	Options   QUICOptions
	Logger    logger.Logger
}

// Dial connects to addr and completes the handshake. With Options.Allow0RTT
// and a session ticket in TLSConfig.ClientSessionCache it returns as soon as
// early data can be sent.
//
// Parameters:
//   - ctx: Bounds the handshake
//   - addr: Server address, "host:port"
//   - dispatch: Execution context for the connection's events
//
// Returns:
//   - The connection, not yet started
//   - An error if the connection could not be established
func (d *QUICDialer) Dial(ctx context.Context, addr string, dispatch Dispatcher) (Connection, error) {
	var conn quic.Connection
	var err error
	if d.Options.Allow0RTT {
		conn, err = quic.DialAddrEarly(ctx, addr, withALPN(d.TLSConfig), d.Options.quicConfig())
	} else {
		conn, err = quic.DialAddr(ctx, addr, withALPN(d.TLSConfig), d.Options.quicConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	log := d.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	log = log.With(logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
	return newQUICConnection(conn, dispatch, log, d.Options.sendQueueSize()), nil
}

func withALPN(conf *tls.Config) *tls.Config {
	if conf == nil {
		conf = &tls.Config{}
	} else {
		conf = conf.Clone()
	}

	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}

	return conf
}
