// Package client provides the event-driven echo client. A Session owns one
// connection, sends every message on its own bidirectional stream and notifies
// callers of connection state changes, replies, and errors via registered
// handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/quic-echo/eventloop"
	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/metrics"
	"github.com/cyberinferno/quic-echo/streamsession"
	"github.com/cyberinferno/quic-echo/transport"
)

// CloseToken is the message that closes the connection instead of being sent.
const CloseToken = "/close"

var (
	ErrNotConnected   = errors.New("client is not connected")
	ErrAlreadyStarted = errors.New("client already connected or connecting")
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected; also the state after a failed setup or a connection error
	Connecting                          // Dial and handshake in progress
	Connected                           // Transport ready; messages can be sent
	Closed                              // Connection closed gracefully or client closed
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The server address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// DataReceivedEvent is emitted for every chunk of reply data.
type DataReceivedEvent struct {
	StreamID  transport.StreamID // Stream the reply arrived on
	Data      []byte             // The received bytes; owned by the handler
	EOF       bool               // Whether the server finished the reply
	Timestamp time.Time          // When the data was read
}

// ErrorEvent is emitted when a send, read, or connection error occurs.
type ErrorEvent struct {
	Error     error     // The error that occurred
	Timestamp time.Time // When the error occurred
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// DataReceivedHandler is called when reply data is received.
// Calls run one at a time on a goroutine of the session, in the order the data
// was read, so chunks of one reply arrive in sequence.
type DataReceivedHandler func(event DataReceivedEvent)

// ErrorHandler is called when an error occurs.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ErrorHandler func(event ErrorEvent)

// Dialer establishes the transport connection. *transport.QUICDialer
// implements it.
type Dialer interface {
	Dial(ctx context.Context, addr string, dispatch transport.Dispatcher) (transport.Connection, error)
}

// Config holds the client settings.
type Config struct {
	// Address is the "host:port" of the echo server.
	Address string
	// ConnectionTimeout bounds dial and handshake; 0 means no timeout.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with ConnectionTimeout 10s
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Options carries optional dependencies of a Session.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Collector
	// Loop runs the connection events. When nil the session creates and owns
	// one.
	Loop *eventloop.Loop
}

// Session is the client side of one echo connection. Register handlers with
// OnConnectionState, OnDataReceived, and OnError, then call Connect. Its
// exported methods are safe for concurrent use but must not be called from
// the session's own loop; the transport.EventHandler methods run on it.
type Session struct {
	config  Config
	dialer  Dialer
	loop    *eventloop.Loop
	ownLoop bool
	events  *eventloop.Loop
	logger  logger.Logger
	metrics *metrics.Collector

	mu                sync.RWMutex
	state             ConnectionState
	dialed            bool
	closed            bool
	onConnectionState ConnectionStateHandler
	onDataReceived    DataReceivedHandler
	onError           ErrorHandler

	ready   *readiness
	done    chan struct{}
	endOnce sync.Once

	// Owned by loop.
	conn    transport.Connection
	pending map[transport.StreamID]*streamsession.Accumulator
}

var _ transport.EventHandler = (*Session)(nil)

// New creates a Session in the Disconnected state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//   - dialer: Transport dialer
//   - opts: Optional dependencies
//
// Returns:
//   - A new *Session; call Close when done to release resources
func New(config Config, dialer Dialer, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	loop := opts.Loop
	ownLoop := false
	if loop == nil {
		loop = eventloop.New("client")
		ownLoop = true
	}

	return &Session{
		config:  config,
		dialer:  dialer,
		loop:    loop,
		ownLoop: ownLoop,
		events:  eventloop.New("client-events"),
		logger:  log.With(logger.Field{Key: "server", Value: config.Address}),
		metrics: opts.Metrics,
		state:   Disconnected,
		ready:   newReadiness(),
		done:    make(chan struct{}),
		pending: make(map[transport.StreamID]*streamsession.Accumulator),
	}
}

// OnConnectionState registers the handler for connection state changes.
// Repeated calls replace the previous handler; nil clears it.
func (s *Session) OnConnectionState(handler ConnectionStateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectionState = handler
}

// OnDataReceived registers the handler for reply data.
// Repeated calls replace the previous handler; nil clears it.
func (s *Session) OnDataReceived(handler DataReceivedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDataReceived = handler
}

// OnError registers the handler for send, read, and connection errors.
// Repeated calls replace the previous handler; nil clears it.
func (s *Session) OnError(handler ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// Connect dials the server in the background and blocks until the connection
// is ready, fails, or ctx is done. A session connects at most once.
//
// Parameters:
//   - ctx: Bounds the wait and the dial
//
// Returns:
//   - nil once the transport is ready; the setup or connection error otherwise
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.dialed {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.dialed = true
	s.mu.Unlock()

	s.setState(Connecting, nil)
	go s.dial(ctx)

	return s.ready.wait(ctx)
}

// Send sends message on a new stream with end-of-stream. Empty messages are
// ignored; CloseToken closes the connection instead.
//
// Parameters:
//   - message: Text to send
//
// Returns:
//   - nil when the message was handed to the transport; otherwise the error,
//     in which case the message stays pending
func (s *Session) Send(message string) error {
	if message == "" {
		return nil
	}

	if message == CloseToken {
		s.loop.RunAndWait(s.closeConnection)
		return nil
	}

	var err error
	s.loop.RunAndWait(func() { err = s.send([]byte(message)) })
	return err
}

// Pending returns how many messages failed to be handed to the transport and
// are still held.
func (s *Session) Pending() int {
	var n int
	s.loop.RunAndWait(func() { n = len(s.pending) })
	return n
}

// GetState returns the current connection state.
func (s *Session) GetState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected returns true if the session is in Connected state.
func (s *Session) IsConnected() bool {
	return s.GetState() == Connected
}

// Done is closed once the connection is over, whatever the cause.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection without an application error code, delivers the
// reply data already read, and stops the session's loop if it owns it.
// Idempotent. It must not be called from a DataReceivedHandler.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.loop.RunAndWait(s.closeConnection)
	if s.ownLoop {
		s.loop.Stop()
	}
	s.events.Stop()

	s.finish()
	s.ready.resolve(ErrNotConnected)
	return nil
}

// ConnectionSetupFailed implements transport.EventHandler.
func (s *Session) ConnectionSetupFailed(err error) {
	s.logger.Error("connection setup failed", logger.Field{Key: "error", Value: err})
	s.fail(fmt.Errorf("connection setup failed: %w", err))
}

// TransportReady implements transport.EventHandler.
func (s *Session) TransportReady() {
	s.logger.Info("connected")
	s.setState(Connected, nil)
	s.ready.resolve(nil)
}

// NewBidirectionalStream implements transport.EventHandler. The server does not
// open streams, so they are only logged.
func (s *Session) NewBidirectionalStream(id transport.StreamID) {
	s.logger.Debug("server opened bidirectional stream", logger.Field{Key: "stream", Value: uint64(id)})
}

// NewUnidirectionalStream implements transport.EventHandler.
func (s *Session) NewUnidirectionalStream(id transport.StreamID) {
	s.logger.Debug("server opened unidirectional stream", logger.Field{Key: "stream", Value: uint64(id)})
}

// StopSending implements transport.EventHandler.
func (s *Session) StopSending(id transport.StreamID, code transport.ApplicationErrorCode) {
	s.logger.Info("server stopped sending", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "code", Value: uint64(code)})
}

// ConnectionEnded implements transport.EventHandler.
func (s *Session) ConnectionEnded() {
	s.logger.Info("connection ended")
	s.conn = nil
	s.setState(Closed, nil)
	s.finish()
	s.ready.resolve(ErrNotConnected)
}

// ConnectionError implements transport.EventHandler.
func (s *Session) ConnectionError(err error) {
	s.logger.Error("connection error", logger.Field{Key: "error", Value: err})
	s.conn = nil
	s.fail(err)
}

// ReadAvailable implements transport.EventHandler. Reply bytes are reported as
// they arrive; they are never echoed back.
func (s *Session) ReadAvailable(id transport.StreamID) {
	if s.conn == nil {
		return
	}

	data, eof, err := s.conn.Read(id)
	if err != nil {
		s.ReadError(id, err)
		return
	}

	if len(data) > 0 {
		s.logger.Info("received reply", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "data", Value: string(data)})
	}

	if len(data) > 0 || eof {
		s.emitDataReceived(id, data, eof)
	}
}

// ReadError implements transport.EventHandler.
func (s *Session) ReadError(id transport.StreamID, err error) {
	if s.conn != nil {
		s.conn.DisarmRead(id)
	}

	s.logger.Warn("reply read failed", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "error", Value: err})
	s.emitError(err)
}

func (s *Session) dial(ctx context.Context) {
	if s.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ConnectionTimeout)
		defer cancel()
	}

	conn, err := s.dialer.Dial(ctx, s.config.Address, s.loop.Post)
	if err != nil {
		if !s.loop.Post(func() { s.ConnectionSetupFailed(err) }) {
			s.ready.resolve(err)
		}
		return
	}

	// The handle is stored before Start so that TransportReady finds it.
	started := s.loop.Post(func() {
		if s.isClosed() {
			_ = conn.Close(nil)
			return
		}

		s.conn = conn
		conn.Start(s)
	})
	if !started {
		_ = conn.Close(nil)
		s.ready.resolve(ErrNotConnected)
	}
}

// send runs on the loop.
func (s *Session) send(message []byte) error {
	if s.conn == nil || s.GetState() != Connected {
		return ErrNotConnected
	}

	id, err := s.conn.CreateBidirectionalStream()
	if err != nil {
		s.metrics.MessageSendFailed()
		return fmt.Errorf("create stream: %w", err)
	}

	if err := s.conn.ArmRead(id); err != nil {
		s.logger.Warn("failed to arm reply read", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "error", Value: err})
	}

	acc, ok := s.pending[id]
	if !ok {
		acc = &streamsession.Accumulator{}
		s.pending[id] = acc
	}
	acc.Append(message, true)

	if err := s.conn.Write(id, acc.Bytes(), true); err != nil {
		s.metrics.MessageSendFailed()
		s.logger.Error("send failed", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "error", Value: err})
		s.emitError(err)
		return fmt.Errorf("send on stream %d: %w", id, err)
	}

	delete(s.pending, id)
	s.metrics.MessageSent()
	s.logger.Debug("message sent", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "len", Value: len(message)})
	return nil
}

// closeConnection runs on the loop.
func (s *Session) closeConnection() {
	if s.conn == nil {
		return
	}

	s.logger.Info("closing connection")
	if err := s.conn.Close(nil); err != nil {
		s.logger.Warn("close failed", logger.Field{Key: "error", Value: err})
	}

	s.conn = nil
	s.setState(Closed, nil)
	s.finish()
}

func (s *Session) fail(err error) {
	s.setState(Disconnected, err)
	s.finish()
	s.emitError(err)
	s.ready.resolve(err)
}

func (s *Session) finish() {
	s.endOnce.Do(func() { close(s.done) })
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) setState(state ConnectionState, err error) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	handler := s.onConnectionState
	s.mu.Unlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   s.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (s *Session) emitDataReceived(id transport.StreamID, data []byte, eof bool) {
	s.mu.RLock()
	handler := s.onDataReceived
	s.mu.RUnlock()

	if handler == nil {
		return
	}

	event := DataReceivedEvent{
		StreamID:  id,
		Data:      data,
		EOF:       eof,
		Timestamp: time.Now(),
	}
	if !s.events.Post(func() { handler(event) }) {
		s.logger.Debug("reply dropped, session closed", logger.Field{Key: "stream", Value: uint64(id)})
	}
}

func (s *Session) emitError(err error) {
	s.mu.RLock()
	handler := s.onError
	s.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{
			Error:     err,
			Timestamp: time.Now(),
		})
	}
}
