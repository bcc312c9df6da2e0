// Package handler binds one transport connection to one stream session and
// drives it from the connection's events.
package handler

import (
	"github.com/cyberinferno/quic-echo/eventloop"
	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/metrics"
	"github.com/cyberinferno/quic-echo/streamsession"
	"github.com/cyberinferno/quic-echo/transport"
)

// ID is the registry-assigned handle of a Handler.
type ID uint32

// State is the connection-level state of a Handler.
type State int

const (
	Active  State = iota // Connection usable; streams are being served
	Closing              // Connection ended or failed; streams are being abandoned
	Closed               // Teardown finished; events are ignored
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Options carries the dependencies shared by all handlers of a service.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Collector
	// Prefix is prepended to echoed messages; streamsession.DefaultPrefix if empty.
	Prefix string
	// OnClosed is called on the handler's loop once its connection is gone.
	OnClosed func(h *Handler)
}

// Handler implements transport.EventHandler for one server-side connection.
// Apart from ID and Loop, every method must run on the handler's loop.
type Handler struct {
	id        ID
	loop      *eventloop.Loop
	conn      transport.Connection
	session   *streamsession.Session
	prefixLen int
	logger    logger.Logger
	metrics   *metrics.Collector

	onClosed  func(h *Handler)
	state     State
	armed     map[transport.StreamID]struct{}
	destroyed bool
}

var _ transport.EventHandler = (*Handler)(nil)

// New creates a Handler for conn whose events run on loop.
//
// Parameters:
//   - id: Registry handle of the handler
//   - loop: Execution context of the connection
//   - conn: Transport connection; not owned
//   - opts: Shared dependencies
//
// Returns:
//   - A new *Handler in the Active state
func New(id ID, loop *eventloop.Loop, conn transport.Connection, opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = streamsession.DefaultPrefix
	}

	fields := []logger.Field{{Key: "conn", Value: uint32(id)}}
	if addr := conn.RemoteAddr(); addr != nil {
		fields = append(fields, logger.Field{Key: "remote", Value: addr.String()})
	}

	return &Handler{
		id:        id,
		loop:      loop,
		conn:      conn,
		session:   streamsession.New(conn, prefix),
		prefixLen: len(prefix),
		logger:    log.With(fields...),
		metrics:   opts.Metrics,
		onClosed:  opts.OnClosed,
		state:     Active,
		armed:     make(map[transport.StreamID]struct{}),
	}
}

// ID returns the registry handle. Safe from any goroutine.
func (h *Handler) ID() ID {
	return h.id
}

// Loop returns the execution context of the handler. Safe from any goroutine.
func (h *Handler) Loop() *eventloop.Loop {
	return h.loop
}

// State returns the connection state.
func (h *Handler) State() State {
	return h.state
}

// Session returns the stream session of the connection.
func (h *Handler) Session() *streamsession.Session {
	return h.session
}

// Destroyed reports whether Destroy ran.
func (h *Handler) Destroyed() bool {
	return h.destroyed
}

// ConnectionSetupFailed implements transport.EventHandler.
func (h *Handler) ConnectionSetupFailed(err error) {
	if h.destroyed {
		return
	}

	h.logger.Error("connection setup failed", logger.Field{Key: "error", Value: err})
	h.teardown()
}

// TransportReady implements transport.EventHandler.
func (h *Handler) TransportReady() {
	if h.destroyed {
		return
	}

	h.logger.Info("connection ready")
}

// NewBidirectionalStream implements transport.EventHandler.
func (h *Handler) NewBidirectionalStream(id transport.StreamID) {
	if h.destroyed || h.state != Active {
		return
	}

	if _, ok := h.armed[id]; ok {
		h.logger.Warn("duplicate new stream event", logger.Field{Key: "stream", Value: uint64(id)})
		return
	}

	if err := h.conn.ArmRead(id); err != nil {
		h.logger.Error("failed to arm stream read", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "error", Value: err})
		return
	}

	h.armed[id] = struct{}{}
	h.logger.Debug("new bidirectional stream", logger.Field{Key: "stream", Value: uint64(id)})
}

// NewUnidirectionalStream implements transport.EventHandler. Unidirectional
// streams are not echoed.
func (h *Handler) NewUnidirectionalStream(id transport.StreamID) {
	if h.destroyed {
		return
	}

	h.logger.Info("new unidirectional stream ignored", logger.Field{Key: "stream", Value: uint64(id)})
}

// StopSending implements transport.EventHandler.
func (h *Handler) StopSending(id transport.StreamID, code transport.ApplicationErrorCode) {
	if h.destroyed {
		return
	}

	h.logger.Info("peer stopped sending", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "code", Value: uint64(code)})
}

// ConnectionEnded implements transport.EventHandler.
func (h *Handler) ConnectionEnded() {
	if h.destroyed {
		return
	}

	h.logger.Info("connection ended")
	h.teardown()
}

// ConnectionError implements transport.EventHandler.
func (h *Handler) ConnectionError(err error) {
	if h.destroyed {
		return
	}

	h.logger.Warn("connection error", logger.Field{Key: "error", Value: err})
	h.teardown()
}

// ReadAvailable implements transport.EventHandler.
func (h *Handler) ReadAvailable(id transport.StreamID) {
	if h.destroyed || h.state != Active {
		return
	}

	// Finished or dropped streams are no longer armed; a late event must not
	// start a second echo cycle.
	if _, ok := h.armed[id]; !ok {
		h.logger.Debug("read event for inactive stream ignored", logger.Field{Key: "stream", Value: uint64(id)})
		return
	}

	data, eof, err := h.conn.Read(id)
	if err != nil {
		h.dropStream(id, err)
		return
	}

	h.session.OnData(id, data, eof)

	acc, _ := h.session.Accumulator(id)
	sent, err := h.session.MaybeComplete(id)
	if err != nil {
		h.metrics.EchoWriteFailed()
		h.logger.Error("echo write failed", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "error", Value: err})
		return
	}

	if sent {
		delete(h.armed, id)
		h.metrics.StreamEchoed(h.prefixLen + acc.Len())
		h.logger.Debug("stream echoed", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "len", Value: acc.Len()})
	}
}

// ReadError implements transport.EventHandler.
func (h *Handler) ReadError(id transport.StreamID, err error) {
	if h.destroyed || h.state != Active {
		return
	}

	if _, ok := h.armed[id]; !ok {
		return
	}

	h.dropStream(id, err)
}

// Destroy releases the handler: it abandons remaining streams, closes the
// connection, and makes every later event a no-op. It must run on the
// handler's loop and is idempotent.
func (h *Handler) Destroy() {
	if h.destroyed {
		return
	}

	if h.state == Active {
		h.abandonStreams()
		_ = h.conn.Close(nil)
	}

	h.state = Closed
	h.destroyed = true
	h.metrics.ConnectionClosed()
	h.logger.Debug("handler destroyed")
}

// dropStream disarms reads on id and discards its partial message.
func (h *Handler) dropStream(id transport.StreamID, err error) {
	h.conn.DisarmRead(id)
	delete(h.armed, id)
	h.session.Discard(id)
	h.metrics.StreamReadFailed()
	h.logger.Warn("stream read failed, stream dropped", logger.Field{Key: "stream", Value: uint64(id)}, logger.Field{Key: "error", Value: err})
}

func (h *Handler) abandonStreams() {
	streams, buffered := h.session.Abandon()
	clear(h.armed)
	if streams > 0 {
		h.metrics.StreamsAbandoned(streams)
		h.logger.Info("partial streams abandoned", logger.Field{Key: "streams", Value: streams}, logger.Field{Key: "bytes", Value: buffered})
	}
}

// teardown moves the handler through Closing to Closed and hands it back to
// its owner. Partial streams are dropped, never flushed.
func (h *Handler) teardown() {
	if h.state != Active {
		return
	}

	h.state = Closing
	h.abandonStreams()
	h.state = Closed

	if h.onClosed != nil {
		h.onClosed(h)
	}
}
