package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/cyberinferno/quic-echo/logger"
)

// quicConnection adapts a quic.Connection to the event-driven Connection
// contract. Blocking quic-go calls run on helper goroutines; their results
// reach the handler only through dispatch.
type quicConnection struct {
	conn      quic.Connection
	dispatch  Dispatcher
	logger    logger.Logger
	sendQueue int

	started atomic.Bool
	handler EventHandler
	endOnce sync.Once

	mu      sync.Mutex
	streams map[StreamID]*quicStream
	closing bool
}

var _ Connection = (*quicConnection)(nil)

func newQUICConnection(conn quic.Connection, dispatch Dispatcher, log logger.Logger, sendQueue int) *quicConnection {
	return &quicConnection{
		conn:      conn,
		dispatch:  dispatch,
		logger:    log,
		sendQueue: sendQueue,
		streams:   make(map[StreamID]*quicStream),
	}
}

// Start implements Connection.
func (c *quicConnection) Start(h EventHandler) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("connection already started")
		return
	}

	c.handler = h
	c.post(h.TransportReady)

	go c.acceptStreams()
	go c.acceptUniStreams()
}

// ArmRead implements Connection.
func (c *quicConnection) ArmRead(id StreamID) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	s, err := c.stream(id)
	if err != nil {
		return err
	}

	if s.recv == nil {
		return fmt.Errorf("arm stream %d: %w", id, ErrStreamNotFound)
	}

	start, pending := s.arm()
	if start {
		go c.readLoop(s)
	}

	if pending {
		c.notifyRead(s)
	}

	return nil
}

// DisarmRead implements Connection.
func (c *quicConnection) DisarmRead(id StreamID) {
	s, err := c.stream(id)
	if err != nil {
		return
	}

	if s.disarm() {
		s.recv.CancelRead(0)
	}

	c.forgetIfDone(s)
}

// Read implements Connection.
func (c *quicConnection) Read(id StreamID) ([]byte, bool, error) {
	s, err := c.stream(id)
	if err != nil {
		return nil, false, err
	}

	data, eof, err := s.take()
	if err != nil {
		c.forgetIfDone(s)
		return nil, false, newStreamError(id, err)
	}

	if eof {
		c.forgetIfDone(s)
	}

	return data, eof, nil
}

// Write implements Connection.
func (c *quicConnection) Write(id StreamID, data []byte, closeAfterWrite bool) error {
	if c.conn.Context().Err() != nil {
		return ErrConnectionClosed
	}

	s, err := c.stream(id)
	if err != nil {
		return err
	}

	if s.send == nil {
		return ErrStreamNotWritable
	}

	out, start, err := s.enqueue(data, closeAfterWrite, c.sendQueue)
	if err != nil {
		return err
	}

	if start {
		go c.writeLoop(s, out)
	}

	return nil
}

// CreateBidirectionalStream implements Connection.
func (c *quicConnection) CreateBidirectionalStream() (StreamID, error) {
	if c.conn.Context().Err() != nil {
		return 0, ErrConnectionClosed
	}

	str, err := c.conn.OpenStream()
	if err != nil {
		return 0, fmt.Errorf("open stream: %w", err)
	}

	return c.track(str, str), nil
}

// Close implements Connection.
func (c *quicConnection) Close(code *ApplicationErrorCode) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	var errCode quic.ApplicationErrorCode
	if code != nil {
		errCode = quic.ApplicationErrorCode(*code)
	}

	return c.conn.CloseWithError(errCode, "")
}

// RemoteAddr implements Connection.
func (c *quicConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *quicConnection) post(task func()) {
	if !c.dispatch(task) {
		c.logger.Debug("event dropped, dispatcher stopped")
	}
}

func (c *quicConnection) acceptStreams() {
	ctx := c.conn.Context()
	for {
		str, err := c.conn.AcceptStream(ctx)
		if err != nil {
			c.end(err)
			return
		}

		id := c.track(str, str)
		c.post(func() { c.handler.NewBidirectionalStream(id) })
	}
}

func (c *quicConnection) acceptUniStreams() {
	ctx := c.conn.Context()
	for {
		str, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			c.end(err)
			return
		}

		id := c.track(str, nil)
		c.post(func() { c.handler.NewUnidirectionalStream(id) })
	}
}

// end emits the single terminal event of the connection.
func (c *quicConnection) end(cause error) {
	c.endOnce.Do(func() {
		connErr := c.classify(cause)
		if connErr == nil {
			c.logger.Debug("connection ended")
			c.post(c.handler.ConnectionEnded)
			return
		}

		c.logger.Debug("connection failed", logger.Field{Key: "error", Value: connErr})
		c.post(func() { c.handler.ConnectionError(connErr) })
	})
}

// classify returns nil for a graceful end and a *ConnectionError otherwise.
func (c *quicConnection) classify(err error) *ConnectionError {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.ErrorCode == 0 {
			return nil
		}

		return &ConnectionError{
			Code:   uint64(appErr.ErrorCode),
			Remote: appErr.Remote,
			Reason: appErr.ErrorMessage,
			Err:    err,
		}
	}

	if closing {
		return nil
	}

	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		return &ConnectionError{
			Code:   uint64(transportErr.ErrorCode),
			Remote: transportErr.Remote,
			Reason: transportErr.ErrorMessage,
			Err:    err,
		}
	}

	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return &ConnectionError{Reason: "idle timeout", Err: err}
	}

	// The early connection is unusable once the server turned its 0-RTT
	// data down; the caller dials again.
	if errors.Is(err, quic.Err0RTTRejected) {
		return &ConnectionError{Reason: "0-RTT rejected", Err: err}
	}

	return &ConnectionError{Reason: err.Error(), Err: err}
}

func (c *quicConnection) track(recv quic.ReceiveStream, send quic.SendStream) StreamID {
	var id StreamID
	if recv != nil {
		id = StreamID(recv.StreamID())
	} else {
		id = StreamID(send.StreamID())
	}

	s := newQUICStream(id, recv, send)

	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()

	return id
}

func (c *quicConnection) stream(id StreamID) (*quicStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}

	return s, nil
}

func (c *quicConnection) forgetIfDone(s *quicStream) {
	if !s.done() {
		return
	}

	c.mu.Lock()
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}
	c.mu.Unlock()
}

func (c *quicConnection) readLoop(s *quicStream) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.recv.Read(buf)
		if s.received(buf[:n], err) {
			c.notifyRead(s)
		}

		if err != nil {
			return
		}
	}
}

// notifyRead posts at most one outstanding read event for s.
func (c *quicConnection) notifyRead(s *quicStream) {
	ok, readErr := s.claimNotification()
	if !ok {
		return
	}

	id := s.id
	if readErr == nil {
		c.post(func() { c.handler.ReadAvailable(id) })
		return
	}

	// A connection-level event follows; per-stream errors would only repeat it.
	if c.conn.Context().Err() != nil {
		return
	}

	streamErr := newStreamError(id, readErr)
	c.post(func() { c.handler.ReadError(id, streamErr) })
}

func (c *quicConnection) writeLoop(s *quicStream, out <-chan outbound) {
	for ob := range out {
		if len(ob.data) > 0 {
			if _, err := s.send.Write(ob.data); err != nil {
				c.writeFailed(s, err)
				return
			}
		}

		if ob.close {
			if err := s.send.Close(); err != nil {
				c.writeFailed(s, err)
				return
			}
		}
	}

	s.finishWrite(nil)
	c.forgetIfDone(s)
}

func (c *quicConnection) writeFailed(s *quicStream, err error) {
	s.finishWrite(err)

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		id, code := s.id, ApplicationErrorCode(streamErr.ErrorCode)
		c.post(func() { c.handler.StopSending(id, code) })
	} else if c.conn.Context().Err() == nil {
		c.logger.Warn("stream write failed", logger.Field{Key: "stream", Value: uint64(s.id)}, logger.Field{Key: "error", Value: err})
	}

	c.forgetIfDone(s)
}

func newStreamError(id StreamID, err error) error {
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return &StreamError{
			StreamID: id,
			Code:     ApplicationErrorCode(streamErr.ErrorCode),
			Remote:   streamErr.Remote,
			Err:      err,
		}
	}

	return &StreamError{StreamID: id, Err: err}
}
