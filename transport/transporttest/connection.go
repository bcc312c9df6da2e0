// Package transporttest provides an in-memory transport.Connection for tests
// of code driven by transport events.
package transporttest

import (
	"net"
	"sync"

	"github.com/cyberinferno/quic-echo/transport"
)

// Write is one hand-off recorded by Connection.Write.
type Write struct {
	StreamID        transport.StreamID
	Data            []byte
	CloseAfterWrite bool
}

type inbox struct {
	data []byte
	eof  bool
	err  error
}

// Connection is a scriptable transport.Connection. Tests feed inbound data with
// Deliver or Fail and inspect what the code under test did through the
// accessor methods. It is safe for concurrent use.
type Connection struct {
	// ReadHook, when set, runs at the start of every Read.
	ReadHook func(id transport.StreamID)
	// WriteErr, when set, makes every Write fail without recording.
	WriteErr error
	// ArmErr, when set, makes every ArmRead fail.
	ArmErr error
	// CreateErr, when set, makes CreateBidirectionalStream fail.
	CreateErr error

	mu        sync.Mutex
	handler   transport.EventHandler
	inboxes   map[transport.StreamID]*inbox
	armed     map[transport.StreamID]int
	disarmed  map[transport.StreamID]bool
	writes    []Write
	nextID    transport.StreamID
	created   []transport.StreamID
	closed    bool
	closeCode *transport.ApplicationErrorCode
	closes    int
}

var _ transport.Connection = (*Connection)(nil)

// NewConnection returns an empty fake connection.
func NewConnection() *Connection {
	return &Connection{
		inboxes:  make(map[transport.StreamID]*inbox),
		armed:    make(map[transport.StreamID]int),
		disarmed: make(map[transport.StreamID]bool),
	}
}

// Start implements transport.Connection.
func (c *Connection) Start(h transport.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Handler returns the handler passed to Start.
func (c *Connection) Handler() transport.EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Deliver queues inbound bytes for the next Read of id.
func (c *Connection) Deliver(id transport.StreamID, data []byte, eof bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.inboxLocked(id)
	in.data = append(in.data, data...)
	in.eof = in.eof || eof
}

// Fail makes the next Read of id return err.
func (c *Connection) Fail(id transport.StreamID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inboxLocked(id).err = err
}

// ArmRead implements transport.Connection.
func (c *Connection) ArmRead(id transport.StreamID) error {
	if c.ArmErr != nil {
		return c.ArmErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed[id]++
	return nil
}

// DisarmRead implements transport.Connection.
func (c *Connection) DisarmRead(id transport.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmed[id] = true
}

// Read implements transport.Connection.
func (c *Connection) Read(id transport.StreamID) ([]byte, bool, error) {
	if c.ReadHook != nil {
		c.ReadHook(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.inboxLocked(id)
	if in.err != nil {
		return nil, false, in.err
	}

	data := in.data
	in.data = nil
	return data, in.eof, nil
}

// Write implements transport.Connection.
func (c *Connection) Write(id transport.StreamID, data []byte, closeAfterWrite bool) error {
	if c.WriteErr != nil {
		return c.WriteErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrConnectionClosed
	}

	c.writes = append(c.writes, Write{
		StreamID:        id,
		Data:            append([]byte(nil), data...),
		CloseAfterWrite: closeAfterWrite,
	})
	return nil
}

// CreateBidirectionalStream implements transport.Connection. IDs follow the
// client-initiated bidirectional numbering 0, 4, 8, ...
func (c *Connection) CreateBidirectionalStream() (transport.StreamID, error) {
	if c.CreateErr != nil {
		return 0, c.CreateErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, transport.ErrConnectionClosed
	}

	id := c.nextID
	c.nextID += 4
	c.created = append(c.created, id)
	return id, nil
}

// Close implements transport.Connection.
func (c *Connection) Close(code *transport.ApplicationErrorCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closes++
	c.closed = true
	c.closeCode = code
	return nil
}

// RemoteAddr implements transport.Connection.
func (c *Connection) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv6loopback, Port: 6666}
}

// Writes returns the recorded writes.
func (c *Connection) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// ArmCount returns how many times ArmRead succeeded for id.
func (c *Connection) ArmCount(id transport.StreamID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed[id]
}

// Disarmed reports whether DisarmRead was called for id.
func (c *Connection) Disarmed(id transport.StreamID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disarmed[id]
}

// Created returns the IDs handed out by CreateBidirectionalStream.
func (c *Connection) Created() []transport.StreamID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.StreamID(nil), c.created...)
}

// Closed reports whether Close was called, with the code it got.
func (c *Connection) Closed() (bool, *transport.ApplicationErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// CloseCount returns how many times Close was called.
func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Connection) inboxLocked(id transport.StreamID) *inbox {
	in, ok := c.inboxes[id]
	if !ok {
		in = &inbox{}
		c.inboxes[id] = in
	}

	return in
}
