// Package transport describes the multiplexed connection that the echo core
// drives and provides its quic-go implementation.
//
// A Connection reports connection and stream lifecycle through an
// EventHandler. Every event for one connection is handed to that connection's
// Dispatcher, so the handler observes them one at a time and in the order the
// transport emitted them. Read and Write never block the caller.
package transport

import "net"

// StreamID identifies a stream within one connection. It is assigned by the
// transport and is not reused while the stream is tracked.
type StreamID uint64

// ApplicationErrorCode is the application-level code carried by a connection
// close or a stream reset.
type ApplicationErrorCode uint64

// Dispatcher schedules task on the execution context that owns a connection.
// It returns false when the context no longer accepts work.
type Dispatcher func(task func()) bool

// EventHandler receives the lifecycle events of one connection. All methods are
// called on the connection's execution context.
type EventHandler interface {
	// ConnectionSetupFailed reports that the connection never became usable.
	ConnectionSetupFailed(err error)

	// TransportReady reports that the connection is established.
	TransportReady()

	// NewBidirectionalStream reports a stream opened by the peer.
	NewBidirectionalStream(id StreamID)

	// NewUnidirectionalStream reports a receive-only stream opened by the peer.
	NewUnidirectionalStream(id StreamID)

	// StopSending reports that the peer asked us to stop writing on id.
	StopSending(id StreamID, code ApplicationErrorCode)

	// ConnectionEnded reports a graceful close by either side.
	ConnectionEnded()

	// ConnectionError reports a connection-level failure.
	ConnectionError(err error)

	// ReadAvailable reports that Read(id) has data, end of stream, or both.
	ReadAvailable(id StreamID)

	// ReadError reports that the receive side of id failed.
	ReadError(id StreamID, err error)
}

// Connection is the capability handle the echo core uses to talk to the
// transport. It is owned by the transport; holders must not assume it stays
// usable after ConnectionEnded or ConnectionError.
type Connection interface {
	// Start begins delivering events to h. It must be called exactly once.
	Start(h EventHandler)

	// ArmRead starts delivering ReadAvailable/ReadError events for id. Arming an
	// already armed stream is a no-op.
	ArmRead(id StreamID) error

	// DisarmRead stops read events for id and abandons its receive side.
	DisarmRead(id StreamID)

	// Read returns the bytes received on id since the previous call and whether
	// the peer ended the stream. It never blocks.
	Read(id StreamID) ([]byte, bool, error)

	// Write hands data to the send path of id. When closeAfterWrite is true the
	// send side is finished after data. The error only reports whether the
	// hand-off was accepted, not delivery.
	Write(id StreamID, data []byte, closeAfterWrite bool) error

	// CreateBidirectionalStream opens a new locally initiated stream.
	CreateBidirectionalStream() (StreamID, error)

	// Close closes the connection. A nil code closes it without an application
	// error.
	Close(code *ApplicationErrorCode) error

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}
