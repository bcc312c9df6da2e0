package transport

import (
	"errors"
	"fmt"
)

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrStreamNotWritable = errors.New("stream has no send side")
	ErrWriteClosed       = errors.New("stream send side already closed")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrWouldBlock        = errors.New("stream send queue full")
	ErrNotStarted        = errors.New("connection not started")
)

// ConnectionError describes why a connection failed. Code is the transport or
// application error code reported by the transport, Remote tells whether the
// peer initiated the close.
type ConnectionError struct {
	Code   uint64
	Remote bool
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}

	msg := fmt.Sprintf("connection error (%s, code=%d)", side, e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError is returned by Read when the receive side of a stream failed.
type StreamError struct {
	StreamID StreamID
	Code     ApplicationErrorCode
	Remote   bool
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d error (code=%d, remote=%t): %v", e.StreamID, e.Code, e.Remote, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
