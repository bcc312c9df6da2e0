// Package streamsession implements the per-connection echo policy: inbound
// bytes are accumulated per stream and, once the stream has ended, written back
// once with a fixed prefix on the same stream, closing its send side.
//
// A Session is not safe for concurrent use. It belongs to the execution
// context of its connection and must only be touched from there.
package streamsession

import (
	"fmt"

	"github.com/cyberinferno/quic-echo/transport"
)

// DefaultPrefix is prepended to every echoed message.
const DefaultPrefix = "echo "

// StreamWriter is the send path the session hands replies to.
type StreamWriter interface {
	Write(id transport.StreamID, data []byte, closeAfterWrite bool) error
}

// Session maps stream IDs to accumulators. A stream present in the map has not
// completed its echo yet; an absent stream was either never seen or is done.
type Session struct {
	writer  StreamWriter
	prefix  []byte
	streams map[transport.StreamID]*Accumulator
}

// New creates an empty Session writing replies to w.
//
// Parameters:
//   - w: The send path for echo replies
//   - prefix: Literal prepended to each reply; DefaultPrefix is the usual value
//
// Returns:
//   - A new *Session
func New(w StreamWriter, prefix string) *Session {
	return &Session{
		writer:  w,
		prefix:  []byte(prefix),
		streams: make(map[transport.StreamID]*Accumulator),
	}
}

// OnData appends data to the accumulator of id, creating it if needed, and
// latches end of stream when isEnd is set.
//
// Parameters:
//   - id: Stream the data was read from
//   - data: Bytes read; copied into the accumulator
//   - isEnd: Whether the peer finished sending on the stream
func (s *Session) OnData(id transport.StreamID, data []byte, isEnd bool) {
	acc, ok := s.streams[id]
	if !ok {
		acc = &Accumulator{}
		s.streams[id] = acc
	}

	acc.Append(data, isEnd)
}

// MaybeComplete echoes stream id if it has ended. Partial messages are never
// echoed. On a successful hand-off the stream is forgotten; on failure its
// accumulator is kept untouched and the error returned. Nothing retries.
//
// Returns:
//   - true if the reply was handed to the writer
//   - The hand-off error, if any
func (s *Session) MaybeComplete(id transport.StreamID) (bool, error) {
	acc, ok := s.streams[id]
	if !ok || !acc.EndOfStream() {
		return false, nil
	}

	reply := make([]byte, 0, len(s.prefix)+acc.Len())
	reply = append(reply, s.prefix...)
	reply = append(reply, acc.Bytes()...)

	if err := s.writer.Write(id, reply, true); err != nil {
		return false, fmt.Errorf("echo on stream %d: %w", id, err)
	}

	delete(s.streams, id)
	return true, nil
}

// Discard drops the accumulator of id without writing anything.
//
// Returns:
//   - true if the stream was tracked
func (s *Session) Discard(id transport.StreamID) bool {
	if _, ok := s.streams[id]; !ok {
		return false
	}

	delete(s.streams, id)
	return true
}

// Abandon drops every accumulator, used when the connection goes away.
//
// Returns:
//   - The number of streams dropped
//   - The number of buffered bytes dropped with them
func (s *Session) Abandon() (int, int) {
	streams, buffered := len(s.streams), s.Buffered()
	clear(s.streams)
	return streams, buffered
}

// Accumulator returns the accumulator of id, if tracked.
func (s *Session) Accumulator(id transport.StreamID) (*Accumulator, bool) {
	acc, ok := s.streams[id]
	return acc, ok
}

// Has reports whether id is tracked.
func (s *Session) Has(id transport.StreamID) bool {
	_, ok := s.streams[id]
	return ok
}

// Len returns the number of tracked streams.
func (s *Session) Len() int {
	return len(s.streams)
}

// Buffered returns the total number of bytes held across all streams.
func (s *Session) Buffered() int {
	n := 0
	for _, acc := range s.streams {
		n += acc.Len()
	}

	return n
}
