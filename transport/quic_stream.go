package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

const readChunkSize = 4096

type outbound struct {
	data  []byte
	close bool
}

// quicStream holds the buffered state of one stream between its I/O
// goroutines and the owning event loop.
type quicStream struct {
	id   StreamID
	recv quic.ReceiveStream
	send quic.SendStream

	mu sync.Mutex

	inbox    []byte
	eof      bool
	readErr  error
	reading  bool
	armed    bool
	notified bool
	readDone bool

	out         chan outbound
	writeClosed bool
	writeErr    error
	writeDone   bool
}

func newQUICStream(id StreamID, recv quic.ReceiveStream, send quic.SendStream) *quicStream {
	return &quicStream{
		id:        id,
		recv:      recv,
		send:      send,
		readDone:  recv == nil,
		writeDone: send == nil,
	}
}

// arm enables read events. It reports whether the reader goroutine must be
// started and whether input is already waiting.
func (s *quicStream) arm() (start, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed || s.readDone {
		return false, false
	}

	s.armed = true
	start = !s.reading
	s.reading = true
	pending = len(s.inbox) > 0 || s.eof || s.readErr != nil
	return start, pending
}

// disarm stops read events and reports whether the receive side is still open.
func (s *quicStream) disarm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := !s.eof && s.readErr == nil
	s.armed = false
	s.readDone = true
	s.inbox = nil
	return open
}

// received records the outcome of one Read and reports whether the owner
// should be notified.
func (s *quicStream) received(data []byte, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) > 0 {
		s.inbox = append(s.inbox, data...)
	}

	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
	case err != nil:
		s.readErr = err
	}

	return s.armed
}

// claimNotification marks a read event as outstanding. It returns false when
// no event should be posted, and the pending read error, if any.
func (s *quicStream) claimNotification() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notified || !s.armed || s.readDone {
		return false, nil
	}

	if s.readErr == nil && len(s.inbox) == 0 && !s.eof {
		return false, nil
	}

	s.notified = true
	return true, s.readErr
}

// take drains the inbox. A failed receive side reports its error instead of
// partial data.
func (s *quicStream) take() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notified = false

	if s.readErr != nil {
		s.armed = false
		s.readDone = true
		s.inbox = nil
		return nil, false, s.readErr
	}

	data := s.inbox
	s.inbox = nil

	if s.eof {
		s.armed = false
		s.readDone = true
	}

	return data, s.eof, nil
}

// enqueue hands one write to the writer goroutine without blocking. The
// returned channel is non-nil when the goroutine must be started.
func (s *quicStream) enqueue(data []byte, closeAfterWrite bool, queueSize int) (<-chan outbound, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return nil, false, s.writeErr
	}

	if s.writeClosed {
		return nil, false, ErrWriteClosed
	}

	start := false
	if s.out == nil {
		s.out = make(chan outbound, queueSize)
		start = true
	}

	select {
	case s.out <- outbound{data: append([]byte(nil), data...), close: closeAfterWrite}:
	default:
		return nil, false, ErrWouldBlock
	}

	if closeAfterWrite {
		s.writeClosed = true
		close(s.out)
	}

	return s.out, start, nil
}

func (s *quicStream) finishWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeDone = true
	if err != nil && s.writeErr == nil {
		s.writeErr = err
	}
}

func (s *quicStream) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDone && s.writeDone
}
