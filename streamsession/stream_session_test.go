package streamsession

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cyberinferno/quic-echo/transport"
)

type write struct {
	id    transport.StreamID
	data  []byte
	close bool
}

type recordingWriter struct {
	writes []write
	err    error
}

func (w *recordingWriter) Write(id transport.StreamID, data []byte, closeAfterWrite bool) error {
	w.writes = append(w.writes, write{id: id, data: append([]byte(nil), data...), close: closeAfterWrite})
	return w.err
}

func TestAccumulator(t *testing.T) {
	t.Run("appends in order", func(t *testing.T) {
		var acc Accumulator
		acc.Append([]byte("ab"), false)
		acc.Append([]byte("cd"), false)
		assert.Equal(t, []byte("abcd"), acc.Bytes())
		assert.Equal(t, 4, acc.Len())
		assert.False(t, acc.EndOfStream())
	})

	t.Run("end of stream never reverts", func(t *testing.T) {
		var acc Accumulator
		acc.Append(nil, true)
		acc.Append([]byte("x"), false)
		assert.True(t, acc.EndOfStream())
	})
}

func TestSession_MaybeComplete(t *testing.T) {
	t.Run("echoes a single delivery with prefix and close", func(t *testing.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		s.OnData(4, []byte("hello"), true)
		sent, err := s.MaybeComplete(4)

		require.NoError(t, err)
		assert.True(t, sent)
		require.Len(t, w.writes, 1)
		assert.Equal(t, transport.StreamID(4), w.writes[0].id)
		assert.Equal(t, "echo hello", string(w.writes[0].data))
		assert.True(t, w.writes[0].close)
		assert.False(t, s.Has(4))
	})

	t.Run("accumulates split deliveries", func(t *testing.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		s.OnData(0, []byte("ab"), false)
		sent, err := s.MaybeComplete(0)
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Empty(t, w.writes)

		s.OnData(0, []byte("cd"), true)
		sent, err = s.MaybeComplete(0)
		require.NoError(t, err)
		assert.True(t, sent)
		require.Len(t, w.writes, 1)
		assert.Equal(t, "echo abcd", string(w.writes[0].data))
	})

	t.Run("end of stream with no extra bytes", func(t *testing.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		s.OnData(8, []byte("abc"), false)
		s.OnData(8, nil, true)
		sent, err := s.MaybeComplete(8)
		require.NoError(t, err)
		assert.True(t, sent)
		assert.Equal(t, "echo abc", string(w.writes[0].data))
	})

	t.Run("second call after success is a no-op", func(t *testing.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		s.OnData(1, []byte("x"), true)
		_, err := s.MaybeComplete(1)
		require.NoError(t, err)

		sent, err := s.MaybeComplete(1)
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Len(t, w.writes, 1)
	})

	t.Run("unknown stream is a no-op", func(t *testing.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		sent, err := s.MaybeComplete(99)
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Empty(t, w.writes)
	})

	t.Run("failed hand-off keeps the accumulator", func(t *testing.T) {
		w := &recordingWriter{err: transport.ErrWouldBlock}
		s := New(w, DefaultPrefix)

		s.OnData(2, []byte("keep"), true)
		sent, err := s.MaybeComplete(2)

		assert.False(t, sent)
		assert.True(t, errors.Is(err, transport.ErrWouldBlock))
		acc, ok := s.Accumulator(2)
		require.True(t, ok)
		assert.Equal(t, "keep", string(acc.Bytes()))
		assert.True(t, acc.EndOfStream())
	})

	t.Run("custom prefix", func(t *testing.T) {
		w := &recordingWriter{}
		s := New(w, "> ")

		s.OnData(0, []byte("hi"), true)
		_, err := s.MaybeComplete(0)
		require.NoError(t, err)
		assert.Equal(t, "> hi", string(w.writes[0].data))
	})
}

func TestSession_DiscardAndAbandon(t *testing.T) {
	w := &recordingWriter{}
	s := New(w, DefaultPrefix)

	s.OnData(0, []byte("aaa"), false)
	s.OnData(4, []byte("bb"), false)
	s.OnData(8, []byte("c"), false)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 6, s.Buffered())

	t.Run("discard removes one stream", func(t *testing.T) {
		assert.True(t, s.Discard(4))
		assert.False(t, s.Discard(4))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("abandon drops all without writing", func(t *testing.T) {
		streams, bytes := s.Abandon()
		assert.Equal(t, 2, streams)
		assert.Equal(t, 4, bytes)
		assert.Equal(t, 0, s.Len())
		assert.Empty(t, w.writes)
	})
}

func TestSession_AccumulationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 16), 1, 20).Draw(rt, "chunks")
		ends := rapid.SliceOfN(rapid.Bool(), len(chunks), len(chunks)).Draw(rt, "ends")

		var want []byte
		wantEnd := false
		for i, chunk := range chunks {
			s.OnData(7, chunk, ends[i])
			want = append(want, chunk...)
			wantEnd = wantEnd || ends[i]
		}

		acc, ok := s.Accumulator(7)
		if !ok {
			rt.Fatalf("accumulator missing")
		}
		if string(acc.Bytes()) != string(want) {
			rt.Fatalf("accumulated %q, want %q", acc.Bytes(), want)
		}
		if acc.EndOfStream() != wantEnd {
			rt.Fatalf("end of stream %t, want %t", acc.EndOfStream(), wantEnd)
		}
	})
}

func TestSession_SingleEchoProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := &recordingWriter{}
		s := New(w, DefaultPrefix)

		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 8), 1, 10).Draw(rt, "chunks")
		endAt := rapid.IntRange(-1, len(chunks)-1).Draw(rt, "endAt")

		var body []byte
		for i, chunk := range chunks {
			if endAt >= 0 && i > endAt {
				break
			}
			s.OnData(3, chunk, i == endAt)
			body = append(body, chunk...)
			if _, err := s.MaybeComplete(3); err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
		}

		if endAt < 0 {
			if len(w.writes) != 0 {
				rt.Fatalf("echoed %d times without end of stream", len(w.writes))
			}
			return
		}

		if len(w.writes) != 1 {
			rt.Fatalf("echoed %d times, want 1", len(w.writes))
		}
		if got := string(w.writes[0].data); got != DefaultPrefix+string(body) {
			rt.Fatalf("reply %q, want %q", got, DefaultPrefix+string(body))
		}
		if !w.writes[0].close {
			rt.Fatalf("reply not marked close-after-write")
		}
		if s.Has(3) {
			rt.Fatalf("stream still tracked after echo")
		}
	})
}
