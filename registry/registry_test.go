package registry

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/quic-echo/eventloop"
	"github.com/cyberinferno/quic-echo/handler"
	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/transport"
	"github.com/cyberinferno/quic-echo/transport/transporttest"
)

func TestRegistry_Create(t *testing.T) {
	t.Run("stores handlers with distinct ids", func(t *testing.T) {
		r := New(nil, nil, "")
		loop := eventloop.New("test")
		defer loop.Stop()

		a, err := r.Create(loop, transporttest.NewConnection())
		require.NoError(t, err)
		b, err := r.Create(loop, transporttest.NewConnection())
		require.NoError(t, err)

		assert.NotEqual(t, a.ID(), b.ID())
		assert.Equal(t, 2, r.Len())

		got, ok := r.Lookup(b.ID())
		assert.True(t, ok)
		assert.Same(t, b, got)
	})

	t.Run("concurrent creates are all stored", func(t *testing.T) {
		r := New(nil, nil, "")
		pool := eventloop.NewPool("test", 4)
		defer pool.Stop()

		const n = 100
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := r.Create(pool.Next(), transporttest.NewConnection())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, n, r.Len())
		seen := make(map[handler.ID]bool)
		r.Range(func(h *handler.Handler) bool {
			seen[h.ID()] = true
			return true
		})
		assert.Len(t, seen, n)
	})

	t.Run("fails after shutdown", func(t *testing.T) {
		r := New(nil, nil, "")
		r.Shutdown()

		loop := eventloop.New("test")
		defer loop.Stop()
		_, err := r.Create(loop, transporttest.NewConnection())
		assert.ErrorIs(t, err, ErrRegistryClosed)
	})
}

func TestRegistry_Range(t *testing.T) {
	r := New(nil, nil, "")
	loop := eventloop.New("test")
	defer loop.Stop()

	for i := 0; i < 3; i++ {
		_, err := r.Create(loop, transporttest.NewConnection())
		require.NoError(t, err)
	}

	var ids []handler.ID
	r.Range(func(h *handler.Handler) bool {
		ids = append(ids, h.ID())
		return len(ids) < 2
	})
	assert.Equal(t, []handler.ID{1, 2}, ids)
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Run("drain log reports the last handler id", func(t *testing.T) {
		var out bytes.Buffer
		log, err := logger.New(logger.Options{ServiceName: "test", Output: &out})
		require.NoError(t, err)

		r := New(log, nil, "")
		loop := eventloop.New("test")
		defer loop.Stop()

		for i := 0; i < 3; i++ {
			_, err := r.Create(loop, transporttest.NewConnection())
			require.NoError(t, err)
		}

		r.Shutdown()

		assert.Contains(t, out.String(), `"message":"handler registry drained"`)
		assert.Contains(t, out.String(), `"last_handler_id":3`)
	})

	t.Run("drains every handler on its loop", func(t *testing.T) {
		r := New(nil, nil, "")
		pool := eventloop.NewPool("test", 2)
		defer pool.Stop()

		var conns []*transporttest.Connection
		var handlers []*handler.Handler
		for i := 0; i < 3; i++ {
			conn := transporttest.NewConnection()
			h, err := r.Create(pool.Next(), conn)
			require.NoError(t, err)
			conns = append(conns, conn)
			handlers = append(handlers, h)
		}

		r.Shutdown()

		assert.Equal(t, 0, r.Len())
		for i, h := range handlers {
			var destroyed bool
			h.Loop().RunAndWait(func() { destroyed = h.Destroyed() })
			assert.True(t, destroyed)
			closed, code := conns[i].Closed()
			assert.True(t, closed)
			assert.Nil(t, code)
			_, ok := r.Lookup(h.ID())
			assert.False(t, ok)
		}
	})

	t.Run("waits for an in-flight callback", func(t *testing.T) {
		r := New(nil, nil, "")
		pool := eventloop.NewPool("test", 3)
		defer pool.Stop()

		entered := make(chan struct{})
		release := make(chan struct{})

		var conns []*transporttest.Connection
		var handlers []*handler.Handler
		for i := 0; i < 3; i++ {
			conn := transporttest.NewConnection()
			if i == 1 {
				conn.ReadHook = func(transport.StreamID) {
					close(entered)
					<-release
				}
			}
			h, err := r.Create(pool.Next(), conn)
			require.NoError(t, err)
			conns = append(conns, conn)
			handlers = append(handlers, h)
		}

		second, conn := handlers[1], conns[1]
		second.Loop().RunAndWait(func() { second.NewBidirectionalStream(0) })
		conn.Deliver(0, []byte("hello"), true)
		second.Loop().Post(func() { second.ReadAvailable(0) })
		<-entered

		done := make(chan struct{})
		go func() {
			r.Shutdown()
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("shutdown returned while a callback was still running")
		case <-time.After(100 * time.Millisecond):
		}

		close(release)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown did not finish")
		}

		assert.Equal(t, 0, r.Len())
		writes := conn.Writes()
		require.Len(t, writes, 1)
		assert.Equal(t, "echo hello", string(writes[0].Data))

		second.Loop().RunAndWait(func() {
			second.ReadAvailable(0)
			second.NewBidirectionalStream(4)
		})
		assert.Len(t, conn.Writes(), 1)
		assert.Equal(t, 0, conn.ArmCount(4))
	})

	t.Run("is safe with an empty registry", func(t *testing.T) {
		r := New(nil, nil, "")
		assert.NotPanics(t, r.Shutdown)
		assert.Equal(t, 0, r.Len())
	})
}

func TestRegistry_Release(t *testing.T) {
	t.Run("connection end removes the handler", func(t *testing.T) {
		r := New(nil, nil, "")
		loop := eventloop.New("test")
		defer loop.Stop()

		h, err := r.Create(loop, transporttest.NewConnection())
		require.NoError(t, err)
		other, err := r.Create(loop, transporttest.NewConnection())
		require.NoError(t, err)

		loop.RunAndWait(h.ConnectionEnded)

		assert.Equal(t, 1, r.Len())
		_, ok := r.Lookup(h.ID())
		assert.False(t, ok)
		_, ok = r.Lookup(other.ID())
		assert.True(t, ok)
	})

	t.Run("release racing shutdown leaves nothing behind", func(t *testing.T) {
		r := New(nil, nil, "")
		pool := eventloop.NewPool("test", 4)
		defer pool.Stop()

		var handlers []*handler.Handler
		for i := 0; i < 20; i++ {
			h, err := r.Create(pool.Next(), transporttest.NewConnection())
			require.NoError(t, err)
			handlers = append(handlers, h)
		}

		for _, h := range handlers[:10] {
			h.Loop().Post(h.ConnectionEnded)
		}
		r.Shutdown()

		assert.Equal(t, 0, r.Len())
		for _, h := range handlers {
			var destroyed bool
			h.Loop().RunAndWait(func() { destroyed = h.Destroyed() })
			assert.True(t, destroyed)
		}
	})
}
