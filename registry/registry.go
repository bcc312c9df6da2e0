// Package registry owns the live connection handlers of a listening service
// and tears them down safely.
//
// A handler is only ever destroyed on its own loop, after any event already
// queued there, so destruction can never overlap one of its callbacks.
package registry

import (
	"errors"
	"sync"

	"github.com/cyberinferno/quic-echo/eventloop"
	"github.com/cyberinferno/quic-echo/handler"
	"github.com/cyberinferno/quic-echo/idgenerator"
	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/metrics"
	"github.com/cyberinferno/quic-echo/transport"
)

// ErrRegistryClosed is returned by Create once Shutdown has started.
var ErrRegistryClosed = errors.New("handler registry is shut down")

// Registry is the ordered collection of live handlers, guarded by a
// reader/writer lock.
type Registry struct {
	Logger  logger.Logger
	Metrics *metrics.Collector
	Prefix  string

	ids *idgenerator.IdGenerator

	mu       sync.RWMutex
	handlers []*handler.Handler
	index    map[handler.ID]*handler.Handler
	closed   bool
}

// New returns an empty Registry.
//
// Parameters:
//   - log: Logger passed to every handler
//   - m: Metrics collector; may be nil
//   - prefix: Echo prefix; empty means the default
func New(log logger.Logger, m *metrics.Collector, prefix string) *Registry {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Registry{
		Logger:  log,
		Metrics: m,
		Prefix:  prefix,
		ids:     idgenerator.NewIdGenerator(0),
		index:   make(map[handler.ID]*handler.Handler),
	}
}

// Create builds a handler for conn bound to loop and stores it. The caller
// starts the connection with the returned handler. Safe for concurrent use.
//
// Returns:
//   - The new handler, or ErrRegistryClosed after Shutdown started
func (r *Registry) Create(loop *eventloop.Loop, conn transport.Connection) (*handler.Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	h := handler.New(handler.ID(r.ids.Id()), loop, conn, handler.Options{
		Logger:   r.Logger,
		Metrics:  r.Metrics,
		Prefix:   r.Prefix,
		OnClosed: r.release,
	})

	r.handlers = append(r.handlers, h)
	r.index[h.ID()] = h
	r.Metrics.ConnectionOpened()

	return h, nil
}

// Lookup returns the handler with the given id, if still registered.
//
// Parameters:
//   - id: Handler id assigned by Create
//
// Returns:
//   - The handler and true, or nil and false once it was released
func (r *Registry) Lookup(id handler.ID) (*handler.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.index[id]
	return h, ok
}

// Len returns the number of registered handlers.
//
// Returns:
//   - The number of handlers not yet released or drained
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Range calls f for each handler in creation order until f returns false. f
// runs under the read lock and must not call back into the registry.
//
// Parameters:
//   - f: Visitor; return false to stop early
func (r *Registry) Range(f func(h *handler.Handler) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if !f(h) {
			return
		}
	}
}

// Shutdown destroys every handler and returns once the collection is empty.
// Each destruction runs on the handler's own loop; the lock is released while
// waiting for it so that a handler releasing itself concurrently cannot
// deadlock the drain. Create fails from the moment Shutdown starts.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true

	for len(r.handlers) > 0 {
		h := r.handlers[len(r.handlers)-1]

		r.mu.Unlock()
		h.Loop().RunAndWait(h.Destroy)
		r.mu.Lock()

		r.removeLocked(h)
	}

	r.mu.Unlock()
	r.Logger.Info("handler registry drained", logger.Field{Key: "last_handler_id", Value: r.ids.Last()})
}

// release is the handlers' OnClosed hook. It runs on the handler's loop after
// its connection went away.
func (r *Registry) release(h *handler.Handler) {
	r.mu.Lock()
	r.removeLocked(h)
	r.mu.Unlock()

	h.Destroy()
}

func (r *Registry) removeLocked(h *handler.Handler) {
	for i := len(r.handlers) - 1; i >= 0; i-- {
		if r.handlers[i] == h {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			break
		}
	}

	delete(r.index, h.ID())
}
