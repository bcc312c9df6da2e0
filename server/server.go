// Package server runs the echo service: it accepts connections, binds each to
// a handler on one of the event loops, and tears everything down in order on
// stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/quic-echo/eventloop"
	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/metrics"
	"github.com/cyberinferno/quic-echo/registry"
	"github.com/cyberinferno/quic-echo/transport"
)

const metricsShutdownTimeout = 5 * time.Second

var ErrAlreadyRunning = errors.New("server already running")

// Listener accepts transport connections. *transport.QUICListener implements it.
type Listener interface {
	Accept(ctx context.Context, dispatch transport.Dispatcher) (transport.Connection, error)
	Addr() net.Addr
	Close() error
}

// Options configures a Server.
type Options struct {
	// Name labels log entries; "quic-echo" if empty.
	Name    string
	Logger  logger.Logger
	Metrics *metrics.Collector
	// Prefix is prepended to echoed messages.
	Prefix string
	// EventLoops is the number of loops connections are spread over.
	EventLoops int
	// MetricsAddr, when set, serves Metrics at /metrics on this TCP address.
	MetricsAddr string
}

// Server accepts connections from a Listener and hands each one to a handler
// created by its registry.
type Server struct {
	Logger logger.Logger
	Name   string

	listener    Listener
	pool        *eventloop.Pool
	registry    *registry.Registry
	metrics     *metrics.Collector
	metricsAddr string

	running  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}

	mu         sync.Mutex
	stopAccept context.CancelFunc
	httpSrv    *http.Server
	metricsLn  net.Listener
}

// New creates a Server for ln. The server does not accept until Run is called.
//
// Parameters:
//   - ln: Bound listener; closed by Stop
//   - opts: Server settings
//
// Returns:
//   - A new *Server
func New(ln Listener, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	name := opts.Name
	if name == "" {
		name = "quic-echo"
	}

	return &Server{
		Logger:      log,
		Name:        name,
		listener:    ln,
		pool:        eventloop.NewPool(name, opts.EventLoops),
		registry:    registry.New(log, opts.Metrics, opts.Prefix),
		metrics:     opts.Metrics,
		metricsAddr: opts.MetricsAddr,
		stopped:     make(chan struct{}),
	}
}

// Registry returns the handler registry of the server.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Addr returns the address connections are accepted on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// MetricsAddr returns the bound metrics address, or nil when metrics are not
// being served.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metricsLn == nil {
		return nil
	}

	return s.metricsLn.Addr()
}

// Run accepts connections until ctx is done or Stop is called, then stops the
// server. It returns the first fatal error of the accept loop or the metrics
// endpoint.
//
// Parameters:
//   - ctx: Cancelling it stops the server
//
// Returns:
//   - nil after a regular stop; otherwise the error that ended the server
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", s.Name, ErrAlreadyRunning)
	}

	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()

	s.mu.Lock()
	s.stopAccept = stopAccept
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(acceptCtx)

	if s.metricsAddr != "" {
		srv, ln, err := s.listenMetrics()
		if err != nil {
			s.Stop()
			return err
		}

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopped:
		}

		s.Stop()
		return nil
	})

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: s.listener.Addr().String()}, logger.Field{Key: "event_loops", Value: s.pool.Size()})
	return g.Wait()
}

// Stop ends the accept loop, destroys every handler on its own loop, closes
// the listener, and stops the loops. Handlers are destroyed while the socket
// is still open so that peers receive the connection close. Safe to call more
// than once and from any goroutine other than an event loop.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopped)

		s.mu.Lock()
		stopAccept := s.stopAccept
		srv := s.httpSrv
		s.mu.Unlock()

		if stopAccept != nil {
			stopAccept()
		}

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			if err := srv.Shutdown(ctx); err != nil {
				s.Logger.Warn("metrics endpoint shutdown failed", logger.Field{Key: "error", Value: err})
			}
			cancel()
		}

		s.registry.Shutdown()

		if err := s.listener.Close(); err != nil {
			s.Logger.Warn("listener close failed", logger.Field{Key: "error", Value: err})
		}

		s.pool.Stop()

		s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
	})
}

// acceptLoop binds every accepted connection to a handler on the next loop.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		loop := s.pool.Next()

		conn, err := s.listener.Accept(ctx, loop.Post)
		if err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				return nil
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			return fmt.Errorf("accept: %w", err)
		}

		h, err := s.registry.Create(loop, conn)
		if err != nil {
			s.Logger.Warn("connection rejected", logger.Field{Key: "error", Value: err})
			_ = conn.Close(nil)
			continue
		}

		s.Logger.Debug("connection accepted", logger.Field{Key: "conn", Value: uint32(h.ID())}, logger.Field{Key: "loop", Value: loop.Name()})
		conn.Start(h)
	}
}

func (s *Server) listenMetrics() (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", s.metricsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics endpoint on %s: %w", s.metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.metricsLn = ln
	s.mu.Unlock()

	s.Logger.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: ln.Addr().String()})
	return srv, ln, nil
}
