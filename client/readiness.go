package client

import (
	"context"
	"sync"
)

// readiness is a one-shot signal carrying the outcome of connection setup.
type readiness struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newReadiness() *readiness {
	return &readiness{done: make(chan struct{})}
}

// resolve records the outcome; only the first call has an effect.
func (r *readiness) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *readiness) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
