// Package eventloop provides single-goroutine execution contexts. Every task
// posted to a Loop runs on the same goroutine in posting order, which is what
// serializes the events and state of the connections bound to it.
package eventloop

import (
	"sync"
)

// Loop runs posted tasks one at a time on its own goroutine. The task queue is
// unbounded so Post never blocks, including when called from a task.
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool

	done chan struct{}
}

// New creates a Loop and starts its goroutine.
//
// Parameters:
//   - name: Name used to identify the loop in logs
//
// Returns:
//   - A running *Loop; call Stop to release its goroutine
func New(name string) *Loop {
	l := &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Post queues task for execution on the loop.
//
// Returns:
//   - false if the loop is stopped and task was dropped
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}

	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// RunAndWait runs task on the loop and blocks until it returned. Tasks queued
// before it run first. If the loop is already stopped, task runs on the
// calling goroutine since nothing else can run concurrently with it.
//
// RunAndWait must not be called from a task running on the same loop.
func (l *Loop) RunAndWait(task func()) {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		task()
	}) {
		<-l.done
		task()
		return
	}

	<-finished
}

// Stop stops accepting tasks, finishes the queued ones, and waits for the loop
// goroutine to exit. It is safe to call multiple times.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()

	<-l.done
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range batch {
			task()
		}

		if len(batch) > 0 {
			continue
		}

		if stopped {
			return
		}

		<-l.wake
	}
}
