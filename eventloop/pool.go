package eventloop

import (
	"fmt"
	"sync/atomic"
)

// Pool is a fixed set of loops handed out round-robin. Connections assigned to
// the same loop share its goroutine.
type Pool struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewPool starts size loops named "<prefix>-<n>". A size below 1 is treated
// as 1.
func NewPool(prefix string, size int) *Pool {
	if size < 1 {
		size = 1
	}

	p := &Pool{loops: make([]*Loop, size)}
	for i := range p.loops {
		p.loops[i] = New(fmt.Sprintf("%s-%d", prefix, i))
	}

	return p
}

// Next returns the next loop in round-robin order.
func (p *Pool) Next() *Loop {
	n := p.next.Add(1) - 1
	return p.loops[n%uint64(len(p.loops))]
}

// Size returns the number of loops.
func (p *Pool) Size() int {
	return len(p.loops)
}

// Stop stops every loop in the pool.
func (p *Pool) Stop() {
	for _, l := range p.loops {
		l.Stop()
	}
}
