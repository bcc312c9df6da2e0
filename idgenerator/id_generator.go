// Package idgenerator hands out connection handle identifiers. Zero is never
// returned so callers can use it as "no handle".
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint32 IDs in a concurrency-safe
// manner. The first Id() returns startValue+1. When the counter wraps it skips
// zero, which is reserved as the invalid handle.
type IdGenerator struct {
	start uint32
	id    atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1
// (or 1 if that would be zero).
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{
		start: startValue,
	}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next non-zero ID. It is safe for concurrent use by multiple
// goroutines.
//
// Returns:
//   - The next uint32 ID, never 0
func (l *IdGenerator) Id() uint32 {
	for {
		if id := l.id.Add(1); id != 0 {
			return id
		}
	}
}

// Last returns the most recently issued ID, or the start value if Id has not
// been called yet.
func (l *IdGenerator) Last() uint32 {
	return l.id.Load()
}
