package streamsession

// Accumulator is the per-stream append-only buffer plus its end-of-stream
// marker. Bytes only grow and the marker never goes back to false.
type Accumulator struct {
	buf []byte
	eos bool
}

// Append adds data to the buffer and latches the end-of-stream marker when
// isEnd is true. An empty data slice is allowed.
//
// Parameters:
//   - data: Bytes to append; copied
//   - isEnd: Whether this delivery ends the stream
func (a *Accumulator) Append(data []byte, isEnd bool) {
	a.buf = append(a.buf, data...)
	a.eos = a.eos || isEnd
}

// Bytes returns the accumulated bytes. The slice is owned by the accumulator.
func (a *Accumulator) Bytes() []byte {
	return a.buf
}

// Len returns the number of accumulated bytes.
func (a *Accumulator) Len() int {
	return len(a.buf)
}

// EndOfStream reports whether the stream has ended.
func (a *Accumulator) EndOfStream() bool {
	return a.eos
}
