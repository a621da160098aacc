package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer used to keep the most
// recent log output in memory. Implements io.Writer; old data is silently
// overwritten once the buffer is full.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of oldest byte
	n     int // bytes currently stored
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Never fails; data wraps around when full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	size := len(rb.buf)
	if written >= size {
		// Only the tail of p can be kept
		copy(rb.buf, p[written-size:])
		rb.start = 0
		rb.n = size
		return written, nil
	}

	end := (rb.start + rb.n) % size
	first := copy(rb.buf[end:], p)
	if first < len(p) {
		copy(rb.buf, p[first:])
	}
	rb.n += len(p)
	if rb.n > size {
		// Overwrote the oldest bytes; advance start past them
		rb.start = (rb.start + rb.n - size) % size
		rb.n = size
	}
	return written, nil
}

// Bytes returns the buffer contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.n, len(rb.buf))])
	if first < rb.n {
		copy(out[first:], rb.buf[:rb.n-first])
	}
	return out
}

// DumpToFile writes the buffer contents to a file in chronological order.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
