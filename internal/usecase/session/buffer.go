package session

import "sync"

// outputBuffer is an append-only, size-capped byte buffer shared by a
// process's stdout and stderr. Once the cap is reached further output is
// dropped; offsets handed to callers therefore never shift.
type outputBuffer struct {
	mu        sync.Mutex
	data      []byte
	max       int
	dropped   int64
	finalized bool
}

func newOutputBuffer(maxBytes int) *outputBuffer {
	return &outputBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. It never fails so the child process is not
// interrupted by a full buffer.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return len(p), nil
	}
	room := b.max - len(b.data)
	switch {
	case room <= 0:
		b.dropped += int64(len(p))
	case len(p) > room:
		b.data = append(b.data, p[:room]...)
		b.dropped += int64(len(p) - room)
	default:
		b.data = append(b.data, p...)
	}
	return len(p), nil
}

// finish appends the exit marker regardless of the cap and seals the buffer.
func (b *outputBuffer) finish(marker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.data = append(b.data, marker...)
	b.finalized = true
}

// slice returns data[offset:offset+size] clamped to the buffer, the total
// length at the time of the read and whether bytes remain past the window.
// Arithmetic stays within [0, total] so huge sizes cannot overflow.
func (b *outputBuffer) slice(offset, size int) (string, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := len(b.data)
	offset = min(max(offset, 0), total)
	size = max(size, 0)
	end := offset + min(size, total-offset)
	return string(b.data[offset:end]), total, end < total
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *outputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Truncated reports whether any output was dropped at the cap.
func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}
