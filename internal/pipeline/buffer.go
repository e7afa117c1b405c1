package pipeline

import (
	"context"
	"io"
	"sync"
	"time"
)

// Buffer is a bounded single-producer single-consumer byte buffer. The
// producer (the transcoder output copier) blocks once the high-water mark is
// reached; the consumer blocks while empty. Closing the write side drains
// remaining bytes to the reader, then EOF.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	data     []byte
	r, w, n  int
	writeErr error
	wClosed  bool
	closed   bool
}

func NewBuffer(capacity int) *Buffer {
	b := &Buffer{data: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for written < len(p) {
		for b.n == len(b.data) && !b.closed && !b.wClosed {
			b.cond.Wait()
		}
		if b.closed || b.wClosed {
			return written, io.ErrClosedPipe
		}
		chunk := len(p) - written
		if free := len(b.data) - b.n; chunk > free {
			chunk = free
		}
		if tail := len(b.data) - b.w; chunk > tail {
			chunk = tail
		}
		copy(b.data[b.w:], p[written:written+chunk])
		b.w = (b.w + chunk) % len(b.data)
		b.n += chunk
		written += chunk
		b.cond.Broadcast()
	}
	return written, nil
}

func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.n == 0 {
		if b.closed {
			return 0, io.ErrClosedPipe
		}
		if b.wClosed {
			if b.writeErr != nil {
				return 0, b.writeErr
			}
			return 0, io.EOF
		}
		b.cond.Wait()
	}

	chunk := len(p)
	if chunk > b.n {
		chunk = b.n
	}
	if tail := len(b.data) - b.r; chunk > tail {
		chunk = tail
	}
	copy(p, b.data[b.r:b.r+chunk])
	b.r = (b.r + chunk) % len(b.data)
	b.n -= chunk
	b.cond.Broadcast()
	return chunk, nil
}

func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// CloseWrite marks the end of the stream. A nil err yields io.EOF to the
// reader once the buffer drains; a non-nil err is surfaced instead.
func (b *Buffer) CloseWrite(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wClosed {
		return
	}
	b.wClosed = true
	b.writeErr = err
	b.cond.Broadcast()
}

// Close tears the buffer down from the consumer side, unblocking both ends.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// WaitMin blocks until at least min bytes are buffered, the write side has
// closed (short stream), the timeout elapses, or ctx ends, whichever comes
// first. Only a context error is reported; the other outcomes all mean
// "start playing with what we have".
func (b *Buffer) WaitMin(ctx context.Context, min int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		ok := b.n >= min || b.wClosed || b.closed
		b.mu.Unlock()
		if ok || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
