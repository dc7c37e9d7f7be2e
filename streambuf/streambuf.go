// Package streambuf provides a growable byte buffer with predicate-based
// blocking reads, for assembling length-prefixed frames from an ordered
// byte stream.
//
// The buffer deliberately avoids one-shot wake signals that are cleared
// when a waiter wakes: one logical reader performs two sequential waits
// per frame (header, then body), and a single Append may satisfy many
// waits at once. Every wake is a broadcast and every waiter rechecks its
// own predicate against the current buffered length, so batched appends
// and strictly sequential reads cannot strand a waiter.
package streambuf

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Buffer is a byte FIFO safe for one or more concurrent waiters and
// concurrent appenders.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf    bytes.Buffer
	closed bool
	err    error
}

// New returns an empty Buffer.
func New() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds p to the tail of the buffer and wakes all waiters.
// Appending to a closed buffer is discarded.
func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf.Write(p)
	b.cond.Broadcast()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// WaitUntil blocks until pred holds over the current buffered length.
// Multiple waiters with independent predicates may be pending at once.
// If the buffer is closed before pred holds, the close error is returned;
// a predicate satisfied by already-buffered bytes succeeds even after
// close, so a reader can drain remaining data.
func (b *Buffer) WaitUntil(pred func(n int) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if pred(b.buf.Len()) {
			return nil
		}
		if b.closed {
			return b.err
		}
		b.cond.Wait()
	}
}

// Take removes and returns exactly n bytes from the head of the buffer.
// The caller must have already satisfied WaitUntil(len >= n); Take never
// blocks and fails if fewer than n bytes are buffered.
func (b *Buffer) Take(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		return nil, fmt.Errorf("take %d bytes", n)
	}
	if b.buf.Len() < n {
		if b.closed {
			return nil, b.err
		}
		return nil, fmt.Errorf("take %d bytes, only %d buffered", n, b.buf.Len())
	}
	p := make([]byte, n)
	if _, err := b.buf.Read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Close marks the buffer closed and wakes all waiters. Waiters whose
// predicates cannot be satisfied by the remaining bytes receive err, or
// io.EOF when err is nil. Close is idempotent; the first error wins.
func (b *Buffer) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if err == nil {
		err = io.EOF
	}
	b.closed = true
	b.err = err
	b.cond.Broadcast()
}
