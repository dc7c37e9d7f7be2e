package session

import (
	"context"
	"sync"

	"github.com/casepot/capsule-sub004/protocol"
)

// Execution is the consumer handle for one execution's message stream.
// Messages arrive in emission order; the stream ends with exactly one
// terminal message (Result or Error). It is not safe for concurrent use
// by multiple goroutines.
type Execution struct {
	id     string
	router *Router
	queue  *msgQueue

	mu   sync.Mutex
	done bool
}

// ID returns the execution ID the handle is subscribed to.
func (e *Execution) ID() string {
	return e.id
}

// Next blocks until the next message is available. Dequeuing the terminal
// message deletes the execution's queue; subsequent calls return
// ErrExecutionDone.
func (e *Execution) Next(ctx context.Context) (protocol.Message, error) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return protocol.Message{}, ErrExecutionDone
	}
	e.mu.Unlock()

	msg, err := e.queue.pop(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	if msg.Terminal() {
		e.mu.Lock()
		e.done = true
		e.mu.Unlock()
		e.router.release(e.id)
	}
	return msg, nil
}

// Wait drains the stream and returns the terminal message.
func (e *Execution) Wait(ctx context.Context) (protocol.Message, error) {
	for {
		msg, err := e.Next(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Terminal() {
			return msg, nil
		}
	}
}
