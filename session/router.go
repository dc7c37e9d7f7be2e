package session

import (
	"context"
	"errors"
	"sync"

	"github.com/casepot/capsule-sub004/protocol"
	"go.uber.org/zap"
)

// msgQueue is an unbounded FIFO with a single logical consumer. Appends
// never block, so a producer can always emit its terminal message even
// when nobody is draining yet.
type msgQueue struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	notify chan struct{}
}

func newMsgQueue() *msgQueue {
	return &msgQueue{notify: make(chan struct{}, 1)}
}

func (q *msgQueue) push(msg protocol.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *msgQueue) pop(ctx context.Context) (protocol.Message, error) {
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// Router fans incoming messages out to per-execution queues and dispatches
// the inbound kinds (input responses, control messages) to handlers.
//
// A queue exists from the first message for its execution ID, or from
// Subscribe, whichever comes first; it is deleted when the consumer
// dequeues the terminal message.
type Router struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	queues map[string]*msgQueue

	onInputResponse func(inputID string, data []byte) error
	onControl       func(msg protocol.Message)
	onReleased      func(executionID string)
}

func NewRouter(log *zap.SugaredLogger) *Router {
	return &Router{
		log:    log,
		queues: make(map[string]*msgQueue),
	}
}

// SetInputResponseHandler registers the callback for InputResponse
// messages seen by Route. The handler's error is logged, never fatal.
func (r *Router) SetInputResponseHandler(fn func(inputID string, data []byte) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInputResponse = fn
}

// SetControlHandler registers the callback for Control messages seen by
// Route.
func (r *Router) SetControlHandler(fn func(msg protocol.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onControl = fn
}

// SetReleaseHandler registers a callback invoked after an execution's
// queue has been deleted, with the execution's ID.
func (r *Router) SetReleaseHandler(fn func(executionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReleased = fn
}

// Route decodes and validates one frame payload, then dispatches it.
// Stream-kind messages are queued under their execution ID; input
// responses and control messages go to the registered handlers. Unknown
// message types are dropped. A non-nil return means the connection is no
// longer trustworthy and must be closed.
func (r *Router) Route(payload []byte) error {
	msg, err := protocol.DecodeMessage(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			r.log.Warnw("dropping frame", "error", err)
			return nil
		}
		return err
	}

	switch msg.Type {
	case protocol.TypeInputResponse:
		r.mu.Lock()
		fn := r.onInputResponse
		r.mu.Unlock()
		if fn == nil {
			r.log.Warnw("dropping input response, no handler registered", "input_id", msg.InputID)
			return nil
		}
		if err := fn(msg.InputID, msg.Data); err != nil {
			r.log.Warnw("dropping input response", "input_id", msg.InputID, "error", err)
		}
		return nil
	case protocol.TypeControl:
		r.mu.Lock()
		fn := r.onControl
		r.mu.Unlock()
		if fn == nil {
			r.log.Warnw("dropping control message, no handler registered", "action", msg.Action)
			return nil
		}
		fn(msg)
		return nil
	default:
		r.Deliver(msg)
		return nil
	}
}

// Deliver appends msg to its execution's queue, creating the queue if
// this is the first message for that execution.
func (r *Router) Deliver(msg protocol.Message) {
	r.mu.Lock()
	q, ok := r.queues[msg.ExecutionID]
	if !ok {
		q = newMsgQueue()
		r.queues[msg.ExecutionID] = q
	}
	r.mu.Unlock()
	q.push(msg)
}

// Subscribe returns the consumer handle for an execution, creating its
// queue if no message has arrived yet.
func (r *Router) Subscribe(executionID string) *Execution {
	r.mu.Lock()
	q, ok := r.queues[executionID]
	if !ok {
		q = newMsgQueue()
		r.queues[executionID] = q
	}
	r.mu.Unlock()
	return &Execution{id: executionID, router: r, queue: q}
}

// Discard drops an execution's queue without draining it. Used when an
// execution request fails after Subscribe.
func (r *Router) Discard(executionID string) {
	r.mu.Lock()
	delete(r.queues, executionID)
	r.mu.Unlock()
}

// queueLen reports the number of live queues.
func (r *Router) queueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// release deletes the queue after its terminal message was dequeued and
// notifies the release handler.
func (r *Router) release(executionID string) {
	r.mu.Lock()
	delete(r.queues, executionID)
	fn := r.onReleased
	r.mu.Unlock()
	if fn != nil {
		fn(executionID)
	}
}
