package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/casepot/capsule-sub004/engine"
	"github.com/casepot/capsule-sub004/namespace"
	"github.com/casepot/capsule-sub004/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// outputChunkSize caps the data payload of a single Output message.
// Larger prints are split into multiple messages in order.
const outputChunkSize = 16 << 10

// ExecState is an Executor's lifecycle state.
type ExecState int

const (
	ExecIdle ExecState = iota
	ExecRunning
	ExecSuspended
	ExecTerminated
)

func (s ExecState) String() string {
	switch s {
	case ExecIdle:
		return "Idle"
	case ExecRunning:
		return "Running"
	case ExecSuspended:
		return "Suspended"
	case ExecTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("ExecState(%d)", int(s))
	}
}

// Executor runs exactly one code unit against a session's namespace and
// emits that execution's messages. It suspends while awaiting input and
// finishes with exactly one terminal message. Executors are never reused;
// the session binds a fresh one per execution.
type Executor struct {
	id      string
	log     *zap.SugaredLogger
	eng     engine.Engine
	store   *namespace.Store
	deliver func(protocol.Message)
	clock   func() time.Time

	mu             sync.Mutex
	state          ExecState
	pendingInputID string
	resume         chan string
}

func newExecutor(id string, eng engine.Engine, store *namespace.Store, deliver func(protocol.Message), log *zap.SugaredLogger, clock func() time.Time) *Executor {
	return &Executor{
		id:      id,
		log:     log,
		eng:     eng,
		store:   store,
		deliver: deliver,
		clock:   clock,
		state:   ExecIdle,
	}
}

// ID returns the execution ID this executor emits under.
func (x *Executor) ID() string {
	return x.id
}

// State returns the executor's current lifecycle state.
func (x *Executor) State() ExecState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

func (x *Executor) setState(s ExecState) {
	x.mu.Lock()
	x.state = s
	x.mu.Unlock()
}

// Run executes the code unit and emits the terminal message. It returns
// after the executor has reached Terminated. Cancellation and deadline
// expiry of ctx both terminate the execution with an Error message; any
// transaction the code left open is rolled back before the terminal
// message is emitted.
func (x *Executor) Run(ctx context.Context, code string) {
	x.setState(ExecRunning)
	start := x.clock()

	res, err := x.eng.Execute(ctx, code, &execEnv{x: x})
	timeMS := x.clock().Sub(start).Milliseconds()

	if txnID, open := x.store.RollbackOpen(); open {
		x.log.Warnw("rolled back transaction left open at termination",
			"execution_id", x.id, "txn_id", txnID)
	}

	x.deliver(x.terminalMessage(ctx, res, err, timeMS))
	x.setState(ExecTerminated)
}

func (x *Executor) terminalMessage(ctx context.Context, res engine.Result, err error, timeMS int64) protocol.Message {
	if err == nil {
		value, merr := json.Marshal(res.Value)
		if merr != nil {
			x.log.Errorw("result value is not serializable", "execution_id", x.id, "error", merr)
			value = nil
		}
		return protocol.NewResult(x.id, value, res.Repr, timeMS)
	}

	var fault *engine.Error
	switch {
	case errors.As(err, &fault):
		return protocol.NewError(x.id, fault.Type, fault.Message, fault.Traceback)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.NewError(x.id, protocol.ExcTimeout, "execution exceeded its time budget", "")
	case errors.Is(err, context.Canceled):
		return protocol.NewError(x.id, protocol.ExcCancelled, "execution cancelled", "")
	default:
		// Engines are not obligated to return ctx's error verbatim, so
		// classify by the context when it ended the run.
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return protocol.NewError(x.id, protocol.ExcTimeout, "execution exceeded its time budget", "")
		case context.Canceled:
			return protocol.NewError(x.id, protocol.ExcCancelled, "execution cancelled", "")
		}
		// Never surface a raw fault without a terminal Error message.
		x.log.Errorw("execution failed", "execution_id", x.id, "error", err)
		return protocol.NewError(x.id, protocol.ExcInternal, err.Error(), "")
	}
}

// HandleInputResponse resumes the executor if inputID matches the pending
// request. Anything else is ErrStaleInputResponse and the executor stays
// exactly as it was.
func (x *Executor) HandleInputResponse(inputID string, data []byte) error {
	x.mu.Lock()
	if x.state != ExecSuspended || x.pendingInputID != inputID || x.resume == nil {
		state := x.state
		x.mu.Unlock()
		return fmt.Errorf("%w: input_id %q has no pending request (executor %s)", ErrStaleInputResponse, inputID, state)
	}
	resume := x.resume
	x.pendingInputID = ""
	x.resume = nil
	x.state = ExecRunning
	x.mu.Unlock()

	resume <- string(data)
	return nil
}

// emitOutput delivers one Print's text as one or more Output messages.
func (x *Executor) emitOutput(stream protocol.Stream, text string) {
	data := []byte(text)
	for len(data) > outputChunkSize {
		x.deliver(protocol.NewOutput(x.id, stream, data[:outputChunkSize]))
		data = data[outputChunkSize:]
	}
	x.deliver(protocol.NewOutput(x.id, stream, data))
}

// readInput emits an InputRequest and parks until the matching response
// arrives or ctx ends.
func (x *Executor) readInput(ctx context.Context, prompt string) (string, error) {
	inputID := uuid.NewString()
	resume := make(chan string, 1)

	x.mu.Lock()
	x.pendingInputID = inputID
	x.resume = resume
	x.state = ExecSuspended
	x.mu.Unlock()

	x.deliver(protocol.NewInputRequest(x.id, inputID, prompt))
	x.log.Debugw("suspended awaiting input", "execution_id", x.id, "input_id", inputID)

	select {
	case data := <-resume:
		return data, nil
	case <-ctx.Done():
		x.mu.Lock()
		if x.pendingInputID == inputID {
			x.pendingInputID = ""
			x.resume = nil
		}
		x.state = ExecRunning
		x.mu.Unlock()
		return "", ctx.Err()
	}
}

// execEnv adapts the executor to the engine.Env contract. Reads and
// writes route through the store's open transaction when there is one.
type execEnv struct {
	x *Executor
}

func (e *execEnv) Print(stream protocol.Stream, text string) {
	e.x.emitOutput(stream, text)
}

func (e *execEnv) ReadInput(ctx context.Context, prompt string) (string, error) {
	return e.x.readInput(ctx, prompt)
}

func (e *execEnv) Lookup(name string) (namespace.Entry, bool) {
	if t := e.x.store.Open(); t != nil {
		return t.Lookup(name)
	}
	return e.x.store.Lookup(name)
}

func (e *execEnv) Define(name string, value any, kind namespace.Kind, sourceText string) error {
	if t := e.x.store.Open(); t != nil {
		return t.Write(name, value, kind, sourceText)
	}
	return e.x.store.Define(name, value, kind, sourceText)
}

func (e *execEnv) Begin() error {
	_, err := e.x.store.Begin()
	return err
}

func (e *execEnv) Commit() error {
	t := e.x.store.Open()
	if t == nil {
		return namespace.ErrTransactionDone
	}
	return t.Commit()
}

func (e *execEnv) Rollback() error {
	t := e.x.store.Open()
	if t == nil {
		return namespace.ErrTransactionDone
	}
	return t.Rollback()
}
