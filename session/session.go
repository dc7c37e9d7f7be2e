package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casepot/capsule-sub004/engine"
	"github.com/casepot/capsule-sub004/namespace"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a Session's lifecycle state. Busy means one execution is in
// flight; Idle means the execution finished but its terminal message has
// not been drained yet.
type State int

const (
	StateReady State = iota
	StateBusy
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateBusy:
		return "Busy"
	case StateIdle:
		return "Idle"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Option func(s *Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.log = l.Sugar()
	}
}

// WithExecTimeout bounds each execution's wall-clock time. Zero means no
// bound. Expiry takes the same path as Cancel.
func WithExecTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.execTimeout = d
	}
}

// WithClock overrides the time source used for execution timing.
func WithClock(fn func() time.Time) Option {
	return func(s *Session) {
		s.clock = fn
	}
}

type execConfig struct {
	executionID string
}

// ExecOption configures one Execute call.
type ExecOption func(c *execConfig)

// WithExecutionID pins the execution's ID instead of generating one. Used
// by transports whose client chose the ID before sending the code over.
func WithExecutionID(id string) ExecOption {
	return func(c *execConfig) {
		c.executionID = id
	}
}

// Session runs code units one at a time against a persistent namespace.
// At most one execution is bound at any moment; it is the only writer to
// the namespace store for the session's entire lifetime.
type Session struct {
	id          string
	log         *zap.SugaredLogger
	eng         engine.Engine
	store       *namespace.Store
	router      *Router
	execTimeout time.Duration
	clock       func() time.Time

	mu           sync.Mutex
	state        State
	closed       bool
	active       *Executor
	activeExecID string
	cancelExec   context.CancelFunc
	runDone      chan struct{}
	execDone     bool
	queueDone    bool
}

// New constructs a Ready session around an engine with a fresh namespace.
func New(eng engine.Engine, opts ...Option) (*Session, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Session{
		id:    uuid.NewString(),
		log:   logger.Named("session").Sugar(),
		eng:   eng,
		store: namespace.NewStore(),
		clock: time.Now,
		state: StateReady,
	}
	for _, o := range opts {
		o(s)
	}
	s.router = NewRouter(s.log)
	s.router.SetReleaseHandler(s.queueReleased)
	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute binds a fresh executor to code and starts it on its own
// goroutine. It is accepted while Ready or Idle and fails with
// ErrSessionBusy while an execution is in flight. The returned handle
// yields the execution's messages in emission order.
func (s *Session) Execute(ctx context.Context, code string, opts ...ExecOption) (*Execution, error) {
	cfg := execConfig{executionID: uuid.NewString()}
	for _, o := range opts {
		o(&cfg)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state == StateBusy {
		inFlight := s.activeExecID
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %s in flight", ErrSessionBusy, inFlight)
	}

	x := newExecutor(cfg.executionID, s.eng, s.store, s.router.Deliver, s.log, s.clock)

	var runCtx context.Context
	var cancel context.CancelFunc
	if s.execTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.execTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	done := make(chan struct{})
	s.state = StateBusy
	s.active = x
	s.activeExecID = cfg.executionID
	s.cancelExec = cancel
	s.runDone = done
	s.execDone = false
	s.queueDone = false
	s.mu.Unlock()

	handle := s.router.Subscribe(cfg.executionID)
	s.log.Debugw("execution started", "session_id", s.id, "execution_id", cfg.executionID)

	go func() {
		x.Run(runCtx, code)
		cancel()
		s.executionFinished(x)
		close(done)
	}()
	return handle, nil
}

// SubmitInput forwards an input response to the active executor. With no
// active executor, or with an input_id that does not match the pending
// request, the response is dropped with a warning.
func (s *Session) SubmitInput(inputID string, data []byte) error {
	s.mu.Lock()
	x := s.active
	s.mu.Unlock()
	if x == nil {
		err := fmt.Errorf("%w: no active execution", ErrStaleInputResponse)
		s.log.Warnw("dropping input response", "session_id", s.id, "input_id", inputID, "error", err)
		return err
	}
	if err := x.HandleInputResponse(inputID, data); err != nil {
		s.log.Warnw("dropping input response", "session_id", s.id, "input_id", inputID, "error", err)
		return err
	}
	return nil
}

// Cancel stops the in-flight execution, if any. The executor emits its
// terminal Error message and the session becomes serviceable again; a
// session with nothing in flight is unaffected.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelExec
	execID := s.activeExecID
	s.mu.Unlock()
	if cancel != nil {
		s.log.Debugw("cancelling execution", "session_id", s.id, "execution_id", execID)
		cancel()
	}
}

// Reset wipes the namespace and its checkpoints. Rejected while Busy.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state == StateBusy {
		return fmt.Errorf("%w: cannot reset", ErrSessionBusy)
	}
	s.store.Reset()
	return nil
}

// ForceReset cancels any in-flight execution, waits for it to wind down,
// and discards its undrained queue so the session can be handed to a new
// owner. Namespace contents are kept.
func (s *Session) ForceReset(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	cancel := s.cancelExec
	done := s.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if !s.queueDone && s.activeExecID != "" {
		s.router.Discard(s.activeExecID)
		s.queueDone = true
		s.advanceLocked()
	}
	s.mu.Unlock()
	return nil
}

// Checkpoint snapshots the namespace under label. Rejected while Busy.
func (s *Session) Checkpoint(label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.state == StateBusy {
		return "", fmt.Errorf("%w: cannot checkpoint", ErrSessionBusy)
	}
	return s.store.Checkpoint(label)
}

// RestoreCheckpoint replaces the namespace with a checkpoint's snapshot.
// Rejected while Busy.
func (s *Session) RestoreCheckpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state == StateBusy {
		return fmt.Errorf("%w: cannot restore", ErrSessionBusy)
	}
	if err := s.store.Restore(id); err != nil {
		return err
	}
	label, _ := s.store.CheckpointLabel(id)
	s.log.Debugw("restored checkpoint", "session_id", s.id, "checkpoint_id", id, "label", label)
	return nil
}

// ListEntries returns name-sorted summaries of the namespace contents.
// Safe to call while an execution is in flight.
func (s *Session) ListEntries() []namespace.EntryInfo {
	return s.store.Entries()
}

// ListCheckpoints returns summaries of the checkpoints available to
// RestoreCheckpoint. Safe to call while an execution is in flight.
func (s *Session) ListCheckpoints() []namespace.CheckpointInfo {
	return s.store.Checkpoints()
}

// Close cancels any in-flight execution and rejects all further
// operations. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancelExec
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Session) executionFinished(x *Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != x {
		return
	}
	s.active = nil
	s.cancelExec = nil
	s.execDone = true
	s.advanceLocked()
	s.log.Debugw("execution finished", "session_id", s.id, "execution_id", x.ID(), "state", s.state.String())
}

func (s *Session) queueReleased(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executionID != s.activeExecID {
		return
	}
	s.queueDone = true
	s.advanceLocked()
}

// advanceLocked recomputes the state once the execution goroutine, the
// queue consumer, or both have finished. Called with s.mu held.
func (s *Session) advanceLocked() {
	if !s.execDone {
		return
	}
	if s.queueDone {
		s.state = StateReady
	} else {
		s.state = StateIdle
	}
}
