// Package pool maintains a bounded set of reusable sessions. Acquire
// hands out warm sessions when it can, constructs cold ones up to the
// bound, and blocks past it. Sessions released in a bad state are parked
// and recovered instead of leaked.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/casepot/capsule-sub004/session"
	"go.uber.org/zap"
)

const (
	DefaultSize         = 4
	DefaultBusyDeadline = 30 * time.Second

	defaultSweepInterval = time.Second
)

// ErrClosed rejects operations on a closed pool.
var ErrClosed = errors.New("pool is closed")

// Factory constructs a fresh session for the cold acquire path.
type Factory func() (*session.Session, error)

type Option func(p *Pool)

// WithSize bounds how many sessions may exist at once.
func WithSize(n int) Option {
	return func(p *Pool) {
		p.size = n
	}
}

// WithBusyDeadline sets how long a session released while Busy may stay
// busy before it is forcibly reset.
func WithBusyDeadline(d time.Duration) Option {
	return func(p *Pool) {
		p.busyDeadline = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.log = l.Sugar()
	}
}

// withSweepInterval shortens the parked-session sweep for tests.
func withSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.sweepInterval = d
	}
}

// Stats is a point-in-time census of the pool.
type Stats struct {
	Size   int `json:"size"`
	Warm   int `json:"warm"`
	InUse  int `json:"in_use"`
	Parked int `json:"parked"`
}

type parkedSession struct {
	s     *session.Session
	since time.Time
}

// Pool hands out sessions to at most size concurrent holders. A leased
// session belongs to exactly one holder until it is released; two
// concurrent Acquire calls never observe the same session.
type Pool struct {
	log           *zap.SugaredLogger
	factory       Factory
	size          int
	busyDeadline  time.Duration
	sweepInterval time.Duration

	// sem holds one token per session currently leased or parked; the
	// warm set is uncounted inventory.
	sem chan struct{}

	mu     sync.Mutex
	warm   []*session.Session
	parked []parkedSession
	leased map[*session.Session]struct{}
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a pool around a session factory and starts its parked-session
// watchdog.
func New(factory Factory, opts ...Option) (*Pool, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	p := &Pool{
		log:           logger.Named("pool").Sugar(),
		factory:       factory,
		size:          DefaultSize,
		busyDeadline:  DefaultBusyDeadline,
		sweepInterval: defaultSweepInterval,
		leased:        make(map[*session.Session]struct{}),
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.factory == nil {
		return nil, errors.New("pool requires a session factory")
	}
	if p.size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", p.size)
	}
	p.sem = make(chan struct{}, p.size)

	p.wg.Add(1)
	go p.watchParked()
	return p, nil
}

// Acquire returns a session for exclusive use. It prefers a warm Ready
// session, constructs a cold one while under the bound, and blocks at the
// bound until a session is recovered or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*session.Session, error) {
	select {
	case p.sem <- struct{}{}:
	case <-p.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, ErrClosed
	}
	if n := len(p.warm); n > 0 {
		s := p.warm[n-1]
		p.warm = p.warm[:n-1]
		p.leased[s] = struct{}{}
		p.mu.Unlock()
		p.log.Debugw("acquired warm session", "session_id", s.ID())
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.factory()
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("constructing session: %w", err)
	}
	p.mu.Lock()
	p.leased[s] = struct{}{}
	p.mu.Unlock()
	p.log.Debugw("constructed cold session", "session_id", s.ID())
	return s, nil
}

// Release returns a leased session to the pool. Ready sessions rejoin the
// warm set immediately; an Idle session has its undrained queue discarded
// first; a session still Busy is parked and watched until it finishes or
// hits the busy deadline. Releasing a session the pool did not lease is a
// logged no-op.
func (p *Pool) Release(s *session.Session) {
	p.mu.Lock()
	if _, ok := p.leased[s]; !ok {
		p.mu.Unlock()
		p.log.Warnw("ignoring release of a session this pool did not lease", "session_id", s.ID())
		return
	}
	delete(p.leased, s)
	if p.closed {
		p.mu.Unlock()
		s.Close()
		<-p.sem
		return
	}

	switch s.State() {
	case session.StateBusy:
		p.parked = append(p.parked, parkedSession{s: s, since: time.Now()})
		p.mu.Unlock()
		p.log.Warnw("session released while busy, parking it", "session_id", s.ID())
	case session.StateIdle:
		p.mu.Unlock()
		p.recover(s, "released with undrained messages")
	default:
		p.warm = append(p.warm, s)
		p.mu.Unlock()
		<-p.sem
	}
}

// Stats returns the pool's current census.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:   p.size,
		Warm:   len(p.warm),
		InUse:  len(p.leased),
		Parked: len(p.parked),
	}
}

// Close stops the watchdog and closes every session the pool knows about,
// including leased ones. Blocked Acquire calls fail with ErrClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := append([]*session.Session{}, p.warm...)
	for _, e := range p.parked {
		sessions = append(sessions, e.s)
	}
	for s := range p.leased {
		sessions = append(sessions, s)
	}
	p.warm = nil
	p.parked = nil
	p.mu.Unlock()

	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			p.log.Warnw("closing session", "session_id", s.ID(), "error", err)
		}
	}
	return nil
}

// watchParked periodically sweeps parked sessions back into service.
func (p *Pool) watchParked() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		p.sweepParked()
	}
}

func (p *Pool) sweepParked() {
	p.mu.Lock()
	entries := p.parked
	p.parked = nil
	p.mu.Unlock()

	var keep []parkedSession
	for _, e := range entries {
		switch e.s.State() {
		case session.StateReady:
			p.readmit(e.s)
		case session.StateIdle:
			p.recover(e.s, "parked with undrained messages")
		default:
			if time.Since(e.since) < p.busyDeadline {
				keep = append(keep, e)
				continue
			}
			p.log.Warnw("session stuck busy past deadline, forcing reset",
				"session_id", e.s.ID(), "parked_for", time.Since(e.since).String())
			p.recover(e.s, "stuck busy")
		}
	}
	if len(keep) > 0 {
		p.mu.Lock()
		p.parked = append(p.parked, keep...)
		p.mu.Unlock()
	}
}

// recover force-resets a session and readmits it, or drops it when even
// that fails. Either way its pool slot is accounted for.
func (p *Pool) recover(s *session.Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.busyDeadline)
	defer cancel()
	if err := s.ForceReset(ctx); err != nil {
		p.log.Errorw("dropping unrecoverable session",
			"session_id", s.ID(), "reason", reason, "error", err)
		s.Close()
		<-p.sem
		return
	}
	p.readmit(s)
}

func (p *Pool) readmit(s *session.Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		<-p.sem
		return
	}
	p.warm = append(p.warm, s)
	p.mu.Unlock()
	<-p.sem
}
