package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/casepot/capsule-sub004/engine/basic"
	"github.com/casepot/capsule-sub004/protocol"
	"github.com/casepot/capsule-sub004/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func basicFactory() (*session.Session, error) {
	return session.New(basic.New())
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := New(basicFactory, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return p
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(basicFactory, WithSize(0))
	require.Error(t, err)
}

func TestAcquireWarmBeforeCold(t *testing.T) {
	var constructed int
	factory := func() (*session.Session, error) {
		constructed++
		return basicFactory()
	}
	p, err := New(factory, WithSize(2))
	require.NoError(t, err)
	defer p.Close(context.Background())
	ctx := testCtx(t)

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, constructed)
	p.Release(s1)

	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "a warm session is preferred over cold construction")
	assert.Equal(t, 1, constructed)
	p.Release(s2)
}

func TestAcquireNeverAliasesSessions(t *testing.T) {
	const size = 4
	p := newTestPool(t, WithSize(size))
	ctx := testCtx(t)

	var mu sync.Mutex
	seen := make(map[string]bool)
	sessions := make(chan *session.Session, size)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			s, err := p.Acquire(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			if seen[s.ID()] {
				mu.Unlock()
				return errors.New("two holders acquired the same session")
			}
			seen[s.ID()] = true
			mu.Unlock()
			sessions <- s
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, seen, size)

	stats := p.Stats()
	assert.Equal(t, size, stats.InUse)
	assert.Zero(t, stats.Warm)

	close(sessions)
	for s := range sessions {
		p.Release(s)
	}
	stats = p.Stats()
	assert.Zero(t, stats.InUse)
	assert.Equal(t, size, stats.Warm)
}

func TestAcquireBlocksAtBound(t *testing.T) {
	p := newTestPool(t, WithSize(1))
	ctx := testCtx(t)

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "the bound blocks rather than over-constructing")

	acquired := make(chan *session.Session, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := p.Acquire(gctx)
		if err != nil {
			return err
		}
		acquired <- s
		return nil
	})

	p.Release(s1)
	require.NoError(t, g.Wait())
	assert.Same(t, s1, <-acquired, "a release hands the warm session to the blocked caller")
}

func TestReleaseBusyParksThenRecovers(t *testing.T) {
	p := newTestPool(t,
		WithSize(1),
		WithBusyDeadline(50*time.Millisecond),
		withSweepInterval(20*time.Millisecond),
	)
	ctx := testCtx(t)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Park namespace state to prove the forced reset keeps it.
	handle, err := s.Execute(ctx, "kept = 1")
	require.NoError(t, err)
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	_, err = s.Execute(ctx, `input("never answered: ")`)
	require.NoError(t, err)
	require.Equal(t, session.StateBusy, s.State())

	p.Release(s)
	require.Equal(t, 1, p.Stats().Parked)

	require.Eventually(t, func() bool { return p.Stats().Warm == 1 }, 5*time.Second, 10*time.Millisecond,
		"the watchdog force-resets the stuck session")

	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, s, s2)
	assert.Equal(t, session.StateReady, s2.State())

	handle, err = s2.Execute(ctx, "kept")
	require.NoError(t, err)
	terminal, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResult, terminal.Type)
	assert.Equal(t, "1", terminal.Repr)
	p.Release(s2)
}

func TestReleaseBusyRecoversOnItsOwnDrain(t *testing.T) {
	p := newTestPool(t,
		WithSize(1),
		WithBusyDeadline(10*time.Second),
		withSweepInterval(20*time.Millisecond),
	)
	ctx := testCtx(t)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	handle, err := s.Execute(ctx, `input("pending: ")`)
	require.NoError(t, err)
	msg, err := handle.Next(ctx)
	require.NoError(t, err)

	p.Release(s)
	require.Equal(t, 1, p.Stats().Parked)

	// The execution finishes normally before any deadline; the sweep sees
	// a drained session and readmits it without a reset.
	require.NoError(t, s.SubmitInput(msg.InputID, []byte("5")))
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Stats().Warm == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestReleaseIdleDiscardsStaleQueue(t *testing.T) {
	p := newTestPool(t, WithSize(1))
	ctx := testCtx(t)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = s.Execute(ctx, "1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == session.StateIdle }, time.Second, time.Millisecond)

	p.Release(s)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Warm)
	assert.Zero(t, stats.Parked)
	assert.Equal(t, session.StateReady, s.State())
}

func TestReleaseForeignSessionIgnored(t *testing.T) {
	p := newTestPool(t, WithSize(1))
	foreign, err := basicFactory()
	require.NoError(t, err)
	defer foreign.Close()

	p.Release(foreign)
	assert.Zero(t, p.Stats().Warm)
	assert.Zero(t, p.Stats().InUse)
}

func TestColdConstructionFailureFreesSlot(t *testing.T) {
	fail := true
	factory := func() (*session.Session, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return basicFactory()
	}
	p, err := New(factory, WithSize(1))
	require.NoError(t, err)
	defer p.Close(context.Background())
	ctx := testCtx(t)

	_, err = p.Acquire(ctx)
	require.Error(t, err)

	fail = false
	s, err := p.Acquire(ctx)
	require.NoError(t, err, "a failed cold construction must not consume the bound")
	p.Release(s)
}

func TestCloseUnblocksAcquire(t *testing.T) {
	p, err := New(basicFactory, WithSize(1))
	require.NoError(t, err)
	ctx := testCtx(t)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)

	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := p.Acquire(ctx)
		if !errors.Is(err, ErrClosed) {
			return errors.New("blocked acquire should fail with ErrClosed")
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close(ctx))
	require.NoError(t, g.Wait())

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrClosed)

	// Releasing after close just closes the session.
	p.Release(s)
	_, err = s.Execute(ctx, "1")
	require.ErrorIs(t, err, session.ErrSessionClosed)
}
