package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

type fakeFactory struct {
	sessions     atomic.Int32
	failSessions atomic.Bool
	failContexts atomic.Bool
	block        chan struct{}
	blockOn      atomic.Bool
}

func (f *fakeFactory) NewSession(ctx context.Context) (crawler.Session, error) {
	if f.blockOn.Load() {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failSessions.Load() {
		return nil, errors.New("browser launch failed")
	}
	f.sessions.Add(1)
	return &fakeSession{factory: f}, nil
}

type fakeSession struct {
	factory *fakeFactory
	closed  atomic.Bool
}

func (s *fakeSession) NewContext(context.Context) (crawler.BrowsingContext, error) {
	if s.factory.failContexts.Load() {
		return nil, errors.New("target closed")
	}
	return &fakeContext{}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeContext struct {
	dead   atomic.Bool
	closed atomic.Bool
}

func (c *fakeContext) Probe(context.Context) error {
	if c.dead.Load() || c.closed.Load() {
		return errors.New("execution context destroyed")
	}
	return nil
}

func (c *fakeContext) Load(context.Context, string) (crawler.PageResult, error) {
	return crawler.PageResult{StatusCode: 200}, nil
}

func (c *fakeContext) Close() error {
	c.closed.Store(true)
	return errors.New("close failed is ignored")
}

func newTestPool(t *testing.T, size int, factory *fakeFactory, cfg Config) *Manager {
	t.Helper()
	cfg.Size = size
	m, err := New(context.Background(), cfg, factory, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestDefaultSizeClamped(t *testing.T) {
	t.Parallel()

	size := DefaultSize()
	require.GreaterOrEqual(t, size, 2)
	require.LessOrEqual(t, size, 8)
	require.Equal(t, 2, clamp(0, 2, 8))
	require.Equal(t, 8, clamp(32, 2, 8))
	require.Equal(t, 4, clamp(4, 2, 8))
}

func TestNoTwoWorkersHoldTheSameSlot(t *testing.T) {
	t.Parallel()

	m := newTestPool(t, 3, &fakeFactory{}, Config{})
	var (
		mu     sync.Mutex
		inUse  = map[int]bool{}
		shared atomic.Bool
		wg     sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				slot, err := m.Acquire(context.Background())
				if err != nil {
					shared.Store(true)
					return
				}
				mu.Lock()
				if inUse[slot.Index] {
					shared.Store(true)
				}
				inUse[slot.Index] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inUse[slot.Index] = false
				mu.Unlock()
				m.Release(slot)
			}
		}()
	}
	wg.Wait()
	require.False(t, shared.Load())
	require.Zero(t, m.Stats().Busy)
}

func TestAcquireBlocksWhenSaturated(t *testing.T) {
	t.Parallel()

	m := newTestPool(t, 1, &fakeFactory{}, Config{})
	slot, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.Release(slot)
	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, slot.Index, again.Index)
	m.Release(again)
}

func TestValidateAndRecover(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m := newTestPool(t, 1, factory, Config{})
	slot, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, m.Validate(context.Background(), slot))

	old := slot.Context().(*fakeContext)
	old.dead.Store(true)
	require.False(t, m.Validate(context.Background(), slot))

	require.NoError(t, m.Recover(context.Background(), slot))
	require.True(t, m.Validate(context.Background(), slot))
	require.True(t, old.closed.Load())
	require.EqualValues(t, 1, factory.sessions.Load(), "context rebuilt inside the existing session")
	m.Release(slot)
}

func TestRecoverFallsBackToNewSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m := newTestPool(t, 1, factory, Config{})
	slot, err := m.Acquire(context.Background())
	require.NoError(t, err)

	oldSession := slot.session.(*fakeSession)
	oldSession.factory = &fakeFactory{}
	oldSession.factory.failContexts.Store(true)

	require.NoError(t, m.Recover(context.Background(), slot))
	require.True(t, oldSession.closed.Load())
	require.EqualValues(t, 2, factory.sessions.Load())
	m.Release(slot)
}

func TestRepeatedRecoveryFailureRetiresSlot(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m := newTestPool(t, 2, factory, Config{MaxRecoverFailures: 3})
	ctx := context.Background()

	first, err := m.Acquire(ctx)
	require.NoError(t, err)
	factory.failSessions.Store(true)
	factory.failContexts.Store(true)

	for i := 0; i < 2; i++ {
		var slotErr *crawler.SlotInvalidError
		require.ErrorAs(t, m.Recover(ctx, first), &slotErr)
	}
	require.Equal(t, 2, m.Stats().Live)
	require.Error(t, m.Recover(ctx, first))
	require.Equal(t, 1, m.Stats().Live)
	m.Release(first)

	second, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.Index, second.Index)
	for i := 0; i < 3; i++ {
		require.Error(t, m.Recover(ctx, second))
	}
	m.Release(second)

	_, err = m.Acquire(ctx)
	var fatal *crawler.FatalPoolError
	require.ErrorAs(t, err, &fatal)
}

func TestRecycleKeepsInFlightSlotsUntilRelease(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m := newTestPool(t, 2, factory, Config{})
	leased, err := m.Acquire(context.Background())
	require.NoError(t, err)
	inFlight := leased.Context().(*fakeContext)

	m.RecycleAll(context.Background())
	stats := m.Stats()
	require.EqualValues(t, 1, stats.Generation)
	require.Equal(t, 1, stats.Recycles)
	require.EqualValues(t, 3, factory.sessions.Load(), "only the idle slot is rebuilt")
	require.False(t, inFlight.closed.Load())
	require.NoError(t, inFlight.Probe(context.Background()))

	m.Release(leased)
	require.True(t, inFlight.closed.Load())
	require.EqualValues(t, 4, factory.sessions.Load())
}

func TestAcquireWaitsWhileRecycling(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{block: make(chan struct{})}
	m := newTestPool(t, 1, factory, Config{})
	factory.blockOn.Store(true)

	m.RequestRecycle()
	require.Eventually(t, func() bool { return m.Stats().Recycling }, time.Second, 5*time.Millisecond)

	got := make(chan *Slot, 1)
	go func() {
		slot, err := m.Acquire(context.Background())
		if err == nil {
			got <- slot
		}
	}()
	require.Never(t, func() bool { return len(got) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	factory.blockOn.Store(false)
	close(factory.block)
	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, 5*time.Millisecond)
	m.Release(<-got)
}

func TestNoteCompletionTriggersRecycle(t *testing.T) {
	t.Parallel()

	m := newTestPool(t, 2, &fakeFactory{}, Config{RecycleEvery: 3})
	m.NoteCompletion()
	m.NoteCompletion()
	require.Zero(t, m.Stats().Recycles)
	m.NoteCompletion()
	require.Eventually(t, func() bool { return m.Stats().Recycles == 1 }, time.Second, 5*time.Millisecond)
}

func TestNewRetiresFailedBuilds(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	factory.failSessions.Store(true)
	_, err := New(context.Background(), Config{Size: 2}, factory, nil)
	var fatal *crawler.FatalPoolError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, 2, fatal.Retired)
}

func TestCloseRejectsAcquire(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m, err := New(context.Background(), Config{Size: 2}, factory, nil)
	require.NoError(t, err)
	leased, err := m.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	sess := leased.session.(*fakeSession)
	m.Release(leased)
	require.True(t, sess.closed.Load())
}
