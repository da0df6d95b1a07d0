package rotation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	ok    atomic.Bool
	real  bool
	calls atomic.Int32
}

func newFakeController(ok, real bool) *fakeController {
	f := &fakeController{real: real}
	f.ok.Store(ok)
	return f
}

func (f *fakeController) Rotate(context.Context) bool {
	f.calls.Add(1)
	return f.ok.Load()
}

func (f *fakeController) CurrentStatus(context.Context) bool { return true }
func (f *fakeController) Real() bool                         { return f.real }

func newTestCoordinator(ctrl *fakeController) (*Coordinator, *time.Time) {
	c := New(Config{SimulatedCooldown: 30 * time.Second}, ctrl, zap.NewNop())
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestIsBlockedDefinitive(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(newFakeController(true, false))
	require.True(t, c.IsBlocked(403, ""))
	require.True(t, c.IsBlocked(429, ""))
	require.True(t, c.IsBlocked(200, "Please solve this CAPTCHA"))
	require.False(t, c.IsBlocked(200, "<html>welcome</html>"))
}

func TestIsBlockedAmbiguousNeedsThreshold(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(newFakeController(true, false))
	require.False(t, c.IsBlocked(200, "are you a robot?"))
	require.False(t, c.IsBlocked(200, "are you a robot?"))
	require.True(t, c.IsBlocked(200, "are you a robot?"))
	require.True(t, c.ShouldRotate())
	require.Equal(t, PhaseRotationRecommended, c.State().Phase)
}

func TestRotateCooldownGating(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController(true, false)
	c, now := newTestCoordinator(ctrl)
	ctx := context.Background()

	require.True(t, c.Rotate(ctx, false))
	c.RegisterBlockSignal()
	before := c.State().BlockCount

	*now = now.Add(10 * time.Second)
	require.False(t, c.Rotate(ctx, false))
	require.Equal(t, before, c.State().BlockCount)
	require.EqualValues(t, 1, ctrl.calls.Load())

	require.True(t, c.Rotate(ctx, true))
	require.Zero(t, c.State().BlockCount)
	require.EqualValues(t, 2, ctrl.calls.Load())

	*now = now.Add(31 * time.Second)
	require.True(t, c.Rotate(ctx, false))
	require.Equal(t, 3, c.State().Rotations)
}

func TestRotateEscalationOverridesCooldown(t *testing.T) {
	t.Parallel()

	c, now := newTestCoordinator(newFakeController(true, false))
	ctx := context.Background()
	require.True(t, c.Rotate(ctx, false))

	*now = now.Add(time.Second)
	for i := 0; i < 8; i++ {
		c.RegisterBlockSignal()
	}
	require.False(t, c.Rotate(ctx, false))
	c.RegisterBlockSignal()
	require.True(t, c.Rotate(ctx, false))
}

func TestRotateFailureLeavesState(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController(false, true)
	c, _ := newTestCoordinator(ctrl)
	c.RegisterBlockSignal()
	c.RegisterBlockSignal()

	require.False(t, c.Rotate(context.Background(), true))
	st := c.State()
	require.Equal(t, 2, st.BlockCount)
	require.True(t, st.LastRotation.IsZero())
	require.Equal(t, 5*time.Minute, st.Cooldown)

	ctrl.ok.Store(true)
	require.True(t, c.Rotate(context.Background(), false))
}

func TestRotateRunsHooks(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(newFakeController(true, true))
	var fired atomic.Int32
	c.OnRotate(func() { fired.Add(1) })
	require.True(t, c.Rotate(context.Background(), true))
	require.EqualValues(t, 1, fired.Load())
}

func TestConcurrentSignalsDoNotRace(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(newFakeController(true, false))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IsBlocked(200, "forbidden")
		}()
	}
	wg.Wait()
	require.Equal(t, 50, c.State().BlockCount)
}
