package netident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimulatedAlwaysRotates(t *testing.T) {
	t.Parallel()

	s := NewSimulated(zap.NewNop())
	require.True(t, s.Rotate(context.Background()))
	require.True(t, s.Rotate(context.Background()))
	require.True(t, s.CurrentStatus(context.Background()))
	require.False(t, s.Real())
	require.EqualValues(t, 2, s.Rotations())
}

func TestCommandRotate(t *testing.T) {
	t.Parallel()

	c, err := NewCommand(CommandConfig{
		Binary:     "vpnctl",
		RotateArgs: []string{"connect", "--random"},
		StatusArgs: []string{"status"},
	}, zap.NewNop())
	require.NoError(t, err)

	var calls [][]string
	c.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "vpnctl", name)
		calls = append(calls, args)
		return []byte("ok"), nil
	}
	require.True(t, c.Rotate(context.Background()))
	require.Equal(t, [][]string{{"connect", "--random"}, {"status"}}, calls)
	require.True(t, c.Real())

	c.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("auth required"), errors.New("exit status 1")
	}
	require.False(t, c.Rotate(context.Background()))
	require.False(t, c.CurrentStatus(context.Background()))
}

func TestNewCommandRequiresBinary(t *testing.T) {
	t.Parallel()

	_, err := NewCommand(CommandConfig{}, nil)
	require.Error(t, err)
}

func TestProxyListRoundRobinWithQuarantine(t *testing.T) {
	t.Parallel()

	p, err := NewProxyList(ProxyListConfig{
		Proxies:    []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"},
		Quarantine: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }

	require.Equal(t, "http://p1:8080", p.Current())
	require.True(t, p.Rotate(context.Background()))
	require.Equal(t, "http://p2:8080", p.Current())
	require.True(t, p.Rotate(context.Background()))
	require.Equal(t, "http://p3:8080", p.Current())

	// p1 and p2 are quarantined, so the last rotation has nowhere to go
	// and p3 stays usable.
	require.False(t, p.Rotate(context.Background()))
	require.Equal(t, "http://p3:8080", p.Current())
	require.True(t, p.CurrentStatus(context.Background()))

	now = now.Add(2 * time.Minute)
	require.True(t, p.Rotate(context.Background()))
	require.Equal(t, "http://p1:8080", p.Current())
	require.True(t, p.CurrentStatus(context.Background()))
}

func TestProxyListSingleProxyNeverQuarantinesItself(t *testing.T) {
	t.Parallel()

	p, err := NewProxyList(ProxyListConfig{Proxies: []string{"http://only:3128"}}, zap.NewNop())
	require.NoError(t, err)

	require.False(t, p.Rotate(context.Background()))
	require.False(t, p.Rotate(context.Background()))
	require.Equal(t, "http://only:3128", p.Current())
	require.True(t, p.CurrentStatus(context.Background()))
}

func TestNewProxyListRejectsBadURLs(t *testing.T) {
	t.Parallel()

	_, err := NewProxyList(ProxyListConfig{}, nil)
	require.Error(t, err)
	_, err = NewProxyList(ProxyListConfig{Proxies: []string{"::nope"}}, nil)
	require.Error(t, err)
}
