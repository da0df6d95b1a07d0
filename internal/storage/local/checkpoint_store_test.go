package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := New(Config{Dir: dir})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Load(ctx, "abc")
	require.True(t, errors.Is(err, store.ErrNotFound))

	now := time.Unix(1700000000, 0).UTC()
	cp := crawler.Checkpoint{Key: "abc", Offset: 250, TotalProcessed: 250, SnapshotAt: now, Timestamp: now}
	require.NoError(t, s.Save(ctx, cp))
	cp.Offset = 300
	require.NoError(t, s.Save(ctx, cp))

	loaded, err := s.Load(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, cp, loaded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not linger")

	require.NoError(t, s.Delete(ctx, "abc"))
	require.NoError(t, s.Delete(ctx, "abc"))
	_, err = s.Load(ctx, "abc")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCheckpointStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	err = s.Save(context.Background(), crawler.Checkpoint{Key: "../escape"})
	require.Error(t, err)
}

func TestNewRequiresDirectory(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(Config{Dir: file})
	require.Error(t, err)
}
