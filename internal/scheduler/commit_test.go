package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/hash/sha256"
)

func TestCommitTrackerAdvancesInPageOrder(t *testing.T) {
	t.Parallel()

	c := newCommitTracker(200)
	c.open(0, 200, 2)
	c.open(1, 202, 2)
	c.open(2, 204, 1)

	// Later pages finishing first must not move the offset.
	require.False(t, c.done(1))
	require.False(t, c.done(1))
	require.False(t, c.done(2))
	require.Equal(t, 200, c.Offset())

	require.False(t, c.done(0))
	require.True(t, c.done(0))
	require.Equal(t, 205, c.Offset())
	require.Equal(t, 5, c.Committed())

	// Unknown or already committed pages are ignored.
	require.False(t, c.done(0))
	require.False(t, c.done(7))
}

func TestTaskQueueRequeuesToBack(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	q.Push(0, crawler.Task{ID: "a"}, crawler.Task{ID: "b"})
	e, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, "a", e.task.ID)

	q.pushBack(e)
	q.Push(1, crawler.Task{ID: "z"})
	require.Equal(t, 3, q.Len())

	var got []string
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, e.task.ID)
	}
	require.Equal(t, []string{"b", "a", "z"}, got)
}

func TestCheckpointKeyMatchesStart(t *testing.T) {
	t.Parallel()

	keyer := sha256.New()
	f := newFixture(t, 1, executorFunc(completeAll), Config{})

	key, err := CheckpointKey(keyer, []string{"TX", " CA", "TX"}, crawler.BatchOptions{Categories: []string{"b", "a"}}, 100)
	require.NoError(t, err)
	require.Equal(t, f.sched.checkpointKey([]string{"TX", "CA"}, crawler.BatchOptions{
		Categories: []string{"a", "b"},
		PageSize:   100,
	}), key)

	other, err := CheckpointKey(keyer, []string{"CA", "TX"}, crawler.BatchOptions{}, 100)
	require.NoError(t, err)
	require.NotEqual(t, key, other)

	_, err = CheckpointKey(keyer, nil, crawler.BatchOptions{}, 100)
	require.ErrorIs(t, err, ErrInvalidRequest)
}
