package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

func seedTasks(s *TaskStore, n int, partition string) {
	for i := 0; i < n; i++ {
		s.AddTasks(crawler.Task{
			ID:           partition + "-" + string(rune('a'+i)),
			PrimaryURL:   "https://example.com",
			Partition:    partition,
			Category:     "dentist",
			QualityScore: float64(i),
		})
	}
}

func TestTaskStorePagesWithFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	seedTasks(s, 5, "TX")
	seedTasks(s, 3, "CA")

	page, err := s.PageTasks(ctx, crawler.TaskFilter{Partition: "TX"}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "TX-c", page[0].ID)

	count, err := s.CountTasks(ctx, crawler.TaskFilter{Partition: "TX", MinQualityScore: 3})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = s.CountTasks(ctx, crawler.TaskFilter{Categories: []string{"lawyer"}})
	require.NoError(t, err)
	require.Zero(t, count)

	page, err = s.PageTasks(ctx, crawler.TaskFilter{Partition: "CA"}, 10, 5)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestTaskStoreResolvedSnapshotKeepsOffsetsStable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	seedTasks(s, 4, "TX")
	snapshot := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.RecordResult(ctx, crawler.Outcome{TaskID: "TX-a", ResolvedAt: snapshot.Add(-time.Hour)}))
	require.NoError(t, s.RecordResult(ctx, crawler.Outcome{TaskID: "TX-b", ResolvedAt: snapshot.Add(time.Minute)}))

	count, err := s.CountTasks(ctx, crawler.TaskFilter{Partition: "TX", ResolvedBefore: snapshot})
	require.NoError(t, err)
	require.Equal(t, 3, count, "resolved during the run still counts")

	count, err = s.CountTasks(ctx, crawler.TaskFilter{Partition: "TX"})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestTaskStoreRecordResultIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	require.NoError(t, s.RecordResult(ctx, crawler.Outcome{TaskID: "t1", Emails: []string{"a@b.com"}}))
	require.NoError(t, s.RecordResult(ctx, crawler.Outcome{TaskID: "t1", Emails: []string{"c@d.com"}}))

	require.Equal(t, 1, s.ResultCount())
	res, ok := s.Result("t1")
	require.True(t, ok)
	require.Equal(t, []string{"c@d.com"}, res.Emails)
}

func TestTaskStoreBatchReadSide(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTaskStore()
	_, err := s.GetBatch(ctx, "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))

	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.UpsertBatch(ctx, crawler.Batch{ID: "old", StartedAt: base}))
	require.NoError(t, s.UpsertBatch(ctx, crawler.Batch{ID: "new", StartedAt: base.Add(time.Hour)}))
	batches, err := s.ListBatches(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "new", batches[0].ID)

	require.NoError(t, s.UpsertPartitionProgress(ctx, crawler.PartitionProgress{BatchID: "new", Partition: "TX", Total: 3}))
	require.NoError(t, s.UpsertPartitionProgress(ctx, crawler.PartitionProgress{BatchID: "new", Partition: "TX", Total: 3, Completed: 1}))
	require.NoError(t, s.UpsertPartitionProgress(ctx, crawler.PartitionProgress{BatchID: "new", Partition: "CA", Total: 1}))
	parts, err := s.ListPartitionProgress(ctx, "new")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "CA", parts[0].Partition)
	require.Equal(t, 1, parts[1].Completed)

	require.NoError(t, s.RecordTaskFailure(ctx, crawler.TaskFailure{BatchID: "new", TaskID: "t1"}))
	require.NoError(t, s.RecordTaskFailure(ctx, crawler.TaskFailure{BatchID: "new", TaskID: "t2"}))
	failures, err := s.ListTaskFailures(ctx, "new", 10, 1)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "t2", failures[0].TaskID)
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCheckpointStore()
	_, err := s.Load(ctx, "k")
	require.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Save(ctx, crawler.Checkpoint{Key: "k", Offset: 250, TotalProcessed: 250}))
	cp, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 250, cp.Offset)

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Load(ctx, "k")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestLoadTasksFromJSONLines(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	n, err := s.LoadTasks(strings.NewReader(`{"id":"a","url":"a.example","partition":"TX","quality_score":4}
{"id":"b","url":"https://b.example","fallback_urls":["b.example/contact","ftp://bad"],"partition":"TX"}
`))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	tasks, err := s.PageTasks(context.Background(), crawler.TaskFilter{Partition: "TX"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "https://a.example", tasks[0].PrimaryURL)
	require.InDelta(t, 4.0, tasks[0].QualityScore, 1e-9)
	require.Equal(t, []string{"https://b.example/contact"}, tasks[1].FallbackURLs)

	_, err = s.LoadTasks(strings.NewReader(`{"id":"","url":"x.example"}`))
	require.ErrorContains(t, err, "task record 1")
}
