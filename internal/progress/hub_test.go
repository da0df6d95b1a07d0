package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	// gate, when set, holds every Consume until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	if s.gate != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

var t0 = time.Unix(1700000000, 0).UTC()

func batchEvent(batchID string, stage Stage) Event {
	return Event{BatchID: batchID, TS: t0, Stage: stage, Total: 3}
}

func taskEvent(batchID, taskID string, stage Stage) Event {
	return Event{BatchID: batchID, TaskID: taskID, TS: t0, Stage: stage, Partition: "TX"}
}

func stagesOf(events []Event) []Stage {
	out := make([]Stage, 0, len(events))
	for _, e := range events {
		out = append(out, e.Stage)
	}
	return out
}

func TestHubKeepsBatchEndUnderBackpressure(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(batchEvent("b1", StageBatchStart))
	<-sink.entered // the sink is now stuck on BATCH_START

	for i := range 5 {
		hub.Emit(taskEvent("b1", fmt.Sprintf("t%d", i), StageTaskDone))
	}
	hub.Emit(batchEvent("b1", StageBatchDone))
	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))

	got := sink.events()
	require.Equal(t, []Stage{StageBatchStart, StageTaskDone, StageTaskDone, StageBatchDone}, stagesOf(got))
	require.Equal(t, "t0", got[1].TaskID)
	require.Equal(t, "t1", got[2].TaskID)
	require.Equal(t, 3, got[3].Dropped)
	require.True(t, sink.closed)
}

func TestHubShedsOnlyTaskEventsPerBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 10, MaxBatchWait: time.Minute}, sink)

	hub.Emit(batchEvent("a", StageBatchStart))
	hub.Emit(batchEvent("a", StageBatchStopped))
	<-sink.entered

	hub.Emit(batchEvent("b", StageBatchStart))
	hub.Emit(batchEvent("c", StageBatchStart))
	hub.Emit(taskEvent("b", "b1", StageTaskFailed))
	hub.Emit(taskEvent("c", "c1", StageTaskDone))
	hub.Emit(taskEvent("c", "c2", StageTaskDone))
	hub.Emit(batchEvent("b", StageBatchError))
	hub.Emit(batchEvent("c", StageBatchDone))
	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))

	got := sink.events()
	require.Equal(t, []Stage{
		StageBatchStart, StageBatchStopped,
		StageBatchStart, StageBatchStart, StageTaskFailed, StageBatchError, StageBatchDone,
	}, stagesOf(got))
	require.Zero(t, got[1].Dropped)
	require.Zero(t, got[5].Dropped)
	require.Equal(t, "c", got[6].BatchID)
	require.Equal(t, 2, got[6].Dropped)
}

func TestHubFlushesFullBatches(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(taskEvent("b1", "t1", StageTaskDone))
	hub.Emit(taskEvent("b1", "t2", StageTaskRequeued))
	require.Eventually(t, func() bool {
		return len(sink.events()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesAfterMaxWait(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(taskEvent("b1", "t1", StageTaskDone))
	require.Eventually(t, func() bool {
		return sink.batchCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubReportsBatchEndWithoutWaiting(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(taskEvent("b1", "t1", StageTaskDone))
	hub.Emit(batchEvent("b1", StageBatchDone))
	require.Eventually(t, func() bool {
		got := sink.events()
		return len(got) == 2 && got[1].Stage == StageBatchDone
	}, time.Second, 5*time.Millisecond)
}

func TestHubCloseDeliversQueuedEventsInOrder(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)

	want := []Stage{StageBatchStart, StageTaskDone, StageTaskFailed, StageTaskRequeued, StageTaskDone}
	for i, stage := range want {
		if stage == StageBatchStart {
			hub.Emit(batchEvent("b1", stage))
			continue
		}
		hub.Emit(taskEvent("b1", fmt.Sprintf("t%d", i), stage))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, want, stagesOf(sink.events()))
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: StageTaskDone})
	hub.Emit(Event{BatchID: "b1", TS: t0, Stage: StageTaskDone})
	hub.Emit(taskEvent("b1", "t1", StageTaskDone))
	require.NoError(t, hub.Close(context.Background()))

	got := sink.events()
	require.Len(t, got, 1)
	require.Equal(t, "t1", got[0].TaskID)
}

func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(batchEvent("b1", StageBatchDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.events())

	var nilHub *Hub
	nilHub.Emit(batchEvent("b1", StageBatchDone))
	require.NoError(t, nilHub.Close(context.Background()))
}

func TestHubCloseHonorsContext(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(batchEvent("b1", StageBatchStart))
	<-sink.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hub.Close(ctx), context.DeadlineExceeded)

	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))
}
