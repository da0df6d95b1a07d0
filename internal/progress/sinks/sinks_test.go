package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/contact-harvester/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{BatchID: "b1", TS: now, Stage: progress.StageBatchStart, Total: 10},
		{BatchID: "b1", TaskID: "t1", TS: now, Stage: progress.StageTaskDone},
		{BatchID: "b1", TaskID: "t2", TS: now, Stage: progress.StageTaskFailed, Note: "timeout"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "BATCH_START", entries[0].ContextMap()["stage"])
	require.Equal(t, "timeout", entries[1].ContextMap()["note"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestCallbackSinkFiltersByBatch(t *testing.T) {
	t.Parallel()

	var got []progress.Stage
	sink := NewCallbackSink("b1", func(evt progress.Event) { got = append(got, evt.Stage) })

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{BatchID: "b1", TaskID: "t1", TS: now, Stage: progress.StageTaskDone},
		{BatchID: "b2", TaskID: "t2", TS: now, Stage: progress.StageTaskDone},
		{TS: now, Stage: progress.StageRotation},
	}))
	require.Equal(t, []progress.Stage{progress.StageTaskDone, progress.StageRotation}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sink.Consume(ctx, []progress.Event{{BatchID: "b1", TS: now, Stage: progress.StageBatchDone}}))
}
