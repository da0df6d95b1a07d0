package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{name: "batch start", evt: Event{BatchID: "b", TS: now, Stage: StageBatchStart}, ok: true},
		{name: "rotation without batch", evt: Event{TS: now, Stage: StageRotation}, ok: true},
		{name: "task done", evt: Event{BatchID: "b", TaskID: "t", TS: now, Stage: StageTaskDone}, ok: true},
		{name: "missing timestamp", evt: Event{BatchID: "b", Stage: StageBatchDone}},
		{name: "missing batch", evt: Event{TS: now, Stage: StageBatchStopped}},
		{name: "task without id", evt: Event{BatchID: "b", TS: now, Stage: StageTaskFailed}},
		{name: "unknown stage", evt: Event{BatchID: "b", TS: now, Stage: "NOPE"}},
		{name: "negative duration", evt: Event{BatchID: "b", TS: now, Stage: StageBatchDone, Dur: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestStageBatchEnd(t *testing.T) {
	t.Parallel()

	require.True(t, StageBatchDone.BatchEnd())
	require.True(t, StageBatchStopped.BatchEnd())
	require.False(t, StageBatchStart.BatchEnd())
	require.False(t, StageTaskDone.BatchEnd())
}
