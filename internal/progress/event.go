package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart   Stage = "BATCH_START"
	StageBatchDone    Stage = "BATCH_DONE"
	StageBatchError   Stage = "BATCH_ERROR"
	StageBatchStopped Stage = "BATCH_STOPPED"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskFailed   Stage = "TASK_FAILED"
	StageTaskRequeued Stage = "TASK_REQUEUED"
	StageRotation     Stage = "ROTATION"
)

// BatchEnd reports whether s closes a batch.
func (s Stage) BatchEnd() bool {
	switch s {
	case StageBatchDone, StageBatchError, StageBatchStopped:
		return true
	default:
		return false
	}
}

func (s Stage) task() bool {
	switch s {
	case StageTaskDone, StageTaskFailed, StageTaskRequeued:
		return true
	default:
		return false
	}
}

// Event captures a single milestone of a batch run.
type Event struct {
	// BatchID is empty only for process-wide events such as ROTATION.
	BatchID   string
	TS        time.Time
	Stage     Stage
	Partition string
	TaskID    string
	// URL is the task's primary URL; it should not contain credentials.
	URL      string
	Attempts int
	// Emails is the number of addresses a completed task yielded.
	Emails int
	// Total is the batch size on BATCH_START.
	Total int
	// Dur is the task or batch wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
	// Dropped is set on batch end events to the number of the batch's events
	// shed under backpressure.
	Dropped int
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch {
	case e.Stage == StageRotation:
	case e.Stage == StageBatchStart || e.Stage.BatchEnd():
		if e.BatchID == "" {
			return errors.New("batch id is required")
		}
	case e.Stage.task():
		if e.BatchID == "" {
			return errors.New("batch id is required")
		}
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
