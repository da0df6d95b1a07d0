package scheduler

import (
	"time"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Status is the externally visible view of a batch.
type Status struct {
	BatchID          string              `json:"batchId"`
	IsRunning        bool                `json:"isRunning"`
	Status           crawler.BatchStatus `json:"status"`
	Progress         float64             `json:"progress"`
	CompletedTasks   int                 `json:"completedTasks"`
	FailedTasks      int                 `json:"failedTasks"`
	TotalTasks       int                 `json:"totalTasks"`
	CurrentPartition string              `json:"currentPartition,omitempty"`
	Partitions       []string            `json:"partitions"`
	ResumedFrom      int                 `json:"resumedFrom,omitempty"`
	StartedAt        time.Time           `json:"startedAt"`
	EndedAt          *time.Time          `json:"endedAt,omitempty"`
	Error            string              `json:"error,omitempty"`
}

func newStatus(b crawler.Batch) Status {
	return Status{
		BatchID:          b.ID,
		IsRunning:        b.Status == crawler.BatchStatusRunning,
		Status:           b.Status,
		Progress:         b.Progress(),
		CompletedTasks:   b.Completed,
		FailedTasks:      b.Failed,
		TotalTasks:       b.Total,
		CurrentPartition: b.CurrentPartition,
		Partitions:       b.Partitions,
		ResumedFrom:      b.ResumedFrom,
		StartedAt:        b.StartedAt,
		EndedAt:          b.EndedAt,
		Error:            b.Error,
	}
}
