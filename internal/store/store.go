package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskStore is the persistence collaborator of the scheduler and workers.
type TaskStore interface {
	// PageTasks returns up to limit unresolved tasks matching filter in a
	// stable order, starting at offset.
	PageTasks(ctx context.Context, filter crawler.TaskFilter, limit, offset int) ([]crawler.Task, error)
	// CountTasks returns how many tasks PageTasks would walk for filter.
	CountTasks(ctx context.Context, filter crawler.TaskFilter) (int, error)
	// RecordResult stores the outcome; repeated calls for one task id keep a
	// single row.
	RecordResult(ctx context.Context, outcome crawler.Outcome) error
	UpsertBatch(ctx context.Context, batch crawler.Batch) error
	UpsertPartitionProgress(ctx context.Context, progress crawler.PartitionProgress) error
	RecordTaskFailure(ctx context.Context, failure crawler.TaskFailure) error

	// GetBatch loads one batch or returns ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (crawler.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]crawler.Batch, error)
	ListPartitionProgress(ctx context.Context, batchID string) ([]crawler.PartitionProgress, error)
	ListTaskFailures(ctx context.Context, batchID string, limit, offset int) ([]crawler.TaskFailure, error)
}

// CheckpointStore persists resume points keyed by batch signature.
type CheckpointStore interface {
	// Load returns ErrNotFound when no checkpoint exists for key.
	Load(ctx context.Context, key string) (crawler.Checkpoint, error)
	Save(ctx context.Context, checkpoint crawler.Checkpoint) error
	Delete(ctx context.Context, key string) error
}
