// Package memory provides in-memory stores for local development and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// TaskStore implements store.TaskStore in memory.
type TaskStore struct {
	mu         sync.RWMutex
	tasks      []crawler.Task
	results    map[string]crawler.Outcome
	batches    map[string]crawler.Batch
	partitions map[string]map[string]crawler.PartitionProgress
	failures   map[string][]crawler.TaskFailure
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		results:    make(map[string]crawler.Outcome),
		batches:    make(map[string]crawler.Batch),
		partitions: make(map[string]map[string]crawler.PartitionProgress),
		failures:   make(map[string][]crawler.TaskFailure),
	}
}

// AddTasks appends tasks to the source list; insertion order is page order.
func (s *TaskStore) AddTasks(tasks ...crawler.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, tasks...)
}

// PageTasks returns matching tasks in insertion order.
func (s *TaskStore) PageTasks(
	_ context.Context,
	filter crawler.TaskFilter,
	limit, offset int,
) ([]crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.matchLocked(filter)
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]crawler.Task(nil), matched[offset:end]...), nil
}

// CountTasks returns the number of matching tasks.
func (s *TaskStore) CountTasks(_ context.Context, filter crawler.TaskFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchLocked(filter)), nil
}

func (s *TaskStore) matchLocked(filter crawler.TaskFilter) []crawler.Task {
	var out []crawler.Task
	for _, task := range s.tasks {
		if filter.Partition != "" && task.Partition != filter.Partition {
			continue
		}
		if len(filter.Categories) > 0 && !slices.Contains(filter.Categories, task.Category) {
			continue
		}
		if task.QualityScore < filter.MinQualityScore {
			continue
		}
		if res, ok := s.results[task.ID]; ok {
			if filter.ResolvedBefore.IsZero() || res.ResolvedAt.Before(filter.ResolvedBefore) {
				continue
			}
		}
		out = append(out, task)
	}
	return out
}

// RecordResult upserts the outcome keyed by task id.
func (s *TaskStore) RecordResult(_ context.Context, outcome crawler.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome.Emails = append([]string(nil), outcome.Emails...)
	s.results[outcome.TaskID] = outcome
	return nil
}

// Result returns the stored outcome for a task.
func (s *TaskStore) Result(taskID string) (crawler.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[taskID]
	return res, ok
}

// ResultCount returns the number of stored outcomes.
func (s *TaskStore) ResultCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// UpsertBatch stores a copy of the batch.
func (s *TaskStore) UpsertBatch(_ context.Context, batch crawler.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.Partitions = append([]string(nil), batch.Partitions...)
	s.batches[batch.ID] = batch
	return nil
}

// UpsertPartitionProgress replaces the (batch, partition) counters.
func (s *TaskStore) UpsertPartitionProgress(_ context.Context, progress crawler.PartitionProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPartition, ok := s.partitions[progress.BatchID]
	if !ok {
		byPartition = make(map[string]crawler.PartitionProgress)
		s.partitions[progress.BatchID] = byPartition
	}
	byPartition[progress.Partition] = progress
	return nil
}

// RecordTaskFailure appends to the batch failure log.
func (s *TaskStore) RecordTaskFailure(_ context.Context, failure crawler.TaskFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[failure.BatchID] = append(s.failures[failure.BatchID], failure)
	return nil
}

// GetBatch fetches a batch by ID.
func (s *TaskStore) GetBatch(_ context.Context, batchID string) (crawler.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return crawler.Batch{}, store.ErrNotFound
	}
	return batch, nil
}

// ListBatches returns batches newest first.
func (s *TaskStore) ListBatches(_ context.Context, limit, offset int) ([]crawler.Batch, error) {
	s.mu.RLock()
	all := make([]crawler.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		all = append(all, b)
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	return window(all, limit, offset), nil
}

// ListPartitionProgress returns the partitions of a batch sorted by name.
func (s *TaskStore) ListPartitionProgress(_ context.Context, batchID string) ([]crawler.PartitionProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPartition := s.partitions[batchID]
	out := make([]crawler.PartitionProgress, 0, len(byPartition))
	for _, p := range byPartition {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// ListTaskFailures returns failures in the order they were recorded.
func (s *TaskStore) ListTaskFailures(
	_ context.Context,
	batchID string,
	limit, offset int,
) ([]crawler.TaskFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return window(append([]crawler.TaskFailure(nil), s.failures[batchID]...), limit, offset), nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ store.TaskStore = (*TaskStore)(nil)
