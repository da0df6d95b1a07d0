// Package scheduler runs batches: it pages unresolved tasks partition by
// partition, admits them to the worker pool one free slot at a time, keeps
// per-partition counters and checkpoints the paging offset so an interrupted
// batch resumes where it stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/pool"
	"github.com/JakeFAU/contact-harvester/internal/progress"
	"github.com/JakeFAU/contact-harvester/internal/store"
	"github.com/JakeFAU/contact-harvester/internal/worker"
)

var (
	// ErrBatchNotFound is returned for unknown batch ids.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchNotRunning is returned when stopping a finished batch.
	ErrBatchNotRunning = errors.New("batch not running")
	// ErrInvalidRequest wraps every Start validation failure.
	ErrInvalidRequest = errors.New("invalid batch request")
	// ErrBatchAlreadyRunning is returned when a running batch already owns
	// the request's checkpoint.
	ErrBatchAlreadyRunning = errors.New("batch with the same request already running")
)

// Config holds scheduler tuning.
type Config struct {
	PageSize         int           `mapstructure:"page_size" yaml:"page_size"`
	InterTaskDelay   time.Duration `mapstructure:"inter_task_delay" yaml:"inter_task_delay"`
	StopDrainTimeout time.Duration `mapstructure:"stop_drain_timeout" yaml:"stop_drain_timeout"`
	CheckpointMaxAge time.Duration `mapstructure:"-" yaml:"-"`
	// MaxRequeues bounds how often one task may go back to the queue before
	// it is recorded as failed.
	MaxRequeues int `mapstructure:"max_requeues" yaml:"max_requeues"`
	// PersistTimeout bounds each counter, checkpoint and final batch write.
	PersistTimeout time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.InterTaskDelay < 0 {
		c.InterTaskDelay = 0
	}
	if c.StopDrainTimeout <= 0 {
		c.StopDrainTimeout = 5 * time.Minute
	}
	if c.CheckpointMaxAge <= 0 {
		c.CheckpointMaxAge = 24 * time.Hour
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 3
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
}

// SlotPool is the part of the worker pool the scheduler drives.
type SlotPool interface {
	Acquire(ctx context.Context) (*pool.Slot, error)
	Release(slot *pool.Slot)
	NoteCompletion()
	Size() int
}

// Executor runs one task on one slot.
type Executor interface {
	Execute(ctx context.Context, slot *pool.Slot, batchID string, task crawler.Task) worker.Result
}

// Keyer derives a stable key from ordered parts.
type Keyer interface {
	Key(parts ...string) string
}

// Deps are the scheduler's collaborators. Progress may be nil.
type Deps struct {
	Pool        SlotPool
	Executor    Executor
	Tasks       store.TaskStore
	Checkpoints store.CheckpointStore
	Progress    progress.Emitter
	Keyer       Keyer
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
}

// Scheduler owns every batch run in the process.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
	// keys holds the checkpoint keys of live runs.
	keys map[string]struct{}
}

// New validates deps and builds a Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("scheduler requires a slot pool")
	case deps.Executor == nil:
		return nil, errors.New("scheduler requires an executor")
	case deps.Tasks == nil:
		return nil, errors.New("scheduler requires a task store")
	case deps.Checkpoints == nil:
		return nil, errors.New("scheduler requires a checkpoint store")
	case deps.Keyer == nil || deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("scheduler requires keyer, clock and id generator")
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, deps: deps, logger: logger, runs: map[string]*run{}, keys: map[string]struct{}{}}, nil
}

// Start validates the request, resolves any fresh checkpoint, persists the
// new batch and runs it in the background. The batch outlives ctx; use Stop
// to end it. A request whose checkpoint is owned by a running batch is
// refused with ErrBatchAlreadyRunning.
func (s *Scheduler) Start(ctx context.Context, partitions []string, opts crawler.BatchOptions) (string, error) {
	parts, err := normalizePartitions(partitions)
	if err != nil {
		return "", err
	}
	if opts.PageSize <= 0 {
		opts.PageSize = s.cfg.PageSize
	}
	if opts.InterTaskDelay <= 0 {
		opts.InterTaskDelay = s.cfg.InterTaskDelay
	}
	if opts.MinQualityScore < 0 {
		return "", fmt.Errorf("%w: min quality score must be >= 0", ErrInvalidRequest)
	}
	if opts.MaxTasks < 0 {
		return "", fmt.Errorf("%w: max tasks must be >= 0", ErrInvalidRequest)
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new batch id: %w", err)
	}
	now := s.deps.Clock.Now()
	key := s.checkpointKey(parts, opts)
	if !s.claimKey(key) {
		return "", fmt.Errorf("%w: %s", ErrBatchAlreadyRunning, key)
	}
	started := false
	defer func() {
		if !started {
			s.releaseKey(key)
		}
	}()

	resume, err := s.loadCheckpoint(ctx, key, now)
	if err != nil {
		return "", err
	}
	snapshot := now
	if resume != nil && !resume.SnapshotAt.IsZero() {
		snapshot = resume.SnapshotAt
	}

	r := newRun(id, key, parts, opts, snapshot, now, resume)
	if err := s.size(ctx, r); err != nil {
		return "", err
	}
	if err := s.deps.Tasks.UpsertBatch(ctx, r.batch); err != nil {
		return "", fmt.Errorf("persist batch: %w", err)
	}
	for _, p := range r.order {
		if err := s.deps.Tasks.UpsertPartitionProgress(ctx, *r.parts[p]); err != nil {
			return "", fmt.Errorf("persist partition progress: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	admitCtx, stopAdmit := context.WithCancel(runCtx)
	r.cancel, r.stopAdmit, r.admitCtx = cancel, stopAdmit, admitCtx

	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()
	started = true

	s.logger.Info("batch started",
		zap.String("batch_id", id),
		zap.Strings("partitions", parts),
		zap.Int("total", r.batch.Total),
		zap.Int("resumed_from", r.batch.ResumedFrom),
	)
	s.emit(progress.Event{BatchID: id, TS: now, Stage: progress.StageBatchStart, Total: r.batch.Total})

	go s.execute(runCtx, r)
	return id, nil
}

func (s *Scheduler) claimKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *Scheduler) releaseKey(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

func normalizePartitions(partitions []string) ([]string, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: at least one partition is required", ErrInvalidRequest)
	}
	out := make([]string, 0, len(partitions))
	for _, p := range partitions {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: partition names must not be empty", ErrInvalidRequest)
		}
		if slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// checkpointKey identifies a batch by its filters and partition order, so a
// rerun with the same request resumes the same checkpoint.
func (s *Scheduler) checkpointKey(partitions []string, opts crawler.BatchOptions) string {
	return keyFor(s.deps.Keyer, partitions, opts)
}

// CheckpointKey returns the key Start would use for the request, applying
// defaultPageSize when opts leaves it unset.
func CheckpointKey(keyer Keyer, partitions []string, opts crawler.BatchOptions, defaultPageSize int) (string, error) {
	parts, err := normalizePartitions(partitions)
	if err != nil {
		return "", err
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return keyFor(keyer, parts, opts), nil
}

func keyFor(keyer Keyer, partitions []string, opts crawler.BatchOptions) string {
	cats := append([]string(nil), opts.Categories...)
	slices.Sort(cats)
	parts := []string{
		"categories=" + strings.Join(cats, ","),
		"min_quality=" + strconv.FormatFloat(opts.MinQualityScore, 'f', -1, 64),
		"page_size=" + strconv.Itoa(opts.PageSize),
		"max_tasks=" + strconv.Itoa(opts.MaxTasks),
	}
	parts = append(parts, partitions...)
	return keyer.Key(parts...)
}

func (s *Scheduler) loadCheckpoint(ctx context.Context, key string, now time.Time) (*crawler.Checkpoint, error) {
	cp, err := s.deps.Checkpoints.Load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !cp.Fresh(now, s.cfg.CheckpointMaxAge) {
		s.logger.Info("discarding stale checkpoint",
			zap.String("key", key), zap.Time("saved_at", cp.Timestamp))
		if err := s.deps.Checkpoints.Delete(ctx, key); err != nil {
			s.logger.Warn("delete stale checkpoint failed", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	s.logger.Info("resuming from checkpoint",
		zap.String("key", key),
		zap.Int("partition_index", cp.PartitionIndex),
		zap.Int("offset", cp.Offset),
		zap.Int("total_processed", cp.TotalProcessed),
	)
	return &cp, nil
}

// size counts the remaining tasks per partition from the resume point on.
func (s *Scheduler) size(ctx context.Context, r *run) error {
	budget := r.batch.Options.MaxTasks
	total := 0
	for i, p := range r.order {
		remaining := 0
		if i >= r.startPartition {
			n, err := s.deps.Tasks.CountTasks(ctx, r.filter(p))
			if err != nil {
				return fmt.Errorf("count tasks for %s: %w", p, err)
			}
			remaining = n
			if i == r.startPartition {
				remaining = max(n-r.startOffset, 0)
			}
		}
		if budget > 0 {
			remaining = min(remaining, budget-total)
		}
		r.parts[p].Total = remaining
		total += remaining
	}
	r.batch.Total = total
	return nil
}

// Stop sets the batch's stop flag. In-flight tasks drain in the background for
// up to the configured grace period.
func (s *Scheduler) Stop(ctx context.Context, batchID string) error {
	s.mu.Lock()
	r, ok := s.runs[batchID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.lookup(ctx, batchID); err != nil {
			return err
		}
		return ErrBatchNotRunning
	}
	if !r.requestStop() {
		return ErrBatchNotRunning
	}
	s.logger.Info("batch stop requested", zap.String("batch_id", batchID))
	return nil
}

// Status reports the live view of a running batch or the stored view of a
// finished one.
func (s *Scheduler) Status(ctx context.Context, batchID string) (Status, error) {
	s.mu.Lock()
	r, ok := s.runs[batchID]
	s.mu.Unlock()
	if ok {
		return newStatus(r.snapshot()), nil
	}
	batch, err := s.lookup(ctx, batchID)
	if err != nil {
		return Status{}, err
	}
	return newStatus(batch), nil
}

func (s *Scheduler) lookup(ctx context.Context, batchID string) (crawler.Batch, error) {
	batch, err := s.deps.Tasks.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return crawler.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// Wait blocks until the batch finishes or ctx ends, then returns its status.
func (s *Scheduler) Wait(ctx context.Context, batchID string) (Status, error) {
	s.mu.Lock()
	r, ok := s.runs[batchID]
	s.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return newStatus(r.snapshot()), fmt.Errorf("wait for batch: %w", ctx.Err())
		}
	}
	return s.Status(ctx, batchID)
}

// List returns stored batches, overlaid with live counters for the ones this
// process is running.
func (s *Scheduler) List(ctx context.Context, limit, offset int) ([]Status, error) {
	batches, err := s.deps.Tasks.ListBatches(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]Status, 0, len(batches))
	for _, b := range batches {
		s.mu.Lock()
		r, ok := s.runs[b.ID]
		s.mu.Unlock()
		if ok {
			b = r.snapshot()
		}
		out = append(out, newStatus(b))
	}
	return out, nil
}

// Shutdown stops every running batch and waits for them to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	for _, r := range runs {
		r.requestStop()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			for _, r := range runs {
				r.cancel()
			}
			return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.deps.Progress != nil {
		s.deps.Progress.Emit(evt)
	}
}
