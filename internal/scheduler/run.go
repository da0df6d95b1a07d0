package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/pool"
	"github.com/JakeFAU/contact-harvester/internal/progress"
	"github.com/JakeFAU/contact-harvester/internal/worker"
)

var errStopped = errors.New("batch stopped")

// run is the state of one batch. Counters are guarded by mu; the dispatch
// loop is the only writer.
type run struct {
	key            string
	order          []string
	snapshotAt     time.Time
	startPartition int
	startOffset    int
	// committed counts tasks in committed pages of finished partitions.
	committed int

	mu       sync.Mutex
	batch    crawler.Batch
	parts    map[string]*crawler.PartitionProgress
	stopping bool

	admitCtx  context.Context
	stopAdmit context.CancelFunc
	cancel    context.CancelFunc
	stopCh    chan struct{}
	done      chan struct{}
}

func newRun(
	id, key string,
	partitions []string,
	opts crawler.BatchOptions,
	snapshot, now time.Time,
	resume *crawler.Checkpoint,
) *run {
	r := &run{
		key:        key,
		order:      partitions,
		snapshotAt: snapshot,
		batch: crawler.Batch{
			ID:         id,
			Partitions: partitions,
			Options:    opts,
			Status:     crawler.BatchStatusRunning,
			StartedAt:  now,
		},
		parts:  make(map[string]*crawler.PartitionProgress, len(partitions)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, p := range partitions {
		r.parts[p] = &crawler.PartitionProgress{BatchID: id, Partition: p, UpdatedAt: now}
	}
	if resume != nil {
		r.startPartition = resume.PartitionIndex
		r.startOffset = resume.Offset
		r.batch.ResumedFrom = resume.TotalProcessed
	}
	return r
}

func (r *run) filter(partition string) crawler.TaskFilter {
	return crawler.TaskFilter{
		Partition:       partition,
		Categories:      r.batch.Options.Categories,
		MinQualityScore: r.batch.Options.MinQualityScore,
		ResolvedBefore:  r.snapshotAt,
	}
}

// requestStop flips the stop flag once; it reports false when the batch is
// already stopping or finished.
func (r *run) requestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping || r.batch.Status.Terminal() {
		return false
	}
	r.stopping = true
	close(r.stopCh)
	if r.stopAdmit != nil {
		r.stopAdmit()
	}
	return true
}

func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *run) snapshot() crawler.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.batch
	b.Partitions = append([]string(nil), r.batch.Partitions...)
	return b
}

func (r *run) setCurrent(partition string) {
	r.mu.Lock()
	r.batch.CurrentPartition = partition
	r.mu.Unlock()
}

// account applies one task's terminal outcome to the batch and partition
// counters under a single lock, and returns copies for persistence.
func (r *run) account(partition string, failed bool, at time.Time) (crawler.Batch, crawler.PartitionProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pp := r.parts[partition]
	if failed {
		pp.Failed++
		r.batch.Failed++
	} else {
		pp.Completed++
		r.batch.Completed++
	}
	if pp.Completed+pp.Failed > pp.Total {
		pp.Total = pp.Completed + pp.Failed
	}
	if r.batch.Completed+r.batch.Failed > r.batch.Total {
		r.batch.Total = r.batch.Completed + r.batch.Failed
	}
	pp.UpdatedAt = at
	return r.batch, *pp
}

// taskDone is what a worker goroutine hands back to the dispatch loop.
type taskDone struct {
	entry  entry
	result worker.Result
	dur    time.Duration
}

func (s *Scheduler) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	var err error
	for i := r.startPartition; i < len(r.order); i++ {
		offset := 0
		if i == r.startPartition {
			offset = r.startOffset
		}
		if err = s.runPartition(ctx, r, i, offset); err != nil {
			break
		}
		if r.isStopping() {
			err = errStopped
			break
		}
	}
	s.finish(r, err)
}

// runPartition pages one partition and feeds its tasks to the pool. It
// returns nil when every task is accounted for, errStopped after a stop, or
// the batch-level error that aborted it.
func (s *Scheduler) runPartition(ctx context.Context, r *run, index, offset int) error {
	partition := r.order[index]
	r.setCurrent(partition)
	logger := s.logger.With(zap.String("batch_id", r.batch.ID), zap.String("partition", partition))

	var (
		queue     = newTaskQueue()
		tracker   = newCommitTracker(offset)
		results   = make(chan taskDone, s.deps.Pool.Size())
		filter    = r.filter(partition)
		next      = offset
		page      = 0
		inflight  = 0
		admitted  = 0
		exhausted = false
		abort     error
		drain     <-chan time.Time
		draining  bool
	)
	pageSize := r.batch.Options.PageSize
	budget := r.parts[partition].Total

	handle := func(d taskDone) {
		inflight--
		err := s.settle(ctx, r, queue, tracker, index, d)
		if err == nil || abort != nil {
			return
		}
		if r.isStopping() && errors.Is(err, context.Canceled) {
			// The drain timeout cancelled this task's writes; the stop still wins.
			logger.Warn("write after drain cancel dropped", zap.Error(err))
			return
		}
		abort = err
		r.stopAdmit()
	}

	for {
		// Apply every finished task before deciding what to do next.
		for drained := false; !drained; {
			select {
			case d := <-results:
				handle(d)
			default:
				drained = true
			}
		}

		stopping := r.isStopping() || abort != nil
		if stopping && !draining && inflight > 0 {
			draining = true
			timer := time.NewTimer(s.cfg.StopDrainTimeout)
			defer timer.Stop()
			drain = timer.C
		}

		if !stopping && queue.Len() == 0 && !exhausted {
			limit := pageSize
			if rest := budget - (next - offset); rest < limit {
				limit = rest
			}
			if limit <= 0 {
				exhausted = true
			} else {
				tasks, err := s.deps.Tasks.PageTasks(ctx, filter, limit, next)
				if err != nil {
					abort = fmt.Errorf("page tasks for %s at %d: %w", partition, next, err)
					r.stopAdmit()
					continue
				}
				if len(tasks) < limit {
					exhausted = true
				}
				if len(tasks) > 0 {
					tracker.open(page, next, len(tasks))
					queue.Push(page, tasks...)
					next += len(tasks)
					page++
				}
			}
		}

		if stopping || queue.Len() == 0 {
			if inflight == 0 {
				break
			}
			stopCh := r.stopCh
			if stopping {
				stopCh = nil
			}
			select {
			case d := <-results:
				handle(d)
			case <-drain:
				logger.Warn("drain timeout reached, cancelling in-flight tasks", zap.Int("in_flight", inflight))
				r.cancel()
				drain = nil
			case <-stopCh:
			}
			continue
		}

		slot, err := s.admit(r, admitted > 0)
		if err != nil {
			// A stop cancels admission; anything else ends the batch.
			if abort == nil && !r.isStopping() {
				abort = err
				r.stopAdmit()
			}
			continue
		}
		e, ok := queue.pop()
		if !ok {
			s.deps.Pool.Release(slot)
			continue
		}
		inflight++
		admitted++
		go func() {
			start := time.Now()
			res := s.deps.Executor.Execute(ctx, slot, r.batch.ID, e.task)
			s.deps.Pool.Release(slot)
			results <- taskDone{entry: e, result: res, dur: time.Since(start)}
		}()
	}

	if abort != nil {
		return abort
	}
	if r.isStopping() {
		return errStopped
	}
	// Partition finished: point the checkpoint at the next one.
	r.committed += tracker.Committed()
	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	s.saveCheckpoint(pctx, r, index+1, 0, 0)
	logger.Info("partition finished", zap.Int("processed", tracker.Committed()))
	return nil
}

// admit waits out the inter-task delay, except before the first task of a
// partition, then blocks until the pool has a free slot.
func (s *Scheduler) admit(r *run, delay bool) (*pool.Slot, error) {
	ctx := r.admitCtx
	if d := r.batch.Options.InterTaskDelay; delay && d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("inter-task delay: %w", ctx.Err())
		case <-timer.C:
		}
	}
	slot, err := s.deps.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	return slot, nil
}

// settle applies a worker result. It returns an error only for batch-level
// failures.
func (s *Scheduler) settle(
	ctx context.Context,
	r *run,
	queue *TaskQueue,
	tracker *commitTracker,
	index int,
	d taskDone,
) error {
	res := d.result
	task := res.Task
	partition := r.order[index]
	now := s.deps.Clock.Now()
	evt := progress.Event{
		BatchID:   r.batch.ID,
		TS:        now,
		Partition: partition,
		TaskID:    task.ID,
		URL:       task.PrimaryURL,
		Attempts:  task.Attempt,
		Dur:       d.dur,
	}

	switch res.Kind {
	case worker.Aborted:
		return fmt.Errorf("task %s: %w", task.ID, res.Err)
	case worker.Requeue:
		if ctx.Err() != nil {
			// Cancelled after the drain timeout; the uncommitted page is
			// picked up again on resume.
			return nil
		}
		task.Requeues++
		if task.Requeues <= s.cfg.MaxRequeues {
			evt.Stage = progress.StageTaskRequeued
			evt.Note = errText(res.Err)
			s.emit(evt)
			queue.pushBack(entry{task: task, page: d.entry.page})
			return nil
		}
		res.Err = &crawler.TerminalTaskError{
			TaskID:   task.ID,
			Attempts: task.Attempt,
			Err:      fmt.Errorf("requeued %d times: %w", task.Requeues-1, res.Err),
		}
		return s.recordFailure(ctx, r, tracker, index, d.entry.page, task, res.Err, evt)
	case worker.Failed:
		return s.recordFailure(ctx, r, tracker, index, d.entry.page, task, res.Err, evt)
	default:
		s.deps.Pool.NoteCompletion()
		batch, pp := r.account(partition, false, now)
		evt.Stage = progress.StageTaskDone
		evt.Emails = len(res.Outcome.Emails)
		s.emit(evt)
		return s.commit(ctx, r, tracker, index, d.entry.page, batch, pp)
	}
}

func (s *Scheduler) recordFailure(
	ctx context.Context,
	r *run,
	tracker *commitTracker,
	index, page int,
	task crawler.Task,
	cause error,
	evt progress.Event,
) error {
	now := evt.TS
	partition := r.order[index]
	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	if err := s.deps.Tasks.RecordTaskFailure(pctx, crawler.TaskFailure{
		BatchID:   r.batch.ID,
		Partition: partition,
		TaskID:    task.ID,
		URL:       task.PrimaryURL,
		Attempts:  task.Attempt,
		Message:   errText(cause),
		FailedAt:  now,
	}); err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	s.deps.Pool.NoteCompletion()
	batch, pp := r.account(partition, true, now)
	evt.Stage = progress.StageTaskFailed
	evt.Note = errText(cause)
	s.emit(evt)
	return s.commit(ctx, r, tracker, index, page, batch, pp)
}

// commit persists the counters and advances the checkpoint when a page is
// fully accounted for.
func (s *Scheduler) commit(
	ctx context.Context,
	r *run,
	tracker *commitTracker,
	index, page int,
	batch crawler.Batch,
	pp crawler.PartitionProgress,
) error {
	ctx, cancel := s.persistContext(ctx)
	defer cancel()
	if err := s.deps.Tasks.UpsertPartitionProgress(ctx, pp); err != nil {
		return fmt.Errorf("persist partition progress: %w", err)
	}
	if !tracker.done(page) {
		return nil
	}
	if err := s.deps.Tasks.UpsertBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}
	s.saveCheckpoint(ctx, r, index, tracker.Offset(), tracker.Committed())
	return nil
}

// persistContext detaches counter and checkpoint writes from the run's
// cancellation, so tasks settled after a drain timeout are still recorded.
func (s *Scheduler) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
}

// saveCheckpoint records the resume point. TotalProcessed counts only tasks
// behind the committed offset, so it matches what a resume skips.
func (s *Scheduler) saveCheckpoint(ctx context.Context, r *run, index, offset, partitionCommitted int) {
	cp := crawler.Checkpoint{
		Key:            r.key,
		PartitionIndex: index,
		Offset:         offset,
		TotalProcessed: r.batch.ResumedFrom + r.committed + partitionCommitted,
		SnapshotAt:     r.snapshotAt,
		Timestamp:      s.deps.Clock.Now(),
	}
	if err := s.deps.Checkpoints.Save(ctx, cp); err != nil {
		s.logger.Warn("save checkpoint failed",
			zap.String("batch_id", r.batch.ID), zap.Int("offset", offset), zap.Error(err))
	}
}

// finish moves the batch to its terminal status, persists it and emits the
// closing event.
func (s *Scheduler) finish(r *run, err error) {
	now := s.deps.Clock.Now()
	status := crawler.BatchStatusCompleted
	stage := progress.StageBatchDone
	switch {
	case errors.Is(err, errStopped):
		status, stage = crawler.BatchStatusStopped, progress.StageBatchStopped
	case err != nil:
		status, stage = crawler.BatchStatusFailed, progress.StageBatchError
	}

	r.mu.Lock()
	if err != nil && !errors.Is(err, errStopped) {
		r.batch.Error = err.Error()
	}
	if terr := r.batch.Transition(status, now); terr != nil {
		s.logger.Error("batch transition rejected", zap.String("batch_id", r.batch.ID), zap.Error(terr))
	}
	r.batch.CurrentPartition = ""
	batch := r.batch
	r.mu.Unlock()

	ctx, cancel := s.persistContext(context.Background())
	defer cancel()
	persisted := true
	if perr := s.deps.Tasks.UpsertBatch(ctx, batch); perr != nil {
		persisted = false
		s.logger.Error("persist final batch state failed", zap.String("batch_id", batch.ID), zap.Error(perr))
	}
	if status == crawler.BatchStatusCompleted {
		if derr := s.deps.Checkpoints.Delete(ctx, r.key); derr != nil {
			s.logger.Warn("delete checkpoint failed", zap.String("batch_id", batch.ID), zap.Error(derr))
		}
	}

	s.releaseKey(r.key)

	fields := []zap.Field{
		zap.String("batch_id", batch.ID),
		zap.String("status", string(batch.Status)),
		zap.Int("completed", batch.Completed),
		zap.Int("failed", batch.Failed),
		zap.Int("total", batch.Total),
	}
	if err != nil && !errors.Is(err, errStopped) {
		s.logger.Error("batch failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("batch finished", fields...)
	}
	s.emit(progress.Event{
		BatchID: batch.ID,
		TS:      now,
		Stage:   stage,
		Total:   batch.Total,
		Dur:     now.Sub(batch.StartedAt),
		Note:    batch.Error,
	})

	if persisted {
		s.mu.Lock()
		delete(s.runs, batch.ID)
		s.mu.Unlock()
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
