// Package worker executes one task on one leased slot, driving the
// retry, recovery and rotation loop until the task completes, fails
// terminally or has to go back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/extract"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
	"github.com/JakeFAU/contact-harvester/internal/policy/retry"
	"github.com/JakeFAU/contact-harvester/internal/pool"
)

// Kind is the outcome category of Execute.
type Kind int

// Execution outcomes.
const (
	Completed Kind = iota
	Failed
	Requeue
	// Aborted means a batch-level dependency (persistence) failed.
	Aborted
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Requeue:
		return "requeue"
	default:
		return "aborted"
	}
}

// Result is what Execute reports back to the scheduler.
type Result struct {
	Kind    Kind
	Task    crawler.Task
	Outcome crawler.Outcome
	Err     error
}

// SlotManager is the subset of the pool the worker needs.
type SlotManager interface {
	Validate(ctx context.Context, slot *pool.Slot) bool
	Recover(ctx context.Context, slot *pool.Slot) error
}

// Rotator is the egress rotation protocol.
type Rotator interface {
	IsBlocked(statusCode int, body string) bool
	Rotate(ctx context.Context, force bool) bool
}

// Pacer delays page loads per host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// ResultRecorder stores completed outcomes idempotently.
type ResultRecorder interface {
	RecordResult(ctx context.Context, outcome crawler.Outcome) error
}

// ContactEvent is published for every task that yielded addresses.
type ContactEvent struct {
	TaskID     string    `json:"task_id"`
	BatchID    string    `json:"batch_id"`
	Partition  string    `json:"partition"`
	Category   string    `json:"category,omitempty"`
	Emails     []string  `json:"emails"`
	SourceURL  string    `json:"source_url"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// MessageKey keys broker messages by task so redeliveries of one task land
// together.
func (e ContactEvent) MessageKey() string { return e.TaskID }

// Config controls Worker behavior.
type Config struct {
	Topic             string `mapstructure:"-" yaml:"-"`
	MaxContactPages   int    `mapstructure:"-" yaml:"-"`
	MaxSlotRecoveries int    `mapstructure:"max_slot_recoveries" yaml:"max_slot_recoveries"`
	BlockScanBytes    int    `mapstructure:"block_scan_bytes" yaml:"block_scan_bytes"`
	// PersistTimeout bounds the result write, which outlives a cancelled task.
	PersistTimeout time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
}

// Worker runs tasks.
type Worker struct {
	slots     SlotManager
	analyzer  crawler.Analyzer
	rotator   Rotator
	pacer     Pacer
	results   ResultRecorder
	publisher crawler.Publisher
	policy    *retry.Policy
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. pacer and publisher may be nil.
func New(
	slots SlotManager,
	analyzer crawler.Analyzer,
	rotator Rotator,
	pacer Pacer,
	results ResultRecorder,
	publisher crawler.Publisher,
	policy *retry.Policy,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxContactPages <= 0 {
		cfg.MaxContactPages = 3
	}
	if cfg.MaxSlotRecoveries <= 0 {
		cfg.MaxSlotRecoveries = 2
	}
	if cfg.BlockScanBytes <= 0 {
		cfg.BlockScanBytes = 64 << 10
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if policy == nil {
		policy = retry.New(retry.Config{MaxRetries: 3})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		slots:     slots,
		analyzer:  analyzer,
		rotator:   rotator,
		pacer:     pacer,
		results:   results,
		publisher: publisher,
		policy:    policy,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs task on slot until it completes, fails terminally, or must be
// requeued because the slot could not be recovered.
func (w *Worker) Execute(ctx context.Context, slot *pool.Slot, batchID string, task crawler.Task) Result {
	logger := w.logger.With(
		zap.String("batch_id", batchID),
		zap.String("task_id", task.ID),
		zap.Int("slot", slot.Index),
	)
	var (
		failures   int
		recoveries int
		rotated    bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{Kind: Requeue, Task: task, Err: err}
		}
		if !w.slots.Validate(ctx, slot) {
			if err := w.slots.Recover(ctx, slot); err != nil {
				logger.Warn("slot invalid and unrecoverable, requeueing task", zap.Error(err))
				return Result{Kind: Requeue, Task: task, Err: err}
			}
		}

		task.Attempt++
		outcome, err := w.attempt(ctx, slot, batchID, task)
		if err == nil {
			return w.complete(ctx, logger, task, outcome)
		}
		if ctx.Err() != nil {
			return Result{Kind: Requeue, Task: task, Err: err}
		}

		class := retry.Classify(err)
		logger.Debug("attempt failed", zap.Int("attempt", task.Attempt), zap.Stringer("class", class), zap.Error(err))
		switch class {
		case retry.NeedsSlotRecovery:
			recoveries++
			if recoveries > w.cfg.MaxSlotRecoveries {
				return Result{Kind: Requeue, Task: task, Err: err}
			}
			if rerr := w.slots.Recover(ctx, slot); rerr != nil {
				logger.Warn("slot recovery failed, requeueing task", zap.Error(rerr))
				return Result{Kind: Requeue, Task: task, Err: rerr}
			}
			continue
		case retry.NeedsRotation:
			if !rotated && w.rotator != nil {
				rotated = true
				ok := w.rotator.Rotate(ctx, false)
				logger.Info("rotation attempted after block", zap.Bool("rotated", ok))
			}
		case retry.Retryable:
		default:
			return w.fail(task, err)
		}

		failures++
		if w.policy.Exhausted(failures) {
			return w.fail(task, err)
		}
		if err := sleep(ctx, w.policy.Backoff(failures-1)); err != nil {
			return Result{Kind: Requeue, Task: task, Err: err}
		}
	}
}

func (w *Worker) complete(ctx context.Context, logger *zap.Logger, task crawler.Task, outcome crawler.Outcome) Result {
	// The page work is done; a stop that lands now must not lose the result.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
	defer cancel()
	if err := w.results.RecordResult(ctx, outcome); err != nil {
		return Result{Kind: Aborted, Task: task, Err: fmt.Errorf("record result: %w", err)}
	}
	if w.publisher != nil && len(outcome.Emails) > 0 {
		event := ContactEvent{
			TaskID:     outcome.TaskID,
			BatchID:    outcome.BatchID,
			Partition:  outcome.Partition,
			Category:   task.Category,
			Emails:     outcome.Emails,
			SourceURL:  outcome.SourceURL,
			ResolvedAt: outcome.ResolvedAt,
		}
		if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
			logger.Warn("publish contact event failed", zap.Error(err))
		}
	}
	logger.Debug("task completed", zap.Int("emails", len(outcome.Emails)), zap.Int("attempts", task.Attempt))
	return Result{Kind: Completed, Task: task, Outcome: outcome}
}

func (w *Worker) fail(task crawler.Task, err error) Result {
	return Result{
		Kind: Failed,
		Task: task,
		Err:  &crawler.TerminalTaskError{TaskID: task.ID, Attempts: task.Attempt, Err: err},
	}
}

// attempt loads the primary page and, if it yields nothing, the fallback or
// discovered contact pages.
func (w *Worker) attempt(ctx context.Context, slot *pool.Slot, batchID string, task crawler.Task) (crawler.Outcome, error) {
	page, err := w.load(ctx, slot, task.PrimaryURL)
	if err != nil {
		return crawler.Outcome{}, err
	}
	pages := 1
	emails := w.analyzer.ExtractCandidates(page)
	source := page.FinalURL

	if len(emails) == 0 {
		next := task.FallbackURLs
		if len(next) == 0 {
			next = w.analyzer.ContactLinks(page)
		}
		if len(next) > w.cfg.MaxContactPages {
			next = next[:w.cfg.MaxContactPages]
		}
		for _, u := range next {
			sub, err := w.load(ctx, slot, u)
			pages++
			if err != nil {
				if c := retry.Classify(err); c == retry.NeedsSlotRecovery || c == retry.NeedsRotation || ctx.Err() != nil {
					return crawler.Outcome{}, err
				}
				w.logger.Debug("secondary page failed", zap.String("url", u), zap.Error(err))
				continue
			}
			if found := w.analyzer.ExtractCandidates(sub); len(found) > 0 {
				emails = found
				source = sub.FinalURL
				break
			}
		}
	}
	if len(emails) == 0 {
		source = ""
	}
	return crawler.Outcome{
		TaskID:       task.ID,
		BatchID:      batchID,
		Partition:    task.Partition,
		Emails:       emails,
		SourceURL:    source,
		PagesVisited: pages,
		Attempts:     task.Attempt,
		ResolvedAt:   w.clock.Now(),
	}, nil
}

func (w *Worker) load(ctx context.Context, slot *pool.Slot, url string) (crawler.PageResult, error) {
	if w.pacer != nil {
		if err := w.pacer.Wait(ctx, url); err != nil {
			return crawler.PageResult{}, err
		}
	}
	bctx := slot.Context()
	if bctx == nil {
		return crawler.PageResult{}, &crawler.SlotInvalidError{Slot: slot.Index, Err: errors.New("no browsing context")}
	}
	page, err := bctx.Load(ctx, url)
	if err != nil {
		metrics.ObservePageLoad(url, "error")
		return crawler.PageResult{}, err
	}
	if w.rotator != nil && w.rotator.IsBlocked(page.StatusCode, extract.VisibleText(page.Body, w.cfg.BlockScanBytes)) {
		metrics.ObservePageLoad(url, "blocked")
		reason := "block marker in page"
		if page.StatusCode >= http.StatusBadRequest {
			reason = http.StatusText(page.StatusCode)
		}
		return crawler.PageResult{}, &crawler.BlockDetectedError{URL: url, StatusCode: page.StatusCode, Reason: reason}
	}
	metrics.ObservePageLoad(url, "ok")
	return page, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
