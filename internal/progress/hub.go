package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below; BaseContext is the parent of every sink call.
type Config struct {
	// BufferSize caps queued task events. Batch lifecycle events are never
	// counted against it.
	BufferSize     int             `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxBatchEvents int             `mapstructure:"max_batch_events" yaml:"max_batch_events"`
	MaxBatchWait   time.Duration   `mapstructure:"max_batch_wait" yaml:"max_batch_wait"`
	SinkTimeout    time.Duration   `mapstructure:"sink_timeout" yaml:"sink_timeout"`
	BaseContext    context.Context `mapstructure:"-" yaml:"-"`
	Logger         *zap.Logger     `mapstructure:"-" yaml:"-"`
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans batch and task events out to registered sinks in emission order.
// Emit never blocks. When sinks fall behind, task and rotation events are
// shed; batch start and end events are always delivered, and an end event
// carries how many of its batch's events were shed.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu      sync.Mutex
	queue   []Event
	lossy   int
	dropped map[string]int
	closed  bool

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	dropLog  rate.Sometimes
	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub starts the delivery goroutine for sinks. The returned Hub is ready
// to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger,
		dropped: make(map[string]int),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// lifecycle events bracket a batch and are exempt from shedding.
func lifecycle(s Stage) bool {
	return s == StageBatchStart || s.BatchEnd()
}

// Emit queues evt for delivery.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	switch {
	case evt.Stage.BatchEnd():
		evt.Dropped = h.dropped[evt.BatchID]
		delete(h.dropped, evt.BatchID)
	case lifecycle(evt.Stage):
	case h.lossy >= h.cfg.BufferSize:
		if evt.BatchID != "" {
			h.dropped[evt.BatchID]++
		}
		h.mu.Unlock()
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.String("batch_id", evt.BatchID), zap.String("stage", string(evt.Stage)))
		})
		return
	default:
		h.lossy++
	}
	h.queue = append(h.queue, evt)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Close delivers every queued event, then closes the sinks. Repeated calls
// only wait for the first shutdown to finish.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.closeCtx = ctx
		h.mu.Unlock()
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// take moves the queue out from under the lock.
func (h *Hub) take() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.queue
	h.queue = nil
	h.lossy = 0
	return out
}

func (h *Hub) run() {
	defer close(h.doneCh)
	var pending []Event
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	armed := false

	for {
		select {
		case <-h.wake:
			var ended bool
			for _, evt := range h.take() {
				pending = append(pending, evt)
				ended = ended || evt.Stage.BatchEnd()
				if len(pending) >= h.cfg.MaxBatchEvents {
					h.flush(pending)
					pending = pending[:0]
				}
			}
			switch {
			case len(pending) == 0:
			case ended:
				// A finished batch is reported without waiting for the timer.
				h.flush(pending)
				pending = pending[:0]
			case !armed:
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			h.flush(pending)
			pending = pending[:0]
		case <-h.stopCh:
			timer.Stop()
			pending = append(pending, h.take()...)
			for len(pending) > 0 {
				n := min(len(pending), h.cfg.MaxBatchEvents)
				h.flush(pending[:n])
				pending = pending[n:]
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
