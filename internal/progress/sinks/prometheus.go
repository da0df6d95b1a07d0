package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/contact-harvester/internal/progress"
)

// PrometheusSink exports batch and task progress. It owns its collectors so
// tests can register them against a private registry.
type PrometheusSink struct {
	batchesStarted  prometheus.Counter
	batchesFinished *prometheus.CounterVec
	batchesRunning  prometheus.Gauge
	batchRuntime    *prometheus.HistogramVec

	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	emails       *prometheus.CounterVec
	rotations    prometheus.Counter

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_batches_started_total",
			Help: "Total batches that have started.",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_batches_finished_total",
			Help: "Total batches finished partitioned by final status.",
		}, []string{"status"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_batches_running",
			Help: "Current number of running batches.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_batch_runtime_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		}, []string{"status"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_tasks_total",
			Help: "Task outcomes partitioned by partition and result.",
		}, []string{"partition", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_task_duration_seconds",
			Help:    "Task wall time partitioned by result.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_emails_found_total",
			Help: "Email addresses harvested per partition.",
		}, []string{"partition"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_rotation_events_total",
			Help: "Successful egress rotations reported to the progress stream.",
		}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesFinished,
		s.batchesRunning,
		s.batchRuntime,
		s.tasks,
		s.taskDuration,
		s.emails,
		s.rotations,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
	case progress.StageBatchDone, progress.StageBatchError, progress.StageBatchStopped:
		status := batchStatusLabel(evt.Stage)
		s.batchesFinished.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.batchRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.BatchID) {
			s.batchesRunning.Dec()
		}
	case progress.StageTaskDone, progress.StageTaskFailed, progress.StageTaskRequeued:
		result := taskResultLabel(evt.Stage)
		partition := evt.Partition
		if partition == "" {
			partition = "unknown"
		}
		s.tasks.WithLabelValues(partition, result).Inc()
		if evt.Dur > 0 {
			s.taskDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if evt.Emails > 0 {
			s.emails.WithLabelValues(partition).Add(float64(evt.Emails))
		}
	case progress.StageRotation:
		s.rotations.Inc()
	}
}

func batchStatusLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageBatchDone:
		return "completed"
	case progress.StageBatchStopped:
		return "stopped"
	default:
		return "failed"
	}
}

func taskResultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageTaskDone:
		return "completed"
	case progress.StageTaskFailed:
		return "failed"
	default:
		return "requeued"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[string]struct{})}
}

func (t *batchTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
