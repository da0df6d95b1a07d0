// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

// Batch status values persisted in the task store.
const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusStopped   BatchStatus = "stopped"
)

// Terminal reports whether no further transition is allowed from s.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusStopped:
		return true
	default:
		return false
	}
}

// Task is one target site to crawl for contact data.
type Task struct {
	ID           string   `json:"id"`
	PrimaryURL   string   `json:"primary_url"`
	FallbackURLs []string `json:"fallback_urls,omitempty"`
	Partition    string   `json:"partition"`
	Category     string   `json:"category,omitempty"`
	QualityScore float64  `json:"quality_score,omitempty"`
	// Attempt counts executions so far and survives requeue.
	Attempt int `json:"attempt"`
	// Requeues counts how often the task went back to the queue.
	Requeues int `json:"requeues,omitempty"`
}

// NewTask validates the required fields and normalizes the URLs. Fallback
// URLs that do not parse are dropped; an invalid primary URL is an error.
func NewTask(id, primaryURL string, fallbacks []string, partition, category string) (Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Task{}, errors.New("task id is required")
	}
	primary, err := NormalizeURL(primaryURL)
	if err != nil {
		return Task{}, fmt.Errorf("task %s primary url: %w", id, err)
	}
	seen := map[string]struct{}{primary: {}}
	var cleaned []string
	for _, raw := range fallbacks {
		u, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		cleaned = append(cleaned, u)
	}
	return Task{
		ID:           id,
		PrimaryURL:   primary,
		FallbackURLs: cleaned,
		Partition:    strings.TrimSpace(partition),
		Category:     strings.TrimSpace(category),
	}, nil
}

// NormalizeURL accepts bare hosts ("example.com") and http(s) URLs.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", errors.New("url has no host")
	}
	u.Fragment = ""
	return u.String(), nil
}

// URLs returns the primary URL followed by the fallbacks.
func (t Task) URLs() []string {
	out := make([]string, 0, 1+len(t.FallbackURLs))
	out = append(out, t.PrimaryURL)
	return append(out, t.FallbackURLs...)
}

// TaskFilter selects candidate tasks from storage.
type TaskFilter struct {
	Partition       string
	Categories      []string
	MinQualityScore float64
	// ResolvedBefore pins the "not yet resolved" predicate to a snapshot:
	// tasks resolved at or after this instant still count as unresolved so
	// offsets stay stable while the run writes results.
	ResolvedBefore time.Time
}

// PageResult is the synchronous outcome of loading one page in a slot.
type PageResult struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	Body         []byte
	Duration     time.Duration
}

// Outcome is the stored result for a task.
type Outcome struct {
	TaskID       string    `json:"task_id"`
	BatchID      string    `json:"batch_id"`
	Partition    string    `json:"partition"`
	Emails       []string  `json:"emails"`
	SourceURL    string    `json:"source_url"`
	PagesVisited int       `json:"pages_visited"`
	Attempts     int       `json:"attempts"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// BatchOptions are caller-supplied filters and pacing for a batch.
type BatchOptions struct {
	Categories      []string      `json:"categories,omitempty"`
	MinQualityScore float64       `json:"min_quality_score,omitempty"`
	PageSize        int           `json:"page_size,omitempty"`
	InterTaskDelay  time.Duration `json:"inter_task_delay,omitempty"`
	MaxTasks        int           `json:"max_tasks,omitempty"`
}

// Batch represents one multi-partition crawl run.
type Batch struct {
	ID               string       `json:"id"`
	Partitions       []string     `json:"partitions"`
	Options          BatchOptions `json:"options"`
	Total            int          `json:"total"`
	Completed        int          `json:"completed"`
	Failed           int          `json:"failed"`
	Status           BatchStatus  `json:"status"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	CurrentPartition string       `json:"current_partition,omitempty"`
	// ResumedFrom is the checkpointed task count carried over from an
	// interrupted run with the same key.
	ResumedFrom int    `json:"resumed_from,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ErrInvalidTransition is returned when a terminal batch would change status.
var ErrInvalidTransition = errors.New("invalid batch status transition")

// Transition moves the batch to the next status; terminal statuses are final.
func (b *Batch) Transition(to BatchStatus, at time.Time) error {
	if b.Status == to {
		return nil
	}
	if b.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	if to.Terminal() {
		end := at
		b.EndedAt = &end
	}
	return nil
}

// Progress returns the processed share in percent.
func (b Batch) Progress() float64 {
	if b.Total <= 0 {
		if b.Status == BatchStatusCompleted {
			return 100
		}
		return 0
	}
	return float64(b.Completed+b.Failed) * 100 / float64(b.Total)
}

// PartitionProgress holds per (batch, partition) counters.
type PartitionProgress struct {
	BatchID   string    `json:"batch_id"`
	Partition string    `json:"partition"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskFailure is the per-target failure log entry.
type TaskFailure struct {
	BatchID   string    `json:"batch_id"`
	Partition string    `json:"partition"`
	TaskID    string    `json:"task_id"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	Message   string    `json:"message"`
	FailedAt  time.Time `json:"failed_at"`
}

// Checkpoint is the persisted resume point for a batch key.
type Checkpoint struct {
	Key            string    `json:"key"`
	PartitionIndex int       `json:"partition_index"`
	Offset         int       `json:"offset"`
	TotalProcessed int       `json:"total_processed"`
	SnapshotAt     time.Time `json:"snapshot_at"`
	Timestamp      time.Time `json:"timestamp"`
}

// Fresh reports whether the checkpoint is younger than maxAge at now.
func (c Checkpoint) Fresh(now time.Time, maxAge time.Duration) bool {
	if c.Timestamp.IsZero() {
		return false
	}
	return now.Sub(c.Timestamp) < maxAge
}

// RotationState is the coordinator's view of egress health.
type RotationState struct {
	LastRotation time.Time     `json:"last_rotation"`
	BlockCount   int           `json:"block_count"`
	Cooldown     time.Duration `json:"cooldown"`
	Rotations    int           `json:"rotations"`
}
