package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// TaskStore implements store.TaskStore using Postgres.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps an existing pool (pgxpool.Pool or a pgxmock pool).
func NewTaskStore(db DB) (*TaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *TaskStore) Close() {
	s.db.Close()
}

const pageTasksQuery = `
	SELECT t.id, t.primary_url, t.fallback_urls, t.partition, t.category, t.quality_score
	FROM harvest_targets t
	LEFT JOIN harvest_results r ON r.task_id = t.id
	WHERE ($1 = '' OR t.partition = $1)
	  AND (cardinality($2::text[]) = 0 OR t.category = ANY($2::text[]))
	  AND t.quality_score >= $3
	  AND (r.task_id IS NULL OR ($4::timestamptz IS NOT NULL AND r.resolved_at >= $4::timestamptz))
	ORDER BY t.id
	LIMIT $5 OFFSET $6;
`

const countTasksQuery = `
	SELECT count(*)
	FROM harvest_targets t
	LEFT JOIN harvest_results r ON r.task_id = t.id
	WHERE ($1 = '' OR t.partition = $1)
	  AND (cardinality($2::text[]) = 0 OR t.category = ANY($2::text[]))
	  AND t.quality_score >= $3
	  AND (r.task_id IS NULL OR ($4::timestamptz IS NOT NULL AND r.resolved_at >= $4::timestamptz));
`

// PageTasks returns unresolved targets ordered by id.
func (s *TaskStore) PageTasks(
	ctx context.Context,
	filter crawler.TaskFilter,
	limit,
	offset int,
) ([]crawler.Task, error) {
	rows, err := s.db.Query(ctx, pageTasksQuery, filterArgs(filter, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to page tasks: %w", err)
	}
	defer rows.Close()

	var tasks []crawler.Task
	for rows.Next() {
		var task crawler.Task
		if err := rows.Scan(
			&task.ID,
			&task.PrimaryURL,
			&task.FallbackURLs,
			&task.Partition,
			&task.Category,
			&task.QualityScore,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of unresolved targets matching filter.
func (s *TaskStore) CountTasks(ctx context.Context, filter crawler.TaskFilter) (int, error) {
	args := filterArgs(filter, 0, 0)[:4]
	var count int
	if err := s.db.QueryRow(ctx, countTasksQuery, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

func filterArgs(filter crawler.TaskFilter, limit, offset int) []any {
	categories := filter.Categories
	if categories == nil {
		categories = []string{}
	}
	var resolvedBefore *time.Time
	if !filter.ResolvedBefore.IsZero() {
		ts := filter.ResolvedBefore
		resolvedBefore = &ts
	}
	return []any{filter.Partition, categories, filter.MinQualityScore, resolvedBefore, limit, offset}
}

// RecordResult upserts the result row keyed by task id.
func (s *TaskStore) RecordResult(ctx context.Context, outcome crawler.Outcome) error {
	query := `
		INSERT INTO harvest_results
			(task_id, batch_id, partition, emails, source_url, pages_visited, attempts, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE
		SET batch_id = EXCLUDED.batch_id,
			partition = EXCLUDED.partition,
			emails = EXCLUDED.emails,
			source_url = EXCLUDED.source_url,
			pages_visited = EXCLUDED.pages_visited,
			attempts = EXCLUDED.attempts,
			resolved_at = EXCLUDED.resolved_at;
	`
	emails := outcome.Emails
	if emails == nil {
		emails = []string{}
	}
	_, err := s.db.Exec(ctx, query,
		outcome.TaskID,
		outcome.BatchID,
		outcome.Partition,
		emails,
		outcome.SourceURL,
		outcome.PagesVisited,
		outcome.Attempts,
		outcome.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// UpsertBatch inserts or replaces the batch row.
func (s *TaskStore) UpsertBatch(ctx context.Context, batch crawler.Batch) error {
	options, err := json.Marshal(batch.Options)
	if err != nil {
		return fmt.Errorf("marshal batch options: %w", err)
	}
	query := `
		INSERT INTO harvest_batches
			(id, partitions, options, total, completed, failed, status, started_at, ended_at,
			 current_partition, resumed_from, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET total = EXCLUDED.total,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			current_partition = EXCLUDED.current_partition,
			resumed_from = EXCLUDED.resumed_from,
			error_message = EXCLUDED.error_message;
	`
	_, err = s.db.Exec(ctx, query,
		batch.ID,
		batch.Partitions,
		options,
		batch.Total,
		batch.Completed,
		batch.Failed,
		string(batch.Status),
		batch.StartedAt,
		batch.EndedAt,
		batch.CurrentPartition,
		batch.ResumedFrom,
		batch.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert batch: %w", err)
	}
	return nil
}

// UpsertPartitionProgress writes the absolute counters for (batch, partition).
func (s *TaskStore) UpsertPartitionProgress(ctx context.Context, progress crawler.PartitionProgress) error {
	query := `
		INSERT INTO harvest_partition_progress (batch_id, partition, total, completed, failed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, partition) DO UPDATE
		SET total = EXCLUDED.total,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.db.Exec(ctx, query,
		progress.BatchID,
		progress.Partition,
		progress.Total,
		progress.Completed,
		progress.Failed,
		progress.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert partition progress: %w", err)
	}
	return nil
}

// RecordTaskFailure appends to the failure log.
func (s *TaskStore) RecordTaskFailure(ctx context.Context, failure crawler.TaskFailure) error {
	query := `
		INSERT INTO harvest_task_failures (batch_id, partition, task_id, url, attempts, message, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.db.Exec(ctx, query,
		failure.BatchID,
		failure.Partition,
		failure.TaskID,
		failure.URL,
		failure.Attempts,
		failure.Message,
		failure.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	return nil
}

const batchColumns = `id, partitions, options, total, completed, failed, status, started_at, ended_at,
	current_partition, resumed_from, error_message`

// GetBatch retrieves a single batch by its ID.
func (s *TaskStore) GetBatch(ctx context.Context, batchID string) (crawler.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM harvest_batches WHERE id = $1;`
	batch, err := scanBatch(s.db.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Batch{}, store.ErrNotFound
		}
		return crawler.Batch{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns batches newest first.
func (s *TaskStore) ListBatches(ctx context.Context, limit, offset int) ([]crawler.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM harvest_batches ORDER BY started_at DESC LIMIT $1 OFFSET $2;`
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []crawler.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch rows: %w", err)
	}
	return batches, nil
}

func scanBatch(row pgx.Row) (crawler.Batch, error) {
	var (
		batch   crawler.Batch
		options []byte
		status  string
	)
	if err := row.Scan(
		&batch.ID,
		&batch.Partitions,
		&options,
		&batch.Total,
		&batch.Completed,
		&batch.Failed,
		&status,
		&batch.StartedAt,
		&batch.EndedAt,
		&batch.CurrentPartition,
		&batch.ResumedFrom,
		&batch.Error,
	); err != nil {
		return crawler.Batch{}, err //nolint:wrapcheck // callers wrap with context
	}
	batch.Status = crawler.BatchStatus(status)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &batch.Options); err != nil {
			return crawler.Batch{}, fmt.Errorf("decode batch options: %w", err)
		}
	}
	return batch, nil
}

// ListPartitionProgress returns the partition counters of one batch.
func (s *TaskStore) ListPartitionProgress(ctx context.Context, batchID string) ([]crawler.PartitionProgress, error) {
	query := `
		SELECT batch_id, partition, total, completed, failed, updated_at
		FROM harvest_partition_progress
		WHERE batch_id = $1
		ORDER BY partition;
	`
	rows, err := s.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list partition progress: %w", err)
	}
	defer rows.Close()

	var out []crawler.PartitionProgress
	for rows.Next() {
		var p crawler.PartitionProgress
		if err := rows.Scan(&p.BatchID, &p.Partition, &p.Total, &p.Completed, &p.Failed, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate partition rows: %w", err)
	}
	return out, nil
}

// ListTaskFailures returns the failure log for a batch in insertion order.
func (s *TaskStore) ListTaskFailures(
	ctx context.Context,
	batchID string,
	limit,
	offset int,
) ([]crawler.TaskFailure, error) {
	query := `
		SELECT batch_id, partition, task_id, url, attempts, message, failed_at
		FROM harvest_task_failures
		WHERE batch_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task failures: %w", err)
	}
	defer rows.Close()

	var out []crawler.TaskFailure
	for rows.Next() {
		var f crawler.TaskFailure
		if err := rows.Scan(&f.BatchID, &f.Partition, &f.TaskID, &f.URL, &f.Attempts, &f.Message, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failure rows: %w", err)
	}
	return out, nil
}

var _ store.TaskStore = (*TaskStore)(nil)
