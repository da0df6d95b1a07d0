package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// CheckpointStore keeps checkpoints in the harvest_checkpoints table.
type CheckpointStore struct {
	db DB
}

// NewCheckpointStore wraps an existing pool.
func NewCheckpointStore(db DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{db: db}, nil
}

// Load returns the checkpoint for key or store.ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, key string) (crawler.Checkpoint, error) {
	query := `
		SELECT key, partition_index, offset_value, total_processed, snapshot_at, updated_at
		FROM harvest_checkpoints
		WHERE key = $1;
	`
	var cp crawler.Checkpoint
	err := s.db.QueryRow(ctx, query, key).Scan(
		&cp.Key,
		&cp.PartitionIndex,
		&cp.Offset,
		&cp.TotalProcessed,
		&cp.SnapshotAt,
		&cp.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Checkpoint{}, store.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// Save upserts the checkpoint row.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	query := `
		INSERT INTO harvest_checkpoints (key, partition_index, offset_value, total_processed, snapshot_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE
		SET partition_index = EXCLUDED.partition_index,
			offset_value = EXCLUDED.offset_value,
			total_processed = EXCLUDED.total_processed,
			snapshot_at = EXCLUDED.snapshot_at,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.db.Exec(ctx, query, cp.Key, cp.PartitionIndex, cp.Offset, cp.TotalProcessed, cp.SnapshotAt, cp.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint row if present.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM harvest_checkpoints WHERE key = $1;`, key); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
