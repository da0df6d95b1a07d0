package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// CheckpointStore keeps checkpoints in a map; it does not survive restarts.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]crawler.Checkpoint
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]crawler.Checkpoint)}
}

// Load returns the checkpoint for key or store.ErrNotFound.
func (s *CheckpointStore) Load(_ context.Context, key string) (crawler.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[key]
	if !ok {
		return crawler.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

// Save replaces the checkpoint for its key.
func (s *CheckpointStore) Save(_ context.Context, checkpoint crawler.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.Key] = checkpoint
	return nil
}

// Delete removes the checkpoint; deleting a missing key is not an error.
func (s *CheckpointStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, key)
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
