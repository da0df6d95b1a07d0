// Package local implements a filesystem checkpoint store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// Config captures the parameters for the local checkpoint store.
type Config struct {
	// Dir is where one JSON file per checkpoint key is written.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// CheckpointStore writes checkpoints as JSON files.
type CheckpointStore struct {
	dir string
}

// New creates the directory if needed and verifies it is writable.
func New(cfg Config) (*CheckpointStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat checkpoint directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("checkpoint path is not a directory")
	}

	probe := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("checkpoint directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &CheckpointStore{dir: cfg.Dir}, nil
}

// Load reads the checkpoint file for key.
func (s *CheckpointStore) Load(_ context.Context, key string) (crawler.Checkpoint, error) {
	path, err := s.path(key)
	if err != nil {
		return crawler.Checkpoint{}, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to the store directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return crawler.Checkpoint{}, store.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save writes to a temp file and renames it over the old checkpoint so a
// crash mid-write never leaves a truncated file.
func (s *CheckpointStore) Save(_ context.Context, cp crawler.Checkpoint) error {
	path, err := s.path(cp.Key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file if present.
func (s *CheckpointStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) path(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("checkpoint key is required")
	}
	full := filepath.Join(s.dir, key+".json")
	cleanDir := filepath.Clean(s.dir)
	if !strings.HasPrefix(filepath.Clean(full), cleanDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
