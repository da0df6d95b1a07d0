// Package gcs provides a CheckpointStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// errObjectNotExist is what an objectStore returns for a missing object.
var errObjectNotExist = storage.ErrObjectNotExist

// objectStore is the subset of bucket operations the store needs.
type objectStore interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name, contentType string, data []byte) error
	Delete(ctx context.Context, name string) error
}

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b bucketObjects) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (b bucketObjects) Write(ctx context.Context, name, contentType string, data []byte) error {
	writer := b.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (b bucketObjects) Delete(ctx context.Context, name string) error {
	return b.bucket.Object(name).Delete(ctx)
}

// CheckpointStore keeps one JSON object per checkpoint key.
type CheckpointStore struct {
	objects objectStore
	prefix  string
}

// New creates a GCS-backed checkpoint store.
func New(client *storage.Client, cfg Config) (*CheckpointStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return newWithObjects(bucketObjects{bucket: client.Bucket(cfg.Bucket)}, cfg.Prefix), nil
}

func newWithObjects(objects objectStore, prefix string) *CheckpointStore {
	return &CheckpointStore{objects: objects, prefix: strings.Trim(prefix, "/")}
}

// Load fetches and decodes the checkpoint object.
func (s *CheckpointStore) Load(ctx context.Context, key string) (crawler.Checkpoint, error) {
	name, err := s.objectName(key)
	if err != nil {
		return crawler.Checkpoint{}, err
	}
	data, err := s.objects.Read(ctx, name)
	if err != nil {
		if errors.Is(err, errObjectNotExist) {
			return crawler.Checkpoint{}, store.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("read checkpoint object: %w", err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save overwrites the checkpoint object.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	name, err := s.objectName(cp.Key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.objects.Write(ctx, name, "application/json", data); err != nil {
		return fmt.Errorf("write checkpoint object: %w", err)
	}
	return nil
}

// Delete removes the checkpoint object; a missing object is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, name); err != nil && !errors.Is(err, errObjectNotExist) {
		return fmt.Errorf("delete checkpoint object: %w", err)
	}
	return nil
}

func (s *CheckpointStore) objectName(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("checkpoint key is required")
	}
	if s.prefix == "" {
		return "checkpoints/" + key + ".json", nil
	}
	return path.Join(s.prefix, "checkpoints", key+".json"), nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
