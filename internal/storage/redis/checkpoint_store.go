// Package redis stores checkpoints in Redis with a TTL equal to the
// checkpoint max age, so stale resume points expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/store"
)

// Config holds the connection and keying parameters.
type Config struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// client is the subset of the go-redis API used here.
type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// CheckpointStore keeps checkpoints as JSON strings.
type CheckpointStore struct {
	client client
	prefix string
	ttl    time.Duration
}

// New connects to Redis.
func New(cfg Config) (*CheckpointStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	c := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newWithClient(c, cfg.Prefix, cfg.TTL), nil
}

func newWithClient(c client, prefix string, ttl time.Duration) *CheckpointStore {
	if prefix == "" {
		prefix = "harvester:checkpoint:"
	}
	return &CheckpointStore{client: c, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *CheckpointStore) Close() error {
	return s.client.Close()
}

// Load reads the checkpoint for key.
func (s *CheckpointStore) Load(ctx context.Context, key string) (crawler.Checkpoint, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return crawler.Checkpoint{}, store.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal([]byte(val), &cp); err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save writes the checkpoint and refreshes its TTL.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if strings.TrimSpace(cp.Key) == "" {
		return fmt.Errorf("checkpoint key is required")
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+cp.Key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
