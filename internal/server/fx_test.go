package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/config"
	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/netident"
	localstore "github.com/JakeFAU/contact-harvester/internal/storage/local"
	memorystore "github.com/JakeFAU/contact-harvester/internal/storage/memory"
)

func TestBuildStoresMemoryWithSeed(t *testing.T) {
	t.Parallel()

	seed := filepath.Join(t.TempDir(), "tasks.jsonl")
	require.NoError(t, os.WriteFile(seed, []byte(
		`{"id":"b1","url":"https://one.example","partition":"east"}`+"\n"+
			`{"id":"b2","url":"https://two.example","partition":"east"}`+"\n",
	), 0o600))

	var cfg config.Config
	cfg.Database.SeedFile = seed
	cfg.Checkpoint.Backend = config.CheckpointMemory

	s, err := BuildStores(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	require.IsType(t, &memorystore.TaskStore{}, s.Tasks)
	require.IsType(t, &memorystore.CheckpointStore{}, s.Checkpoints)
	require.NoError(t, s.Ready(context.Background()))

	n, err := s.Tasks.CountTasks(context.Background(), crawler.TaskFilter{Partition: "east"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestBuildStoresLocalCheckpoints(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Checkpoint.Backend = config.CheckpointLocal
	cfg.Checkpoint.Dir = filepath.Join(t.TempDir(), "cps")

	s, err := BuildStores(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &localstore.CheckpointStore{}, s.Checkpoints)
	require.DirExists(t, cfg.Checkpoint.Dir)
}

func TestBuildStoresErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown backend", func(c *config.Config) { c.Checkpoint.Backend = "etcd" }, "unknown checkpoint backend"},
		{"postgres checkpoints without database", func(c *config.Config) { c.Checkpoint.Backend = config.CheckpointPostgres }, "requires database.dsn"},
		{"missing seed file", func(c *config.Config) {
			c.Checkpoint.Backend = config.CheckpointMemory
			c.Database.SeedFile = filepath.Join(os.TempDir(), "does-not-exist", "tasks.jsonl")
		}, "tasks.jsonl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg config.Config
			tt.mutate(&cfg)
			_, err := BuildStores(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBuildControllerByMode(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Rotation.Mode = config.RotationSimulated
	c, proxy, err := buildController(cfg, zap.NewNop())
	require.NoError(t, err)
	require.False(t, c.Real())
	require.Nil(t, proxy)

	cfg.Rotation.Mode = config.RotationProxyList
	cfg.Rotation.ProxyList = netident.ProxyListConfig{Proxies: []string{"http://p1:3128", "http://p2:3128"}, Quarantine: time.Minute}
	c, proxy, err = buildController(cfg, zap.NewNop())
	require.NoError(t, err)
	require.True(t, c.Real())
	require.Equal(t, "http://p1:3128", proxy())

	cfg.Rotation.Mode = "tor"
	_, _, err = buildController(cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown rotation mode")
}

func TestBuildSessionFactoryUnknownEngine(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Browser.Engine = "lynx"
	_, err := buildSessionFactory(cfg, nil, zap.NewNop())
	require.ErrorContains(t, err, "unknown browser engine")

	cfg.Browser.Engine = config.EngineColly
	f, err := buildSessionFactory(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, f)
}

func TestCloseAllRunsInReverseAndAggregates(t *testing.T) {
	t.Parallel()

	var order []string
	closers := []closer{
		{"first", func(context.Context) error { order = append(order, "first"); return nil }},
		{"second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") }},
		{"third", func(context.Context) error { order = append(order, "third"); return nil }},
	}
	err := closeAll(context.Background(), closers)
	require.ErrorContains(t, err, "close second: boom")
	require.Equal(t, []string{"third", "second", "first"}, order)
}
