// Package server builds the harvester's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/api"
	"github.com/JakeFAU/contact-harvester/internal/clock/system"
	"github.com/JakeFAU/contact-harvester/internal/config"
	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/contact-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/contact-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/contact-harvester/internal/hash/sha256"
	"github.com/JakeFAU/contact-harvester/internal/id/uuid"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
	"github.com/JakeFAU/contact-harvester/internal/netident"
	"github.com/JakeFAU/contact-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/contact-harvester/internal/policy/retry"
	"github.com/JakeFAU/contact-harvester/internal/pool"
	"github.com/JakeFAU/contact-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/contact-harvester/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/contact-harvester/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/contact-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/contact-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/contact-harvester/internal/rotation"
	"github.com/JakeFAU/contact-harvester/internal/scheduler"
	gcsstore "github.com/JakeFAU/contact-harvester/internal/storage/gcs"
	localstore "github.com/JakeFAU/contact-harvester/internal/storage/local"
	memorystore "github.com/JakeFAU/contact-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/contact-harvester/internal/storage/postgres"
	redisstore "github.com/JakeFAU/contact-harvester/internal/storage/redis"
	"github.com/JakeFAU/contact-harvester/internal/store"
	"github.com/JakeFAU/contact-harvester/internal/worker"
)

// closer releases one resource during shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Stores are the persistence layer, usable without the crawl machinery.
type Stores struct {
	Tasks       store.TaskStore
	Checkpoints store.CheckpointStore
	db          *pgxpool.Pool
	closers     []closer
}

// Ready pings the database when one is configured.
func (s *Stores) Ready(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases store connections.
func (s *Stores) Close(ctx context.Context) error {
	return closeAll(ctx, s.closers)
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	stores    *Stores
	pool      *pool.Manager
	rotation  *rotation.Coordinator
	hub       *progress.Hub
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	closers   []closer
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	sinks []progress.Sink
}

// WithSinks adds progress sinks next to the log and Prometheus sinks.
func WithSinks(sinks ...progress.Sink) Option {
	return func(o *buildOptions) { o.sinks = append(o.sinks, sinks...) }
}

// Scheduler returns the batch scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Stores returns the persistence layer.
func (a *App) Stores() *Stores { return a.stores }

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// BuildStores opens the task and checkpoint stores selected by cfg.
func BuildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Stores, err error) {
	s := &Stores{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close(context.WithoutCancel(ctx)))
		}
	}()

	if cfg.Database.DSN != "" {
		db, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		s.db = db
		s.closers = append(s.closers, closer{"postgres", func(context.Context) error {
			db.Close()
			return nil
		}})
		if cfg.Database.ApplySchema {
			if err := pgstore.EnsureSchema(ctx, db); err != nil {
				return nil, err
			}
		}
		tasks, err := pgstore.NewTaskStore(db)
		if err != nil {
			return nil, fmt.Errorf("postgres task store: %w", err)
		}
		s.Tasks = tasks
		logger.Info("using postgres task store")
	} else {
		tasks := memorystore.NewTaskStore()
		if cfg.Database.SeedFile != "" {
			n, err := tasks.LoadTasksFile(cfg.Database.SeedFile)
			if err != nil {
				return nil, err
			}
			logger.Info("seeded in-memory task store", zap.String("file", cfg.Database.SeedFile), zap.Int("tasks", n))
		} else {
			logger.Warn("no database configured and no seed file; task store is empty")
		}
		s.Tasks = tasks
	}

	switch cfg.Checkpoint.Backend {
	case config.CheckpointMemory:
		s.Checkpoints = memorystore.NewCheckpointStore()
	case config.CheckpointLocal:
		cps, err := localstore.New(localstore.Config{Dir: cfg.Checkpoint.Dir})
		if err != nil {
			return nil, fmt.Errorf("local checkpoint store: %w", err)
		}
		s.Checkpoints = cps
	case config.CheckpointRedis:
		cps, err := redisstore.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis checkpoint store: %w", err)
		}
		s.Checkpoints = cps
		s.closers = append(s.closers, closer{"redis", func(context.Context) error { return cps.Close() }})
	case config.CheckpointGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		s.closers = append(s.closers, closer{"gcs", func(context.Context) error { return client.Close() }})
		cps, err := gcsstore.New(client, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs checkpoint store: %w", err)
		}
		s.Checkpoints = cps
	case config.CheckpointPostgres:
		if s.db == nil {
			return nil, errors.New("postgres checkpoint store requires database.dsn")
		}
		cps, err := pgstore.NewCheckpointStore(s.db)
		if err != nil {
			return nil, fmt.Errorf("postgres checkpoint store: %w", err)
		}
		s.Checkpoints = cps
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
	logger.Info("checkpoint store ready", zap.String("backend", cfg.Checkpoint.Backend))
	return s, nil
}

// Build creates the application's dependencies. Browser slots are launched
// here, so Build blocks until the pool is ready.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, app.Close(context.WithoutCancel(ctx)))
		}
	}()

	logger.Info("building application dependencies",
		zap.String("engine", cfg.Browser.Engine),
		zap.String("rotation", cfg.Rotation.Mode),
		zap.String("checkpoint", cfg.Checkpoint.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)

	app.stores, err = BuildStores(ctx, cfg, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	app.hub, err = buildProgress(ctx, cfg, logger, bo.sinks)
	if err != nil {
		return nil, err
	}

	publisher, err := app.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	controller, proxy, err := buildController(cfg, logger.Named("netident"))
	if err != nil {
		return nil, err
	}

	factory, err := buildSessionFactory(cfg, proxy, logger.Named("browser"))
	if err != nil {
		return nil, err
	}
	app.pool, err = pool.New(ctx, cfg.Pool, factory, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("worker pool init failed: %w", err)
	}

	clock := system.New()
	app.rotation = rotation.New(cfg.Rotation.Coordinator, controller, logger.Named("rotation"))
	app.rotation.OnRotate(func() {
		app.pool.RequestRecycle()
		app.hub.Emit(progress.Event{
			TS:    clock.Now(),
			Stage: progress.StageRotation,
			Note:  fmt.Sprintf("egress rotated via %s", cfg.Rotation.Mode),
		})
	})

	w := worker.New(
		app.pool,
		extract.New(cfg.Extract, logger.Named("extract")),
		app.rotation,
		ratelimit.New(cfg.RateLimit),
		app.stores.Tasks,
		publisher,
		retry.New(cfg.Retry),
		clock,
		worker.Config{
			Topic:             cfg.Publisher.Topic,
			MaxContactPages:   cfg.Extract.MaxContactPages,
			MaxSlotRecoveries: cfg.Worker.MaxSlotRecoveries,
			BlockScanBytes:    cfg.Worker.BlockScanBytes,
			PersistTimeout:    cfg.Scheduler.PersistTimeout,
		},
		logger.Named("worker"),
	)

	app.scheduler, err = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Pool:        app.pool,
		Executor:    w,
		Tasks:       app.stores.Tasks,
		Checkpoints: app.stores.Checkpoints,
		Progress:    app.hub,
		Keyer:       sha256.New(),
		Clock:       clock,
		IDs:         uuid.New(),
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	apiOpts := api.Options{RequestTimeout: cfg.Server.WriteTimeout}
	if cfg.Auth.Enabled {
		apiOpts.APIKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Deps{
		Batches:  app.scheduler,
		Details:  app.stores.Tasks,
		Rotation: app.rotation,
		Ready:    app.stores.Ready,
	}, apiOpts, logger.Named("api"))

	logger.Info("application ready", zap.Int("slots", app.pool.Size()))
	return app, nil
}

func buildProgress(ctx context.Context, cfg config.Config, logger *zap.Logger, extra []progress.Sink) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinks := append([]progress.Sink{
		progresssinks.NewLogSink(logger.Named("progress_log")),
		promSink,
	}, extra...)
	hubCfg := cfg.Progress
	hubCfg.BaseContext = context.WithoutCancel(ctx)
	hubCfg.Logger = logger.Named("progress_hub")
	return progress.NewHub(hubCfg, sinks...), nil
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.Publisher
	switch cfg.Backend {
	case config.PublisherNone:
		a.logger.Info("contact publishing disabled")
		return nil, nil
	case config.PublisherMemory:
		return memorypublisher.New(), nil
	case config.PublisherPubSub:
		client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"pubsub client", func(context.Context) error { return client.Close() }})
		pub, err := gcppublisher.New(client, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, closer{"pubsub publisher", func(context.Context) error { return pub.Close() }})
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case config.PublisherKafka:
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			BatchTimeout: cfg.BatchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.closers = append(a.closers, closer{"kafka publisher", func(context.Context) error { return pub.Close() }})
		a.logger.Info("Kafka publisher initialized", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend %q", cfg.Backend)
	}
}

// buildController returns the network controller and, for proxy rotation,
// the function new browser sessions read their proxy from.
func buildController(cfg config.Config, logger *zap.Logger) (crawler.NetworkController, func() string, error) {
	switch cfg.Rotation.Mode {
	case config.RotationSimulated:
		return netident.NewSimulated(logger), nil, nil
	case config.RotationCommand:
		c, err := netident.NewCommand(cfg.Rotation.Command, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("command rotation: %w", err)
		}
		return c, nil, nil
	case config.RotationProxyList:
		p, err := netident.NewProxyList(cfg.Rotation.ProxyList, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("proxy rotation: %w", err)
		}
		return p, p.Current, nil
	default:
		return nil, nil, fmt.Errorf("unknown rotation mode %q", cfg.Rotation.Mode)
	}
}

func buildSessionFactory(cfg config.Config, proxy func() string, logger *zap.Logger) (crawler.SessionFactory, error) {
	switch cfg.Browser.Engine {
	case config.EngineColly:
		return collyfetcher.New(cfg.Browser.Colly, collyfetcher.ProxyFunc(proxy)), nil
	case config.EngineHeadless:
		f, err := headlessfetcher.NewSessionFactory(cfg.Browser.Headless, headlessfetcher.ProxyFunc(proxy), logger)
		if err != nil {
			return nil, fmt.Errorf("headless session factory: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", cfg.Browser.Engine)
	}
}

// Run serves the control surface until ctx ends or SIGINT/SIGTERM arrives,
// then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	select {
	case serr := <-serveErr:
		err = fmt.Errorf("http server: %w", serr)
	default:
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("server shutdown: %w", serr))
	}
	return multierr.Append(err, a.Close(shutdownCtx))
}

// Close stops running batches and releases every resource in reverse build
// order.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.scheduler != nil {
		err = multierr.Append(err, a.scheduler.Shutdown(ctx))
	}
	if a.pool != nil {
		err = multierr.Append(err, a.pool.Close())
	}
	if a.hub != nil {
		err = multierr.Append(err, a.hub.Close(ctx))
	}
	err = multierr.Append(err, closeAll(ctx, a.closers))
	if a.stores != nil {
		err = multierr.Append(err, a.stores.Close(ctx))
	}
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func closeAll(ctx context.Context, closers []closer) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].fn(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", closers[i].name, cerr))
		}
	}
	return err
}
