// Package app wires configuration, storage clients and services into a
// runnable process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	mongodrv "go.mongodb.org/mongo-driver/mongo"

	"github.com/ternarybob/vectorpress/internal/common"
	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/queue"
	"github.com/ternarybob/vectorpress/internal/services/layout"
	"github.com/ternarybob/vectorpress/internal/services/lock"
	"github.com/ternarybob/vectorpress/internal/services/quota"
	"github.com/ternarybob/vectorpress/internal/services/reaper"
	"github.com/ternarybob/vectorpress/internal/services/scheduler"
	svgsvc "github.com/ternarybob/vectorpress/internal/services/svg"
	minioblobs "github.com/ternarybob/vectorpress/internal/storage/minio"
	mongostore "github.com/ternarybob/vectorpress/internal/storage/mongo"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage clients
	mongoDB  *mongodrv.Database
	redisCli *redis.Client
	badgerDB *badger.DB

	// Stores
	Jobs      interfaces.JobStorage
	Documents interfaces.DocumentStorage
	Access    interfaces.AccessStorage
	Blobs     interfaces.BlobStorage

	// Services
	Queue     *queue.Manager
	Locks     *lock.Service
	Quota     interfaces.QuotaService
	Engine    interfaces.LayoutEngine
	Scheduler *scheduler.Service
	Reaper    *reaper.Service
}

// New initializes the application with all dependencies.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := app.initQueue(); err != nil {
		return nil, err
	}
	app.initServices()

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("cache_tier", app.redisCli != nil).
		Msg("Application initialized")
	return app, nil
}

// initStorage connects mongo, minio, badger and the optional redis
// cache tier. A missing or unreachable cache degrades behavior instead
// of failing startup.
func (a *App) initStorage(ctx context.Context) error {
	db, err := mongostore.Connect(ctx, a.Config.Storage.Mongo)
	if err != nil {
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	a.mongoDB = db
	a.Jobs = mongostore.NewJobStore(db)
	a.Documents = mongostore.NewDocumentStore(db)
	a.Access = mongostore.NewAccessStore(db)

	blobs, err := minioblobs.NewBlobStore(a.Config.Storage.Minio, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	a.Blobs = blobs

	opts := badger.DefaultOptions(a.Config.Storage.Badger.Path).WithLogger(nil)
	if a.Config.Storage.Badger.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	a.badgerDB = bdb

	if addr := a.Config.Storage.Redis.Addr; addr != "" {
		cli := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.Config.Storage.Redis.Password,
			DB:       a.Config.Storage.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := cli.Ping(pingCtx).Err(); err != nil {
			// Locks and quota fall back to their durable paths.
			a.Logger.Warn().Err(err).Str("addr", addr).Msg("Redis unreachable, running without cache tier")
			_ = cli.Close()
		} else {
			a.redisCli = cli
		}
	}
	return nil
}

func (a *App) initQueue() error {
	mgr, err := queue.NewManager(a.badgerDB, queue.Options{
		QueueName:         a.Config.Queue.QueueName,
		Concurrency:       a.Config.Queue.Concurrency,
		PollInterval:      a.Config.PollInterval(),
		VisibilityTimeout: a.Config.VisibilityTimeout(),
		BackoffBase:       a.Config.BackoffBase(),
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.Queue = mgr
	return nil
}

func (a *App) initServices() {
	cfg := a.Config

	converter := svgsvc.NewConverter(
		cfg.Converter.Binary,
		time.Duration(cfg.Converter.TimeoutSeconds)*time.Second,
		a.Logger,
	)
	a.Engine = layout.NewEngine(a.Blobs, a.Documents, converter, a.Logger)

	a.Locks = lock.NewService(
		a.redisCli,
		time.Duration(cfg.Vector.RenderLockTTL)*time.Second,
		cfg.Vector.MaxActiveJobs,
		a.Logger,
	)
	a.Quota = quota.NewService(a.redisCli, a.Access, a.Logger)

	a.Scheduler = scheduler.NewService(cfg, a.Jobs, a.Blobs, a.Queue, a.Locks, a.Engine, a.Logger)
	a.Scheduler.Register()

	a.Reaper = reaper.NewService(cfg, a.Jobs, a.Blobs, a.Logger)
}

// Start launches the queue workers and the reaper schedule.
func (a *App) Start() error {
	if err := a.Queue.Start(); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	if err := a.Reaper.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	a.Logger.Info().Msg("Application started")
	return nil
}

// Close shuts components down in reverse dependency order.
func (a *App) Close() {
	a.Reaper.Stop()
	if err := a.Queue.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue stop failed")
	}
	if err := a.badgerDB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue database close failed")
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Redis close failed")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.mongoDB.Client().Disconnect(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Mongo disconnect failed")
	}
	a.Logger.Info().Msg("Application stopped")
}
