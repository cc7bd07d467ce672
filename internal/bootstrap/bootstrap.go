// ============================================================================
// Bootstrap - process assembly
// ============================================================================
//
// Package: internal/bootstrap
// File: bootstrap.go
// Function: Builds the collaborators selected by the configuration and runs
// the components of a process mode until its context ends.
//
// Modes:
//   standalone  - gRPC coordinator + worker pool + reconciler in one process
//   coordinator - gRPC coordinator only
//   worker      - worker pool only
//   reconciler  - reconciler loop only
//
// Shutdown order (reverse of start):
//   1. gRPC server drains in-flight calls
//   2. worker pool stops fetching and finishes in-flight jobs
//   3. reconciler finishes its current cycle
//   4. metrics server, tracer provider, then backends are closed
//
// ============================================================================

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/memegen-pipeline/internal/config"
	"github.com/ChuLiYu/memegen-pipeline/internal/coordinator"
	"github.com/ChuLiYu/memegen-pipeline/internal/layout"
	"github.com/ChuLiYu/memegen-pipeline/internal/metrics"
	"github.com/ChuLiYu/memegen-pipeline/internal/observability"
	"github.com/ChuLiYu/memegen-pipeline/internal/queue"
	"github.com/ChuLiYu/memegen-pipeline/internal/reconciler"
	"github.com/ChuLiYu/memegen-pipeline/internal/server"
	"github.com/ChuLiYu/memegen-pipeline/internal/settings"
	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/internal/store/objectstore"
	"github.com/ChuLiYu/memegen-pipeline/internal/store/rediscache"
	"github.com/ChuLiYu/memegen-pipeline/internal/store/sqlstore"
	"github.com/ChuLiYu/memegen-pipeline/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the collaborators of one process.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Records   store.RecordStore
	Templates store.TemplateStore
	Configs   store.ConfigStore
	Objects   store.ObjectStore
	Cache     store.Cache
	Queue     queue.Queue
	Settings  *settings.Loader

	closers []func() error
}

// Build connects every backend named by cfg. On error, whatever was opened
// is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	app = &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.NewCollector(reg),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	if err := app.buildStores(ctx); err != nil {
		return app, err
	}
	if err := app.buildObjects(ctx); err != nil {
		return app, err
	}
	if err := app.buildCacheAndQueue(ctx); err != nil {
		return app, err
	}
	app.Settings = settings.NewLoader(app.Configs, logger)
	return app, nil
}

func (a *App) buildStores(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case config.BackendMemory:
		a.Records = store.NewMemoryRecordStore()
		a.Templates = store.NewMemoryTemplateStore()
		a.Configs = store.NewMemoryConfigStore()
		return nil
	case config.BackendSQLite, config.BackendPostgres:
		db, err := sqlstore.Open(a.Config.Store.Driver, a.Config.Store.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare %s schema: %w", a.Config.Store.Driver, err)
		}
		a.Records, a.Templates, a.Configs = db, db, db
		return nil
	}
	return fmt.Errorf("unknown store driver %q", a.Config.Store.Driver)
}

func (a *App) buildObjects(ctx context.Context) error {
	switch a.Config.Objects.Backend {
	case config.BackendMemory:
		a.Objects = store.NewMemoryObjectStore()
		return nil
	case config.BackendFS:
		fs, err := objectstore.NewFS(a.Config.Objects.Dir)
		if err != nil {
			return err
		}
		a.Objects = fs
		return nil
	case config.BackendMinIO:
		m, err := objectstore.NewMinIO(ctx, a.Config.Objects.MinIO)
		if err != nil {
			return err
		}
		a.Objects = m
		return nil
	}
	return fmt.Errorf("unknown object backend %q", a.Config.Objects.Backend)
}

func (a *App) buildCacheAndQueue(ctx context.Context) error {
	var client *redis.Client
	redisClient := func() (*redis.Client, error) {
		if client != nil {
			return client, nil
		}
		c := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, c.Close)
		if err := c.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", a.Config.Redis.Addr, err)
		}
		client = c
		return c, nil
	}

	switch a.Config.Cache.Backend {
	case config.BackendMemory:
		a.Cache = store.NewMemoryCache(time.Now)
	case config.BackendRedis:
		c, err := redisClient()
		if err != nil {
			return err
		}
		a.Cache = rediscache.New(c, a.Config.Cache.Prefix)
	default:
		return fmt.Errorf("unknown cache backend %q", a.Config.Cache.Backend)
	}

	switch a.Config.Queue.Backend {
	case config.BackendMemory:
		q := queue.NewMemory()
		a.closers = append(a.closers, q.Close)
		a.Queue = q
	case config.BackendRedis:
		c, err := redisClient()
		if err != nil {
			return err
		}
		a.Queue = queue.NewRedis(c, queue.RedisConfig{Key: a.Config.Queue.Key, PollTimeout: a.Config.Queue.PollTimeout})
	default:
		return fmt.Errorf("unknown queue backend %q", a.Config.Queue.Backend)
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Coordinator builds the request coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return coordinator.New(coordinator.Deps{
		Templates: a.Templates,
		Records:   a.Records,
		Objects:   a.Objects,
		Cache:     a.Cache,
		Queue:     a.Queue,
		Settings:  a.Settings,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	})
}

// Processor builds the render job processor, loading the configured font.
func (a *App) Processor() (*worker.Processor, error) {
	var (
		engine *layout.Engine
		err    error
	)
	if a.Config.Worker.FontFile != "" {
		ttf, rerr := os.ReadFile(a.Config.Worker.FontFile)
		if rerr != nil {
			return nil, fmt.Errorf("failed to read font file: %w", rerr)
		}
		engine, err = layout.NewEngineFromTTF(ttf)
	} else {
		engine, err = layout.NewEngine()
	}
	if err != nil {
		return nil, err
	}
	return worker.NewProcessor(worker.ProcessorDeps{
		Records:   a.Records,
		Templates: a.Templates,
		Objects:   a.Objects,
		Renderer:  engine,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}), nil
}

// Pool builds a worker pool fed from the queue.
func (a *App) Pool() (*worker.Pool, error) {
	proc, err := a.Processor()
	if err != nil {
		return nil, err
	}
	return worker.NewPool(a.Queue, proc, worker.PoolConfig{
		JobTimeout:   a.Config.Worker.JobTimeout,
		ResultBuffer: a.Config.Worker.ResultBuffer,
	}, a.Metrics, a.Logger), nil
}

// Reconciler builds the lifecycle reconciler.
func (a *App) Reconciler() *reconciler.Reconciler {
	return reconciler.New(reconciler.Config{Interval: a.Config.Reconciler.Interval}, reconciler.Deps{
		Records:  a.Records,
		Objects:  a.Objects,
		Cache:    a.Cache,
		Settings: a.Settings,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	})
}

// Run starts the components of mode and blocks until ctx ends. If ready is
// non-nil it receives the gRPC listen address once serving (empty when the
// mode has no server).
func (a *App) Run(ctx context.Context, mode string, ready chan<- string) error {
	shutdownTracing, err := observability.InitTracing("memegen-"+mode, a.Config.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.Logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	if a.Config.Metrics.Enabled {
		srv := metrics.NewServer(a.Config.Metrics.Port, a.Metrics)
		go func() {
			a.Logger.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	runPool := mode == config.ModeStandalone || mode == config.ModeWorker
	runServer := mode == config.ModeStandalone || mode == config.ModeCoordinator
	runReconciler := mode == config.ModeStandalone || mode == config.ModeReconciler

	if runReconciler {
		r := a.Reconciler()
		if err := r.Start(ctx); err != nil {
			return err
		}
		defer r.Stop()
	}

	if runPool {
		pool, err := a.Pool()
		if err != nil {
			return err
		}
		if err := pool.Start(a.Config.Worker.WorkerCount); err != nil {
			return err
		}
		go a.drainResults(pool)
		defer pool.Stop()
	}

	addr := ""
	if runServer {
		lis, err := net.Listen("tcp", a.Config.Coordinator.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.Config.Coordinator.Listen, err)
		}
		srv := server.NewServer(a.Coordinator(), a.Settings, a.Logger)
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(lis) }()
		defer srv.Stop()
		addr = lis.Addr().String()

		if ready != nil {
			ready <- addr
		}
		a.Logger.Info("System started", "mode", mode, "addr", addr)
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				return err
			}
		}
	} else {
		if ready != nil {
			ready <- addr
		}
		a.Logger.Info("System started", "mode", mode)
		<-ctx.Done()
	}

	a.Logger.Info("Shutting down", "mode", mode)
	return nil
}

func (a *App) drainResults(pool *worker.Pool) {
	for {
		res, err := pool.ReceiveResult()
		if err != nil {
			return
		}
		if res.Error != nil && res.Outcome != worker.OutcomeFailed {
			a.Logger.Warn("Job ended abnormally", "correlation_id", res.CorrelationID, "outcome", res.Outcome, "error", res.Error)
			continue
		}
		a.Logger.Debug("Job finished", "correlation_id", res.CorrelationID, "outcome", res.Outcome, "duration", res.Duration)
	}
}
