// Package server builds the taskstream application and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/api"
	"github.com/JakeFAU/taskstream/internal/bus"
	busmemory "github.com/JakeFAU/taskstream/internal/bus/memory"
	"github.com/JakeFAU/taskstream/internal/bus/natsbus"
	"github.com/JakeFAU/taskstream/internal/clock/system"
	"github.com/JakeFAU/taskstream/internal/config"
	"github.com/JakeFAU/taskstream/internal/dispatcher"
	"github.com/JakeFAU/taskstream/internal/id/uuid"
	"github.com/JakeFAU/taskstream/internal/logging"
	"github.com/JakeFAU/taskstream/internal/metrics"
	"github.com/JakeFAU/taskstream/internal/natsutil"
	"github.com/JakeFAU/taskstream/internal/producer"
	"github.com/JakeFAU/taskstream/internal/progress"
	progresssinks "github.com/JakeFAU/taskstream/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/taskstream/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/taskstream/internal/queue/memory"
	"github.com/JakeFAU/taskstream/internal/registry"
	"github.com/JakeFAU/taskstream/internal/session"
	storemem "github.com/JakeFAU/taskstream/internal/storage/memory"
	"github.com/JakeFAU/taskstream/internal/storage/natskv"
	pgstore "github.com/JakeFAU/taskstream/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/taskstream/internal/storage/sqlite"
	"github.com/JakeFAU/taskstream/internal/task"
	"github.com/JakeFAU/taskstream/internal/telemetry"
	"github.com/JakeFAU/taskstream/internal/worker"
)

const serviceName = "taskstream"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	queue           *queueMemory.Queue
	store           task.StateStore
	bus             task.EventBus
	sessions        *session.Manager
	progressHub     *progress.Hub
	natsServer      *natsserver.Server
	natsConn        *nats.Conn
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("bus_backend", cfg.Bus.Backend),
		zap.Int("workers", cfg.Workers.Concurrency),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal until HTTP has stopped accepting tasks.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Workers.Concurrency))
		a.dispatch.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	if err := a.sessions.Registry().Drain(shutdownCtx); err != nil {
		a.logger.Warn("session drain incomplete", zap.Error(err))
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure in dependency order. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("event bus close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("state store close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.natsConn != nil || a.natsServer != nil {
		natsutil.Shutdown(a.natsServer, a.natsConn)
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	metrics.Init()

	a.logger.Info("building application dependencies")
	if err := setupNATS(a); err != nil {
		return err
	}
	if a.store, err = setupStore(ctx, a); err != nil {
		return err
	}
	if a.bus, err = setupBus(a); err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	emitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}

	clock := system.New()
	prod := producer.New(a.store, a.bus, clock, emitter, producer.Config{
		StageDelay: a.cfg.Producer.StageDelay,
	}, a.logger)

	a.queue = queueMemory.NewQueue(a.cfg.Queue.Depth)
	a.dispatch = setupDispatcher(a, prod, publisher, clock)

	a.sessions, err = session.NewManager(session.Deps{
		Store:    a.store,
		Bus:      a.bus,
		Registry: registry.New(),
		Observer: metrics.SessionObserver{},
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("session manager init failed: %w", err)
	}

	a.apiServer = api.NewServer(
		a.store,
		a.dispatch,
		uuid.NewUUIDGenerator(),
		clock,
		a.sessions,
		*a.cfg,
		a.logger.Named("api"),
	)
	return nil
}

func setupNATS(app *App) error {
	if !app.cfg.UsesNATS() {
		return nil
	}
	if app.cfg.NATS.Embedded {
		ns, nc, err := natsutil.StartEmbedded(natsutil.EmbeddedOptions{StoreDir: app.cfg.NATS.StoreDir})
		if err != nil {
			return fmt.Errorf("embedded nats init failed: %w", err)
		}
		app.natsServer, app.natsConn = ns, nc
		app.logger.Info("embedded nats server started", zap.String("url", ns.ClientURL()))
		return nil
	}
	nc, err := nats.Connect(app.cfg.NATS.URL,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			app.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			app.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect failed: %w", err)
	}
	app.natsConn = nc
	app.logger.Info("nats connected", zap.String("url", app.cfg.NATS.URL))
	return nil
}

func setupStore(ctx context.Context, app *App) (task.StateStore, error) {
	cfg := app.cfg
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite state store", zap.String("path", cfg.SQLite.Path))
		return store, nil
	case config.BackendPostgres:
		store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			EnsureSchema:    cfg.DB.EnsureSchema,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.logger.Info("using postgres state store", zap.String("table", cfg.DB.Table))
		return store, nil
	case config.BackendNATS:
		js, err := jetstream.New(app.natsConn)
		if err != nil {
			return nil, fmt.Errorf("jetstream init failed: %w", err)
		}
		store, err := natskv.NewRecordStore(ctx, js, natskv.Config{
			Bucket:   cfg.NATS.KVBucket,
			TTL:      cfg.NATS.KVTTL,
			Replicas: cfg.NATS.KVReplicas,
		})
		if err != nil {
			return nil, fmt.Errorf("nats kv store init failed: %w", err)
		}
		app.logger.Info("using nats kv state store",
			zap.String("bucket", cfg.NATS.KVBucket),
			zap.Duration("ttl", cfg.NATS.KVTTL),
		)
		return store, nil
	default:
		app.logger.Info("using in-memory state store")
		return storemem.NewRecordStore(), nil
	}
}

func setupBus(app *App) (task.EventBus, error) {
	opts := bus.Options{
		BufferSize:      app.cfg.Bus.BufferSize,
		OnDrop:          metrics.ObserveBusDrop,
		DropLogInterval: app.cfg.Bus.DropLogInterval,
		Logger:          app.logger.Named("bus"),
	}
	if app.cfg.Bus.Backend == config.BackendNATS {
		b, err := natsbus.New(app.natsConn, natsbus.Config{
			SubjectPrefix: app.cfg.NATS.SubjectPrefix,
			Options:       opts,
		})
		if err != nil {
			return nil, fmt.Errorf("nats bus init failed: %w", err)
		}
		app.logger.Info("using nats event bus", zap.String("subject_prefix", app.cfg.NATS.SubjectPrefix))
		return b, nil
	}
	app.logger.Info("using in-memory event bus", zap.Int("buffer_size", app.cfg.Bus.BufferSize))
	return busmemory.New(opts), nil
}

func setupPublisher(ctx context.Context, app *App) (task.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, completion notices disabled")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("transition audit disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if app.cfg.Progress.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("transition audit enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupDispatcher(
	app *App,
	runner worker.Runner,
	publisher task.Publisher,
	clock task.Clock,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		Topic:       app.cfg.PubSub.TopicName,
		TaskTimeout: app.cfg.Workers.TaskTimeout,
	}
	app.logger.Info("worker config",
		zap.String("topic", workerCfg.Topic),
		zap.Duration("task_timeout", workerCfg.TaskTimeout),
		zap.Duration("stage_delay", app.cfg.Producer.StageDelay),
	)

	workers := make([]*worker.Worker, 0, app.cfg.Workers.Concurrency)
	for i := 0; i < app.cfg.Workers.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			runner,
			publisher,
			clock,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}
