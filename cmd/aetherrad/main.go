// Command aetherrad runs the Aetherra job runtime: the job processor, the
// retention loops and the HTTP API.
package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"Aetherra-Core/internal/api"
	"Aetherra-Core/internal/chain"
	"Aetherra-Core/internal/config"
	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/job"
	"Aetherra-Core/internal/observability/alerting"
	"Aetherra-Core/internal/observability/metrics"
	"Aetherra-Core/internal/observability/telemetry"
	"Aetherra-Core/internal/script"
	"Aetherra-Core/internal/storage/mysql"
	"Aetherra-Core/internal/versioning"
	"Aetherra-Core/pkg/logger"
	"Aetherra-Core/pkg/plugin"
	"Aetherra-Core/pkg/plugin/builtin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "aetherrad: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("aetherrad")

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		OTLPInsecure: cfg.Telemetry.Insecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	m := metrics.New()

	store, err := openJobStore(ctx, cfg.Jobs.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := openQueue(ctx, cfg.Jobs.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("close job queue", slog.Any("error", err))
		}
	}()

	manager, err := openPluginManager(cfg.Plugins)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.StopAll(context.Background()); err != nil {
			log.Warn("stop plugins", slog.Any("error", err))
		}
	}()

	catalog, err := script.LoadCatalog(cfg.Scripts.Catalog, cfg.Scripts.Dir)
	if err != nil {
		return err
	}

	chainer := chain.New(manager, chain.WithNodeObserver(m))

	versions, err := openVersionControl(ctx, cfg.Versioning)
	if err != nil {
		return err
	}
	defer func() {
		if err := versions.Close(); err != nil {
			log.Warn("close version control", slog.Any("error", err))
		}
	}()

	alerts, closeAlerts, err := openAlerting(ctx, cfg.Alerting)
	if err != nil {
		return err
	}
	defer closeAlerts()

	cancels := job.NewCancelRegistry()
	service := job.NewService(store, queue,
		job.WithScripts(catalog),
		job.WithServiceCancelRegistry(cancels),
		job.WithServiceObserver(m),
	)
	processor := job.NewProcessor(script.NewChainExecutor(catalog, chainer), store, queue,
		job.WithWorkerCount(cfg.Jobs.Workers),
		job.WithJobTimeout(cfg.Jobs.Timeout),
		job.WithCancelRegistry(cancels),
		job.WithAlertDispatcher(alerts),
		job.WithProcessorObserver(m),
		job.WithProcessorLogger(logger.Named("job.processor")),
	)
	janitor := job.NewJanitor(service, job.CleanupPolicy{
		MaxAge:  cfg.Jobs.Retention.MaxAge,
		MaxJobs: cfg.Jobs.Retention.MaxJobs,
	}, cfg.Jobs.Retention.Interval)

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Jobs:     service,
		Scripts:  catalog,
		Plugins:  manager,
		Chainer:  chainer,
		Versions: versions,
		Metrics:  m,
	},
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	log.Info("aetherrad starting",
		slog.String("address", cfg.Server.Address),
		slog.String("job_store", cfg.Jobs.Store.Driver),
		slog.String("job_queue", cfg.Jobs.Queue.Driver),
		slog.String("snapshot_store", cfg.Versioning.Driver),
		slog.Int("scripts", catalog.Len()),
		slog.Int("plugins", len(manager.List())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		return pruneSnapshots(gctx, versions, versioning.Retention{
			MaxAge:       cfg.Versioning.Retention.MaxAge,
			MaxPerPlugin: cfg.Versioning.Retention.MaxPerPlugin,
		}, cfg.Versioning.Retention.Interval)
	})
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	log.Info("aetherrad stopped")
	return nil
}

func openJobStore(ctx context.Context, cfg config.JobStoreConfig) (job.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return job.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := mysql.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return job.NewMySQLStore(db), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown job store driver "+cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (job.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return job.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown job queue driver "+cfg.Driver)
	}
}

// openPluginManager registers the builtins and any Go plugins named in the
// manager config. A missing config path means builtins only.
func openPluginManager(cfg config.PluginsConfig) (*plugin.Manager, error) {
	managerCfg := plugin.ManagerConfig{Plugins: map[string]plugin.PluginConfig{}}
	if cfg.Config != "" {
		loaded, err := plugin.LoadManagerConfig(cfg.Config)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load plugin config")
		}
		managerCfg = loaded
	}
	manager, err := plugin.NewManager(managerCfg,
		plugin.WithBuiltins(builtin.All()...),
		plugin.WithIsolationStrategy(plugin.NewScratchDirs(cfg.ScratchDir)),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create plugin manager")
	}
	return manager, nil
}

func openVersionControl(ctx context.Context, cfg config.VersioningConfig) (*versioning.Control, error) {
	var (
		store versioning.Store
		err   error
	)
	switch cfg.Driver {
	case "", "sqlite":
		store, err = versioning.OpenSQLite(ctx, cfg.Path)
	case "file":
		store, err = versioning.NewFileStore(cfg.Path)
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, "unknown snapshot store driver "+cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	var exporter versioning.Exporter
	switch cfg.Export.Driver {
	case "", "file":
		exporter = versioning.FileExporter{Dir: cfg.Export.Dir}
	case "minio":
		exporter, err = versioning.NewMinIOExporter(ctx, cfg.Export.MinIO)
	case "none":
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, "unknown snapshot export driver "+cfg.Export.Driver)
	}
	if err != nil {
		store.Close()
		return nil, err
	}

	live, err := versioning.NewLiveWriter(cfg.LiveDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	return versioning.NewControl(store,
		versioning.WithExporter(exporter),
		versioning.WithLiveWriter(live),
	), nil
}

// openAlerting always logs alerts and additionally publishes them to Redis
// when configured.
func openAlerting(ctx context.Context, cfg config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	closeFn := func() {}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("connect alert redis %s", cfg.Redis.Address))
		}
		notifiers = append(notifiers, alerting.NewRedisNotifier(client, cfg.Redis.Topic))
		closeFn = func() { _ = client.Close() }
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}

// pruneSnapshots applies the snapshot retention policy once per interval.
func pruneSnapshots(ctx context.Context, vc *versioning.Control, policy versioning.Retention, interval time.Duration) error {
	if policy.MaxAge <= 0 && policy.MaxPerPlugin <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	log := logger.Named("versioning.prune")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := vc.Prune(ctx, policy)
			if err != nil {
				log.Error("snapshot prune failed", slog.Any("error", err))
				continue
			}
			if report.Deleted > 0 {
				log.Info("snapshots pruned", slog.Int("deleted", report.Deleted))
			}
		}
	}
}
