package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatmirror/internal/api"
	"github.com/matheus3301/chatmirror/internal/backfill"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/config"
	"github.com/matheus3301/chatmirror/internal/directory"
	"github.com/matheus3301/chatmirror/internal/indexstore"
	"github.com/matheus3301/chatmirror/internal/instance"
	"github.com/matheus3301/chatmirror/internal/lock"
	"github.com/matheus3301/chatmirror/internal/logging"
	"github.com/matheus3301/chatmirror/internal/metrics"
	"github.com/matheus3301/chatmirror/internal/platform"
	"github.com/matheus3301/chatmirror/internal/projector"
	"github.com/matheus3301/chatmirror/internal/puller"
	"github.com/matheus3301/chatmirror/internal/queue"
	"github.com/matheus3301/chatmirror/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	InstanceName string
	SocketPath   string // optional override for testing; empty = use default
	// Config skips loading config.toml when set.
	Config *config.Config
	// Logger skips the file logger when set.
	Logger *zap.Logger
	// Source overrides the AMQP source, mainly for tests.
	Source puller.Source
}

type (
	clients   map[chat.Platform]platform.Client
	handlers  map[chat.Platform]puller.Handler
	pipelines map[chat.Platform]*backfill.Pipeline
)

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideIndexStore,
			provideDirectory,
			provideProjector,
			provideClients,
			provideHandlers,
			provideRegistry,
			providePipelines,
			provideScheduler,
			provideExecutor,
			provideMetricsServer,
			provideMirrorService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(instance.ConfigPath()); err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger.With(zap.String("instance", p.InstanceName)), nil
	}
	return logging.New(instance.LogPath(p.InstanceName), p.InstanceName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.InstanceName); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.InstanceName))
	l, err := lock.Acquire(instance.LockDir(p.InstanceName))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// The lock parameter orders store opening after the lock is held.
func provideIndexStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*indexstore.Store, error) {
	mode, err := indexstore.ParseFsyncMode(cfg.Store.Fsync)
	if err != nil {
		return nil, err
	}
	dir := instance.IndexDir(p.InstanceName)
	s, err := indexstore.Open(indexstore.Options{DataDir: dir, Fsync: mode, Metrics: metrics.StoreHook{}})
	if err != nil {
		return nil, err
	}
	logger.Info("index store opened", zap.String("path", dir), zap.String("fsync", cfg.Store.Fsync))
	return s, nil
}

func provideDirectory(p Params, _ *lock.Lock, logger *zap.Logger) (*directory.DB, error) {
	path := instance.DirectoryPath(p.InstanceName)
	db, err := directory.Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("directory initialized", zap.String("path", path))
	return db, nil
}

func provideProjector(cfg *config.Config, s *indexstore.Store, db *directory.DB, b *bus.Bus, logger *zap.Logger) (*projector.Projector, error) {
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	return projector.New(projector.FromIndexStore(s), db, policies, b, logger.With(zap.String("component", "projector"))), nil
}

func provideClients(cfg *config.Config) (clients, error) {
	out := make(clients, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		p, err := chat.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		c, err := platform.NewClient(p, platform.ClientOptions{
			BaseURL:           pc.BaseURL,
			Token:             pc.Token,
			RequestsPerSecond: pc.RequestsPerSecond,
			Timeout:           pc.Timeout.Duration,
			PageSize:          pc.PageSize,
		})
		if err != nil {
			return nil, err
		}
		out[p] = c
	}
	return out, nil
}

func provideHandlers(cs clients, proj *projector.Projector, logger *zap.Logger) (handlers, error) {
	out := make(handlers, len(cs))
	for p, c := range cs {
		adapter, err := platform.AdapterFor(p)
		if err != nil {
			return nil, err
		}
		ing := platform.NewIngestor(adapter, c, proj, logger.With(zap.String("component", "ingest"), zap.String("platform", string(p))))
		out[p] = ing.Handle
	}
	return out, nil
}

func provideRegistry(p Params, cfg *config.Config, s *indexstore.Store, b *bus.Bus, logger *zap.Logger) *puller.Registry {
	source := p.Source
	if source == nil {
		source = queue.NewSource(queue.Options{
			Prefetch: cfg.Pull.Prefetch,
			Declare:  cfg.Pull.DeclareQueues,
		}, logger.With(zap.String("component", "amqp")))
	}
	return puller.NewRegistry(source, s, b, puller.Options{
		StopTimeout:  cfg.Pull.StopTimeout.Duration,
		MaxPerSecond: cfg.Pull.MaxPerSecond,
	}, logger)
}

func providePipelines(cfg *config.Config, cs clients, db *directory.DB, proj *projector.Projector, s *indexstore.Store, b *bus.Bus, logger *zap.Logger) pipelines {
	out := make(pipelines, len(cs))
	for p, c := range cs {
		out[p] = backfill.NewPipeline(p, c, db, proj, s,
			backfill.Options{BufferPages: cfg.Backfill.BufferPages}, b,
			logger.With(zap.String("component", "backfill"), zap.String("platform", string(p))))
	}
	return out
}

// provideScheduler returns nil when nothing is scheduled.
func provideScheduler(cfg *config.Config, ps pipelines, logger *zap.Logger) (*backfill.Scheduler, error) {
	if cfg.Backfill.Cron == "" || len(cfg.Backfill.Conversations) == 0 {
		return nil, nil
	}
	targets := make([]backfill.Target, 0, len(cfg.Backfill.Conversations))
	for _, c := range cfg.Backfill.Conversations {
		p, err := chat.ParsePlatform(c.Platform)
		if err != nil {
			return nil, err
		}
		targets = append(targets, backfill.Target{Platform: p, ConversationID: c.ConversationID})
	}
	return backfill.NewScheduler(cfg.Backfill.Cron, targets, ps, logger.With(zap.String("component", "scheduler")))
}

func provideExecutor(cfg *config.Config, logger *zap.Logger) *worker.Executor {
	return worker.New(cfg.Backfill.Workers, 16, logger.With(zap.String("component", "worker")))
}

// provideMetricsServer returns nil when no listen address is configured.
func provideMetricsServer(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	if cfg.Metrics.Listen == "" {
		return nil
	}
	return metrics.NewServer(cfg.Metrics.Listen, logger)
}

func provideMirrorService(p Params, cfg *config.Config, r *puller.Registry, hs handlers, proj *projector.Projector, ps pipelines, exec *worker.Executor, db *directory.DB, b *bus.Bus, logger *zap.Logger) *api.MirrorService {
	subs := make(map[string]chat.Platform, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		if pl, err := chat.ParsePlatform(s.Platform); err == nil {
			subs[s.Subscription] = pl
		}
	}
	return api.NewMirrorService(api.Deps{
		Instance:      p.InstanceName,
		Registry:      r,
		Handlers:      hs,
		Subscriptions: subs,
		Projector:     proj,
		Pipelines:     ps,
		Executor:      exec,
		BackfillWait:  cfg.Backfill.Wait.Duration,
		Directory:     db,
		Bus:           b,
		Logger:        logger,
	})
}

type lifecycleDeps struct {
	fx.In

	Config    *config.Config
	Server    *Server
	Lock      *lock.Lock
	Store     *indexstore.Store
	Directory *directory.DB
	Registry  *puller.Registry
	Handlers  handlers
	Scheduler *backfill.Scheduler
	Executor  *worker.Executor
	Metrics   *metrics.Server
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if d.Metrics != nil {
				if err := d.Metrics.Start(); err != nil {
					return err
				}
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if d.Scheduler != nil {
				d.Scheduler.Start(context.Background())
			}
			startConfiguredPulls(ctx, d.Config, d.Registry, d.Handlers, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			if d.Scheduler != nil {
				d.Scheduler.Stop()
			}
			var errs []error
			if err := d.Registry.Close(ctx); err != nil {
				logger.Warn("error stopping pulls", zap.Error(err))
				errs = append(errs, err)
			}
			d.Executor.Close()
			if d.Metrics != nil {
				if err := d.Metrics.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := d.Store.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := d.Directory.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return errors.Join(errs...)
		},
	})
}

// startConfiguredPulls starts every auto-start subscription. A failure is
// logged and leaves the others running.
func startConfiguredPulls(ctx context.Context, cfg *config.Config, r *puller.Registry, hs handlers, logger *zap.Logger) {
	for _, s := range cfg.Subscriptions {
		if !s.AutoStart {
			continue
		}
		p, _ := chat.ParsePlatform(s.Platform)
		handler, ok := hs[p]
		if !ok {
			logger.Warn("no handler for subscription platform", zap.String("subscription", s.Subscription), zap.String("platform", s.Platform))
			continue
		}
		pull, err := r.GetOrCreate(s.Endpoint, s.Subscription)
		if err != nil {
			logger.Error("auto-start pull failed", zap.String("subscription", s.Subscription), zap.Error(err))
			continue
		}
		startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pull.Start(startCtx, handler)
		cancel()
		if err != nil {
			logger.Error("auto-start pull failed", zap.String("subscription", s.Subscription), zap.Error(err))
			continue
		}
		logger.Info("auto-started pull", zap.String("subscription", s.Subscription), zap.String("platform", s.Platform))
	}
}
