// Package daemon composes the long-running process: configuration, storage,
// the ingestion pipeline, the media worker and the account registry, wired
// together as an fx module.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/account"
	"github.com/ecamargo/kindred/internal/bus"
	"github.com/ecamargo/kindred/internal/config"
	"github.com/ecamargo/kindred/internal/engine"
	"github.com/ecamargo/kindred/internal/ingest"
	"github.com/ecamargo/kindred/internal/lock"
	"github.com/ecamargo/kindred/internal/logging"
	"github.com/ecamargo/kindred/internal/media"
	"github.com/ecamargo/kindred/internal/stats"
	"github.com/ecamargo/kindred/internal/store"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideStats,
			provideMediaWorker,
			provideMediaSink,
			providePipeline,
			provideRegistry,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = account.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(account.LogPath(cfg.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.StorePath(cfg.DataDir)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStats(db *store.DB, logger *zap.Logger) *stats.Maintainer {
	return stats.NewMaintainer(db, logger)
}

func provideMediaWorker(cfg *config.Config, db *store.DB, logger *zap.Logger) (*media.Worker, error) {
	if !cfg.MediaEnabled() {
		logger.Info("media offload disabled")
		return nil, nil
	}
	objects, err := media.NewMinioStore(context.Background(), cfg.Media)
	if err != nil {
		return nil, err
	}
	logger.Info("media offload enabled",
		zap.String("endpoint", cfg.Media.Endpoint), zap.String("bucket", cfg.Media.Bucket))
	return media.NewWorker(db, objects, logger), nil
}

// provideMediaSink narrows the optional worker to the pipeline's interface.
// A nil *Worker must become a nil interface, not a typed nil.
func provideMediaSink(w *media.Worker) ingest.MediaSink {
	if w == nil {
		return nil
	}
	return w
}

func providePipeline(db *store.DB, st *stats.Maintainer, sink ingest.MediaSink, b *bus.Bus, logger *zap.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(db, st, sink, b, logger)
}

func provideRegistry(cfg *config.Config, db *store.DB, b *bus.Bus, pipeline *ingest.Pipeline, logger *zap.Logger) *engine.Registry {
	return engine.NewRegistry(cfg.DataDir, db, b, pipeline, logger)
}

func registerLifecycle(lc fx.Lifecycle, reg *engine.Registry, pipeline *ingest.Pipeline, worker *media.Worker, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			pipeline.Start()
			if worker != nil {
				worker.Start()
			}
			reg.RestoreAll(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			reg.Shutdown()
			pipeline.Stop()
			if worker != nil {
				worker.Stop()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
