package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/config"
	"mirage-mcp-server/internal/engine"
	"mirage-mcp-server/internal/lifecycle"
	"mirage-mcp-server/internal/mangle"
	"mirage-mcp-server/internal/recorder"
	"mirage-mcp-server/internal/store"
)

// runtime is everything both deployments share: the store, the lifecycle fact store and
// bus, the persister listening on it, the flight recorder and the engine.
type runtime struct {
	cfg      config.Config
	logger   *zap.Logger
	store    store.Store
	facts    *mangle.Engine
	bus      *lifecycle.Bus
	recorder *recorder.Recorder
	engine   *engine.Engine

	stopPersister func()
}

// newLogger builds the process logger. With toFile set, output goes only to the configured
// log file, since stdout and stderr belong to the MCP stdio transport.
func newLogger(cfg config.ServerConfig, toFile bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "log level %q", cfg.LogLevel)
		}
		zc.Level = level
	}
	if toFile {
		if cfg.LogFile == "" {
			return zap.NewNop(), nil
		}
		zc.OutputPaths = []string{cfg.LogFile}
		zc.ErrorOutputPaths = []string{cfg.LogFile}
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.Named(cfg.Name), nil
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "remote":
		return store.NewRemoteStore(store.RemoteOptions{
			BaseURL:         cfg.URL,
			Token:           cfg.Token,
			Timeout:         cfg.GetTimeout(),
			WritesPerSecond: cfg.WritesPerSecond,
		})
	default:
		return store.NewFileStore(cfg.Path), nil
	}
}

func buildRuntime(cfg config.Config, logger *zap.Logger) (*runtime, error) {
	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	facts, err := mangle.NewEngine(cfg.Lifecycle, logger.Named("lifecycle"))
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle fact store")
	}
	bus := lifecycle.NewBus(facts, logger.Named("bus"))

	persister := store.NewPersister(st, logger.Named("persister"))
	stop := bus.Listen(persister.Handle)

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			stop()
			return nil, err
		}
	}

	eng := engine.New(engine.Options{
		Synth:     cfg.Synth,
		Logger:    logger,
		Bus:       bus,
		Recorder:  rec,
		Persister: persister,
	})
	if err := rec.Start(eng.Session().ID()); err != nil {
		stop()
		return nil, errors.Wrap(err, "start trace")
	}

	return &runtime{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		facts:         facts,
		bus:           bus,
		recorder:      rec,
		engine:        eng,
		stopPersister: stop,
	}, nil
}

// preselect selects a configuration at startup when one is named.
func (r *runtime) preselect(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := r.engine.Select(ctx, r.store, id)
	return err
}

func (r *runtime) close() {
	r.stopPersister()
	if err := r.recorder.Close(); err != nil {
		r.logger.Warn("close recorder", zap.Error(err))
	}
	_ = r.logger.Sync()
}
