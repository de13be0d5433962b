// Package daemon composes the client: config, logging, the sqlite mirror,
// the realtime manager and its collaborators, all wired through fx.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/bus"
	"github.com/ssanchezg/charla/internal/config"
	"github.com/ssanchezg/charla/internal/lock"
	"github.com/ssanchezg/charla/internal/logging"
	"github.com/ssanchezg/charla/internal/presence"
	"github.com/ssanchezg/charla/internal/realtime"
	"github.com/ssanchezg/charla/internal/rest"
	"github.com/ssanchezg/charla/internal/session"
	"github.com/ssanchezg/charla/internal/state"
	"github.com/ssanchezg/charla/internal/store"
	intsync "github.com/ssanchezg/charla/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRESTClient,
			provideStateStore,
			provideIngestor,
			provideSyncEngine,
			provideManager,
			providePoller,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideRESTClient(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.ServerURL, func() string { return cfg.Token }, logger)
}

func provideStateStore(client *rest.Client, logger *zap.Logger) *state.Store {
	return state.New(client, logger)
}

func provideIngestor(st *state.Store, b *bus.Bus, logger *zap.Logger) *state.Ingestor {
	return state.NewIngestor(st, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, st *state.Store, logger *zap.Logger) *intsync.Engine {
	engine := intsync.NewEngine(db, b, logger)
	engine.SetActiveChat(st.ActiveChat)
	return engine
}

func provideManager(cfg *config.Config, client *rest.Client, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	opts := realtime.Options{
		BaseURL:               cfg.ServerURL,
		Token:                 func() string { return cfg.Token },
		HeartbeatInterval:     cfg.HeartbeatInterval.Duration,
		HeartbeatTimeout:      cfg.HeartbeatTimeout.Duration,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay.Duration,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay.Duration,
		QueueCapacity:         cfg.QueueCapacity,
	}
	return realtime.NewManager(opts, realtime.WebsocketDialer{}, client, b, logger)
}

func providePoller(client *rest.Client, st *state.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *presence.Poller {
	return presence.NewPoller(client, st, b, cfg.PresencePollInterval.Duration, logger)
}

func provideController(st *state.Store, db *store.DB, m *realtime.Manager, client *rest.Client, engine *intsync.Engine, poller *presence.Poller, cfg *config.Config, logger *zap.Logger) *Controller {
	return NewController(st, db, m, client, engine, poller, cfg.HistoryPageSize, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, m *realtime.Manager, engine *intsync.Engine, ingestor *state.Ingestor, poller *presence.Poller, ctrl *Controller, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers first, so the first frames are not lost.
			engine.Start()
			ingestor.Start()
			poller.Start()

			go func() {
				if err := ctrl.Bootstrap(context.Background()); err != nil {
					logger.Error("bootstrap failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			m.Disconnect()
			poller.Stop()
			ingestor.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
