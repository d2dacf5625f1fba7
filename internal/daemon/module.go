package daemon

import (
	"context"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/conn"
	"github.com/beaconhq/beacon/internal/geo"
	"github.com/beaconhq/beacon/internal/lock"
	"github.com/beaconhq/beacon/internal/logging"
	"github.com/beaconhq/beacon/internal/outbox"
	"github.com/beaconhq/beacon/internal/rest"
	"github.com/beaconhq/beacon/internal/session"
	"github.com/beaconhq/beacon/internal/status"
	"github.com/beaconhq/beacon/internal/store"
	intsync "github.com/beaconhq/beacon/internal/sync"
	"github.com/beaconhq/beacon/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideRESTClient,
			provideManager,
			provideReconciler,
			provideTypingTracker,
			provideFlusher,
			provideUnreadTracker,
			provideLocator,
			provideGeocoder,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideRESTClient(cfg *config.Config) *rest.Client {
	return rest.New(cfg.ServerURL, cfg.AuthToken)
}

func provideManager(cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg.ServerURL, b, machine, logger)
}

func provideReconciler(db *store.DB, api *rest.Client, manager *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	debounce := intsync.DefaultDebounce
	if cfg.DebounceMs > 0 {
		debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	}
	return intsync.NewReconciler(db, api, manager, b, logger, debounce)
}

func provideTypingTracker(b *bus.Bus, logger *zap.Logger) *intsync.TypingTracker {
	return intsync.NewTypingTracker(b, logger)
}

func provideFlusher(db *store.DB, api *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Flusher {
	return outbox.NewFlusher(db, api, b, logger)
}

func provideUnreadTracker(db *store.DB, b *bus.Bus) *unread.Tracker {
	return unread.NewTracker(db, b)
}

func provideLocator(cfg *config.Config) geo.Locator {
	return geo.NewStaticLocator(cfg.Location)
}

func provideGeocoder(cfg *config.Config) geo.Geocoder {
	return geo.NewHTTPGeocoder(cfg.ServerURL + "/geo")
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	cfg *config.Config,
	manager *conn.Manager,
	reconciler *intsync.Reconciler,
	typing *intsync.TypingTracker,
	flusher *outbox.Flusher,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// The reconciler and flusher watch connectivity events, so they
			// must be running before the channel comes up.
			reconciler.Start(ctx, cfg.UserID)
			typing.Start(ctx, manager)
			flusher.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// The manager transitions to Connecting itself.
			if err := manager.Connect(ctx, cfg.UserID, cfg.AuthToken); err != nil {
				// The channel retries on its own; the daemon stays up and
				// serves the cached list while offline.
				logger.Error("initial connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Close()
			flusher.Stop()
			typing.Stop()
			reconciler.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
