// Package app wires configuration into the sync service and its backends.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hanzch/qds/internal/api"
	"github.com/hanzch/qds/internal/cache"
	"github.com/hanzch/qds/internal/database"
	"github.com/hanzch/qds/internal/executor"
	"github.com/hanzch/qds/internal/ledger"
	"github.com/hanzch/qds/internal/messaging"
	"github.com/hanzch/qds/internal/progress"
	"github.com/hanzch/qds/internal/services"
	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/internal/source/binance"
	"github.com/hanzch/qds/internal/source/tushare"
	"github.com/hanzch/qds/internal/symbols"
	"github.com/hanzch/qds/pkg/config"
	"github.com/sirupsen/logrus"
)

// Options select which backends Initialize connects. Commands that only read
// local state skip the store and the notifier.
type Options struct {
	Store    bool
	Notifier bool
}

// App owns every long-lived connection of one process
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	loc    *time.Location

	source     source.Source
	store      executor.Store
	progress   progress.Store
	ledger     *ledger.Ledger
	quarantine *executor.FileQuarantine
	redis      *cache.RedisClient
	nats       *messaging.NATSClient
	symbols    *symbols.Manager
	svc        *services.SyncService
	apiServer  *api.Server

	checks  map[string]api.HealthFunc
	closers []func()
	wg      sync.WaitGroup
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		loc:    cfg.Location(),
		checks: make(map[string]api.HealthFunc),
	}
}

// Initialize connects the configured backends and builds the sync service
func (a *App) Initialize(ctx context.Context, opts Options) error {
	if err := a.initializeSource(); err != nil {
		return fmt.Errorf("failed to initialize source: %w", err)
	}
	if err := a.initializeState(); err != nil {
		return fmt.Errorf("failed to initialize local state: %w", err)
	}
	if err := a.initializeCatalog(); err != nil {
		return fmt.Errorf("failed to initialize instrument catalog: %w", err)
	}
	if opts.Store {
		if err := a.initializeStore(ctx); err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
	}
	if opts.Notifier {
		a.initializeMessaging()
	}

	deps := services.SyncDeps{
		Source:     a.source,
		Store:      a.store,
		Progress:   a.progress,
		Ledger:     a.ledger,
		Symbols:    a.symbols,
		Quarantine: a.quarantine,
	}
	if a.nats != nil {
		deps.Notifier = a.nats
	}
	a.svc = services.NewSyncService(deps, &a.cfg.Sync, a.loc, a.logger)
	return nil
}

func (a *App) initializeSource() error {
	switch a.cfg.Source.Name {
	case tushare.Name:
		src, err := tushare.New(&a.cfg.Source.Tushare, a.loc, a.logger)
		if err != nil {
			return err
		}
		a.source = src
	case binance.Name:
		a.source = binance.New(&a.cfg.Source.Binance, a.logger)
	default:
		return fmt.Errorf("unknown source: %s", a.cfg.Source.Name)
	}
	return nil
}

// initializeState opens the ledger, the quarantine and the progress backend
func (a *App) initializeState() error {
	var err error
	if a.ledger, err = ledger.New(a.cfg.Sync.LedgerDir); err != nil {
		return err
	}
	if a.quarantine, err = executor.NewFileQuarantine(a.cfg.Sync.QuarantineDir); err != nil {
		return err
	}

	switch a.cfg.Sync.ProgressBackend {
	case "redis":
		a.redis, err = cache.NewRedisClient(&a.cfg.Redis, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { a.redis.Close() })
		a.checks["redis"] = a.redis.Health
		a.progress = progress.NewRedisStore(a.redis, a.cfg.Redis.KeyPrefix)
	default:
		files, err := progress.NewFileStore(filepath.Join(a.cfg.Sync.DataDir, "progress"))
		if err != nil {
			return err
		}
		a.progress = files
	}
	return nil
}

func (a *App) initializeCatalog() error {
	var catalog symbols.Catalog
	if a.cfg.MySQL.Enabled {
		dir, err := database.NewMySQLDirectory(a.cfg.GetMySQLDSN(), &a.cfg.MySQL, a.logger)
		if err != nil {
			return err
		}
		if err := dir.EnsureSchema(context.Background()); err != nil {
			dir.Close()
			return err
		}
		catalog = dir
		a.closers = append(a.closers, func() { dir.Close() })
		a.checks["mysql"] = dir.Health
	}
	a.symbols = symbols.NewManager(a.source, catalog, a.logger)
	return nil
}

func (a *App) initializeStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "postgres":
		pg, err := database.NewPostgresStore(ctx, &a.cfg.Postgres, a.logger)
		if err != nil {
			return err
		}
		a.store = pg
		a.closers = append(a.closers, pg.Close)
		a.checks["postgres"] = pg.Health
	default:
		influx := database.NewInfluxStore(&a.cfg.InfluxDB, a.logger)
		if err := influx.Health(ctx); err != nil {
			influx.Close()
			return err
		}
		a.store = influx
		a.closers = append(a.closers, influx.Close)
		a.checks["influxdb"] = influx.Health
	}
	return nil
}

// initializeMessaging connects NATS when enabled. Events are best effort, so
// a failed connection only disables them.
func (a *App) initializeMessaging() {
	if !a.cfg.NATS.Enabled {
		return
	}
	nc, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		a.logger.WithError(err).Warn("NATS unavailable, sync events disabled")
		return
	}
	a.nats = nc
	a.closers = append(a.closers, func() { nc.Close() })
	a.checks["nats"] = func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("not connected")
		}
		return nil
	}
}

// Sync returns the sync service
func (a *App) Sync() *services.SyncService { return a.svc }

// Symbols returns the instrument directory
func (a *App) Symbols() *symbols.Manager { return a.symbols }

// Ledger returns the error ledger
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// NATS returns the NATS client, nil when disabled
func (a *App) NATS() *messaging.NATSClient { return a.nats }

// StartServer serves the API in the background
func (a *App) StartServer() {
	a.apiServer = api.NewServer(&a.cfg.Server, a.svc, a.checks, a.logger)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil {
			a.logger.WithError(err).Error("API server stopped")
		}
	}()
}

// Stop shuts down the API server, then closes every connection
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.apiServer != nil {
		err = a.apiServer.Stop(ctx)
	}
	a.wg.Wait()
	a.Close()
	return err
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OverrideServer replaces the configured listen address parts that are set
func (a *App) OverrideServer(host string, port int) {
	if host != "" {
		a.cfg.Server.Host = host
	}
	if port != 0 {
		a.cfg.Server.Port = port
	}
}
