package app

import (
	"context"

	"github.com/pg-pooling/bouncerop/pkg/auth"
	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/config"
	"github.com/pg-pooling/bouncerop/pkg/hook"
	"github.com/pg-pooling/bouncerop/pkg/pgbini"
	"github.com/pg-pooling/bouncerop/pkg/pooler"
	"github.com/pg-pooling/bouncerop/relations/backendlink"
	"github.com/pg-pooling/bouncerop/relations/clientlink"
	"github.com/pg-pooling/bouncerop/relstore"
)

// App assembles the operator: shared relation store, pooler config
// manager, the backend controller and both client controller flavors,
// all registered on one event queue.
type App struct {
	Store   relstore.Store
	Queue   *hook.Queue
	Status  hook.StatusReporter
	Backend *backendlink.Controller
	DB      *clientlink.Controller
	Admin   *clientlink.Controller
}

func NewApp() (*App, error) {
	cfg := config.OperatorConfig()
	if err := boplog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	store, err := relstore.NewStore(cfg.StoreType)
	if err != nil {
		return nil, err
	}

	id := relstore.Identity{App: cfg.AppName, Unit: cfg.UnitName, Model: cfg.ModelName}
	status := hook.NewLogReporter()
	ini := pgbini.NewManager(cfg.IniPath)
	userlist := auth.NewUserlist(cfg.UserlistPath)
	reloader := pooler.NewSighup(cfg.PidFilePath)

	backend := backendlink.NewController(
		store, id, status, ini, userlist, reloader,
		cfg.ListenPort, cfg.PoolerDatabase, cfg.RootDatabase,
	)
	db := clientlink.NewController(
		store, id, status, ini, backend, reloader,
		false, cfg.ListenPort, cfg.UnitHost, cfg.RootDatabase,
	)
	admin := clientlink.NewController(
		store, id, status, ini, backend, reloader,
		true, cfg.ListenPort, cfg.UnitHost, cfg.RootDatabase,
	)

	// backend topology changes fan out to every client link
	backend.RefreshEndpoints = func(ctx context.Context) error {
		if err := db.RefreshAllEndpoints(ctx); err != nil {
			return err
		}
		return admin.RefreshAllEndpoints(ctx)
	}

	q := hook.NewQueue()
	backend.Register(q)
	db.Register(q)
	admin.Register(q)

	return &App{
		Store:   store,
		Queue:   q,
		Status:  status,
		Backend: backend,
		DB:      db,
		Admin:   admin,
	}, nil
}

// Dispatch runs one event through its registered handler.
func (a *App) Dispatch(ctx context.Context, ev hook.Event) error {
	return a.Queue.Dispatch(ctx, ev)
}

// Run consumes pushed events until the context ends, replaying the
// deferred backlog between deliveries.
func (a *App) Run(ctx context.Context) error {
	boplog.Zero.Info().Msg("app: event loop starting")
	return a.Queue.Run(ctx)
}

// Close persists the relation store when it is file-backed.
func (a *App) Close() error {
	if mem, ok := a.Store.(*relstore.MemStore); ok {
		return mem.DumpState()
	}
	return nil
}
