package backendlink

import (
	"context"
	"sort"

	"github.com/pg-pooling/bouncerop/pkg/auth"
	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/hook"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
	"github.com/pg-pooling/bouncerop/pkg/models/endpoint"
	"github.com/pg-pooling/bouncerop/pkg/pgbini"
	"github.com/pg-pooling/bouncerop/pkg/pooler"
	"github.com/pg-pooling/bouncerop/pkg/postgres"
	"github.com/pg-pooling/bouncerop/relstore"
)

// RelationName is the single upstream relation to the database
// cluster.
const RelationName = "backend-database"

type State string

const (
	StateAbsent  = State("absent")
	StateUnready = State("unready")
	StateReady   = State("ready")
	StateSevered = State("severed")
)

// Controller owns the backend link: it discovers connection
// endpoints from the remote databag, bootstraps the auth role and
// lookup function, and republishes endpoint topology into the pooler
// config whenever it changes.
type Controller struct {
	store    relstore.Store
	id       relstore.Identity
	status   hook.StatusReporter
	cfg      *pgbini.Manager
	userlist *auth.Userlist
	pooler   pooler.Service

	listenPort string
	poolerDB   string
	rootDB     string

	// DriverFor builds a database driver from discovered backend
	// facts; tests swap it for a mock.
	DriverFor func(host, port, user, password, database string) postgres.Driver

	// RefreshEndpoints republishes every client link's endpoint view;
	// wired to the client controllers at startup.
	RefreshEndpoints func(ctx context.Context) error
}

func NewController(
	store relstore.Store,
	id relstore.Identity,
	status hook.StatusReporter,
	cfg *pgbini.Manager,
	userlist *auth.Userlist,
	poolerSvc pooler.Service,
	listenPort string,
	poolerDB string,
	rootDB string,
) *Controller {
	return &Controller{
		store:      store,
		id:         id,
		status:     status,
		cfg:        cfg,
		userlist:   userlist,
		pooler:     poolerSvc,
		listenPort: listenPort,
		poolerDB:   poolerDB,
		rootDB:     rootDB,
		DriverFor: func(host, port, user, password, database string) postgres.Driver {
			return postgres.NewConn(host, port, user, password, database)
		},
	}
}

func (c *Controller) Register(q *hook.Queue) {
	q.Register(hook.BackendCreated, c.HandleCreated)
	q.Register(hook.BackendEndpointsChanged, c.HandleEndpointsChanged)
	q.Register(hook.BackendDeparted, c.HandleDeparted)
	q.Register(hook.BackendBroken, c.HandleBroken)
}

// ==============================================================================
//                              DERIVED STATE
// ==============================================================================

// Relation returns the backend relation, a singleton.
func (c *Controller) Relation(ctx context.Context) (relstore.RelationID, bool) {
	rels, err := c.store.Relations(ctx, RelationName)
	if err != nil || len(rels) == 0 {
		return relstore.RelationID{}, false
	}
	return rels[0], true
}

// bagGet reads from the remote application's databag, tolerating
// absence at every level.
func (c *Controller) bagGet(ctx context.Context, key string) (string, bool) {
	rel, ok := c.Relation(ctx)
	if !ok {
		return "", false
	}
	remoteApp, err := c.store.RemoteApp(ctx, rel)
	if err != nil {
		return "", false
	}
	value, ok, err := c.store.Get(ctx, rel, remoteApp, key)
	if err != nil {
		return "", false
	}
	return value, ok
}

// Postgres returns a driver for the backend, or false until the
// remote databag carries endpoint, username and password.
func (c *Controller) Postgres(ctx context.Context) (postgres.Driver, bool) {
	eps, ok := c.bagGet(ctx, "endpoints")
	if !ok {
		return nil, false
	}
	user, ok := c.bagGet(ctx, "username")
	if !ok {
		return nil, false
	}
	pass, ok := c.bagGet(ctx, "password")
	if !ok {
		return nil, false
	}
	ep, err := endpoint.Parse(eps)
	if err != nil {
		return nil, false
	}
	return c.DriverFor(ep.Host, ep.Port, user, pass, c.poolerDB), true
}

// AuthUser derives the auth role name; false until the remote
// username is known. Dependent logic null-checks rather than assuming
// presence.
func (c *Controller) AuthUser(ctx context.Context) (string, bool) {
	user, ok := c.bagGet(ctx, "username")
	if !ok {
		return "", false
	}
	return auth.RoleName(user), true
}

// PrimaryEndpoint is the backend's single writable endpoint.
func (c *Controller) PrimaryEndpoint(ctx context.Context) (endpoint.Endpoint, bool) {
	raw, ok := c.bagGet(ctx, "endpoints")
	if !ok {
		return endpoint.Endpoint{}, false
	}
	ep, err := endpoint.Parse(raw)
	if err != nil {
		return endpoint.Endpoint{}, false
	}
	return ep, true
}

// ReadReplicas is the current read-only endpoint set, possibly empty.
func (c *Controller) ReadReplicas(ctx context.Context) []endpoint.Endpoint {
	raw, ok := c.bagGet(ctx, "read-only-endpoints")
	if !ok {
		return nil
	}
	eps, err := endpoint.ParseList(raw)
	if err != nil {
		return nil
	}
	return eps
}

// Version is the backend server version, preferring the published
// databag value and falling back to a live query.
func (c *Controller) Version(ctx context.Context) string {
	if v, ok := c.bagGet(ctx, "version"); ok {
		return v
	}
	drv, ok := c.Postgres(ctx)
	if !ok {
		return ""
	}
	v, err := drv.Version(ctx)
	if err != nil {
		boplog.Zero.Warn().Err(err).Msg("backendlink: unable to query server version")
		return ""
	}
	return v
}

// Ready reports whether the backend bootstrap completed: connection
// facts visible and the auth query installed in the pooler config.
func (c *Controller) Ready(ctx context.Context) bool {
	if _, ok := c.Postgres(ctx); !ok {
		return false
	}
	cfg, err := c.cfg.Load()
	if err != nil {
		return false
	}
	_, ok := cfg.Pgbouncer["auth_query"]
	return ok
}

func (c *Controller) StateOf(ctx context.Context) State {
	rel, ok := c.Relation(ctx)
	if !ok {
		return StateAbsent
	}
	if flag, ok, _ := c.store.PeerGet(ctx, severedKey(rel)); ok && flag == "true" {
		return StateSevered
	}
	if c.Ready(ctx) {
		return StateReady
	}
	return StateUnready
}

func severedKey(rel relstore.RelationID) string {
	return rel.String() + "-severed"
}

func (c *Controller) loadConfig() (*pgbini.Config, error) {
	cfg, err := c.cfg.Load()
	if err != nil {
		if boperror.Is(err, boperror.BOP_DOES_NOT_EXIST) {
			return pgbini.Default(c.listenPort), nil
		}
		return nil, err
	}
	return cfg, nil
}

// ==============================================================================
//                                 HANDLERS
// ==============================================================================

// HandleCreated bootstraps the auth subsystem once the backend has
// created our credentials. Leader-only; non-leaders pick the results
// up from the rendered config.
func (c *Controller) HandleCreated(ctx context.Context, ev hook.Event) error {
	boplog.Zero.Info().Msg("backendlink: initialising postgres and pgbouncer relations")
	c.status.SetStatus(hook.Status{Kind: hook.StatusMaintenance, Message: "Initialising backend-database relation"})
	if !ev.Leader {
		return nil
	}

	drv, ok := c.Postgres(ctx)
	if !ok {
		return hook.Defer("postgres database not ready")
	}
	remoteUser, _ := c.bagGet(ctx, "username")

	role, plaintext, err := auth.CreateAuthRole(ctx, drv, remoteUser)
	if err != nil {
		if !boperror.Is(err, boperror.BOP_ALREADY_EXISTS) {
			c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked, Message: "failed to create auth role"})
			return hook.Failf("creating auth role: %v", err)
		}
		// a previous bootstrap completed; keep the existing userlist
		role = auth.RoleName(remoteUser)
		plaintext = ""
	}

	if plaintext != "" {
		hashed := auth.HashPassword(role, plaintext)
		if err := c.userlist.Write(auth.RenderUserlist(map[string]string{role: hashed})); err != nil {
			return err
		}
	}

	if err := auth.InstallAuthFunction(ctx, drv, role, []string{c.poolerDB, c.rootDB}); err != nil {
		c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked, Message: "failed to initialise auth function"})
		return hook.Failf("installing auth function: %v", err)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	cfg.AddUser(remoteUser, true)
	cfg.Pgbouncer["auth_user"] = role
	cfg.Pgbouncer["auth_query"] = auth.AuthQuery(role)
	cfg.Pgbouncer["auth_file"] = c.userlist.Path()
	if err := c.cfg.Save(cfg); err != nil {
		return err
	}

	if c.RefreshEndpoints != nil {
		if err := c.RefreshEndpoints(ctx); err != nil {
			return err
		}
	}
	if err := c.pooler.Reload(ctx); err != nil {
		return err
	}

	c.status.SetStatus(hook.Status{Kind: hook.StatusActive, Message: "backend-database relation initialised."})
	return nil
}

// HandleEndpointsChanged recomputes the endpoint topology from
// scratch and republishes it. Safe to re-run with identical backend
// state.
func (c *Controller) HandleEndpointsChanged(ctx context.Context, ev hook.Event) error {
	if c.RefreshEndpoints != nil {
		if err := c.RefreshEndpoints(ctx); err != nil {
			return err
		}
	}
	return c.pooler.Reload(ctx)
}

// HandleDeparted tears down backend-side auth state when this unit
// itself is the departing one. A removal failure is operator-visible
// and not retried.
func (c *Controller) HandleDeparted(ctx context.Context, ev hook.Event) error {
	if ev.DepartingUnit != c.id.Unit || !ev.Leader {
		return nil
	}

	boplog.Zero.Info().Msg("backendlink: removing auth user")

	drv, ok := c.Postgres(ctx)
	if !ok {
		c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked, Message: "backend unavailable during auth teardown"})
		return hook.Fail("backend unavailable during auth teardown")
	}
	role, ok := c.AuthUser(ctx)
	if !ok {
		return nil
	}

	if err := auth.RemoveAuthFunction(ctx, drv, role, c.provisionedDatabases()); err != nil {
		c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked,
			Message: "failed to remove auth user when disconnecting from postgres application."})
		return hook.Failf("removing auth function: %v", err)
	}
	if err := drv.DeleteRole(ctx, role); err != nil {
		c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked,
			Message: "failed to remove auth user when disconnecting from postgres application."})
		return hook.Failf("deleting auth role: %v", err)
	}

	if rel, ok := c.Relation(ctx); ok {
		if err := c.store.PeerSet(ctx, severedKey(rel), "true"); err != nil {
			return err
		}
	}

	boplog.Zero.Info().Msg("backendlink: auth user removed")
	return nil
}

// provisionedDatabases is every database the auth function was
// installed into: the pooler's own, the backend root, and each
// client-provisioned database currently routed.
func (c *Controller) provisionedDatabases() []string {
	dbs := []string{c.poolerDB, c.rootDB}
	cfg, err := c.cfg.Load()
	if err != nil {
		return dbs
	}
	seen := map[string]bool{c.poolerDB: true, c.rootDB: true}
	var extra []string
	for _, route := range cfg.Databases {
		if route.DBName == "" || seen[route.DBName] {
			continue
		}
		seen[route.DBName] = true
		extra = append(extra, route.DBName)
	}
	sort.Strings(extra)
	return append(dbs, extra...)
}

// HandleBroken strips every trace of the backend from the pooler
// config and removes the credential file.
func (c *Controller) HandleBroken(ctx context.Context, ev hook.Event) error {
	cfg, err := c.cfg.Load()
	if err != nil {
		if boperror.Is(err, boperror.BOP_DOES_NOT_EXIST) {
			return hook.Defer("pooler config not rendered yet")
		}
		return err
	}

	if remoteUser, ok := c.bagGet(ctx, "username"); ok {
		cfg.RemoveUser(remoteUser)
	}
	delete(cfg.Pgbouncer, "auth_user")
	delete(cfg.Pgbouncer, "auth_query")
	if err := c.cfg.Save(cfg); err != nil {
		return err
	}

	return c.userlist.Delete()
}
