package clientlink

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pg-pooling/bouncerop/pkg/auth"
	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/hook"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
	"github.com/pg-pooling/bouncerop/pkg/models/endpoint"
	"github.com/pg-pooling/bouncerop/pkg/pgbini"
	"github.com/pg-pooling/bouncerop/pkg/pooler"
	"github.com/pg-pooling/bouncerop/relations/backendlink"
	"github.com/pg-pooling/bouncerop/relstore"
)

const (
	RelationName      = "db"
	AdminRelationName = "db-admin"
)

// Controller owns one flavor of the downstream client relation. The
// admin flavor additionally routes the backend's root database and
// creates superuser roles. Everything here relies on the backend link
// being initialised first, so most handlers defer until it is.
type Controller struct {
	store   relstore.Store
	id      relstore.Identity
	status  hook.StatusReporter
	cfg     *pgbini.Manager
	backend *backendlink.Controller
	pooler  pooler.Service

	admin        bool
	relationName string
	listenPort   string
	unitHost     string
	rootDB       string
}

func NewController(
	store relstore.Store,
	id relstore.Identity,
	status hook.StatusReporter,
	cfg *pgbini.Manager,
	backend *backendlink.Controller,
	poolerSvc pooler.Service,
	admin bool,
	listenPort string,
	unitHost string,
	rootDB string,
) *Controller {
	relationName := RelationName
	if admin {
		relationName = AdminRelationName
	}
	return &Controller{
		store:        store,
		id:           id,
		status:       status,
		cfg:          cfg,
		backend:      backend,
		pooler:       poolerSvc,
		admin:        admin,
		relationName: relationName,
		listenPort:   listenPort,
		unitHost:     unitHost,
		rootDB:       rootDB,
	}
}

func (c *Controller) RelationName() string {
	return c.relationName
}

func (c *Controller) Register(q *hook.Queue) {
	q.Register(hook.ClientJoined, c.HandleJoined)
	q.Register(hook.ClientChanged, c.HandleChanged)
	q.Register(hook.ClientDeparted, c.HandleDeparted)
	q.Register(hook.ClientBroken, c.HandleBroken)
}

// Username derives the deterministic username for a relation id:
// globally unique across apps, relations and models, and stable under
// regeneration.
func (c *Controller) Username(relID int) string {
	name := fmt.Sprintf("%s_user_%d_%s", c.id.App, relID, c.id.Model)
	return strings.ReplaceAll(name, "-", "_")
}

func breakingFlag(rel relstore.RelationID) string {
	return fmt.Sprintf("%s-%d-relation-breaking", rel.Name, rel.ID)
}

// ==============================================================================
//                              DATABAG VIEWS
// ==============================================================================

// ownBag reads our published link facts; the unit-scoped bag is
// authoritative since non-leaders never write the app scope.
func (c *Controller) ownBag(ctx context.Context, rel relstore.RelationID, key string) (string, bool) {
	value, ok, err := c.store.Get(ctx, rel, c.id.Unit, key)
	if err != nil {
		return "", false
	}
	return value, ok
}

func (c *Controller) remoteGet(ctx context.Context, rel relstore.RelationID, participant, key string) (string, bool) {
	value, ok, err := c.store.Get(ctx, rel, participant, key)
	if err != nil {
		return "", false
	}
	return value, ok
}

// requestedDatabase reads the database the remote side asked for,
// from its app bag first, then its unit bag.
func (c *Controller) requestedDatabase(ctx context.Context, rel relstore.RelationID, remoteApp, remoteUnit string) (string, bool) {
	if db, ok := c.remoteGet(ctx, rel, remoteApp, "database"); ok && db != "" {
		return db, true
	}
	if remoteUnit != "" {
		if db, ok := c.remoteGet(ctx, rel, remoteUnit, "database"); ok && db != "" {
			return db, true
		}
	}
	return "", false
}

func (c *Controller) extensionsRequested(ctx context.Context, rel relstore.RelationID, remoteApp, remoteUnit string) bool {
	if _, ok := c.remoteGet(ctx, rel, remoteApp, "extensions"); ok {
		return true
	}
	if remoteUnit != "" {
		if _, ok := c.remoteGet(ctx, rel, remoteUnit, "extensions"); ok {
			return true
		}
	}
	return false
}

// allowedSubnets unions every remote unit's advertised egress
// subnets, sorted and comma-joined.
func (c *Controller) allowedSubnets(ctx context.Context, rel relstore.RelationID) string {
	units, err := c.store.Units(ctx, rel)
	if err != nil {
		return ""
	}
	subnets := map[string]bool{}
	for _, unit := range units {
		if relstore.UnitApp(unit) == c.id.App {
			continue
		}
		// egress-subnets is not always available
		raw, _ := c.remoteGet(ctx, rel, unit, "egress-subnets")
		for _, subnet := range strings.Split(raw, ",") {
			if subnet = strings.TrimSpace(subnet); subnet != "" {
				subnets[subnet] = true
			}
		}
	}
	out := make([]string, 0, len(subnets))
	for subnet := range subnets {
		out = append(out, subnet)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// allowedUnits lists the external units of the relation, sorted and
// comma-joined. exclude drops a unit that is departing but still
// present in the store.
func (c *Controller) allowedUnits(ctx context.Context, rel relstore.RelationID, exclude string) string {
	units, err := c.store.Units(ctx, rel)
	if err != nil {
		return ""
	}
	var out []string
	for _, unit := range units {
		if relstore.UnitApp(unit) == c.id.App || unit == exclude {
			continue
		}
		out = append(out, unit)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func (c *Controller) unitState(leader bool) string {
	if leader {
		return "master"
	}
	return "standby"
}

// ==============================================================================
//                                 HANDLERS
// ==============================================================================

// HandleJoined provisions the requested database and user once the
// backend is ready; until then the event is deferred.
func (c *Controller) HandleJoined(ctx context.Context, ev hook.Event) error {
	if !c.backend.Ready(ctx) {
		return hook.Deferf("%s relation joined before backend initialised", c.relationName)
	}

	boplog.Zero.Info().Str("relation", c.relationName).Msg("clientlink: setting up relation")

	rel := ev.Relation
	database, ok := c.requestedDatabase(ctx, rel, ev.RemoteApp, ev.RemoteUnit)
	if !ok {
		noDB := "No database name provided in app or unit databag"
		boplog.Zero.Warn().Msg(noDB)
		c.status.SetStatus(hook.Status{Kind: hook.StatusWaiting, Message: noDB})
		return hook.Defer(noDB)
	}

	// extensions are unsupported through this relation
	if c.extensionsRequested(ctx, rel, ev.RemoteApp, ev.RemoteUnit) {
		c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked,
			Message: "bad relation request - remote app requested extensions, which are unsupported. Please remove this relation."})
		return hook.Fail("remote app requested extensions, which are unsupported")
	}

	user := c.Username(rel.ID)
	password, havePassword, err := c.store.PeerGet(ctx, user)
	if err != nil {
		return err
	}
	if !havePassword {
		if !ev.Leader {
			// never invent a second password: wait for the leader's one
			return hook.Deferf("password for %s not yet shared by leader", user)
		}
		if password, err = auth.GeneratePassword(); err != nil {
			return err
		}
		if err := c.store.PeerSet(ctx, user, password); err != nil {
			return err
		}
	}

	if err := relstore.UpdateBags(ctx, c.store, rel, c.id, ev.Leader, map[string]string{
		"user":     user,
		"password": password,
		"database": database,
	}); err != nil {
		return err
	}

	if !ev.Leader {
		return nil
	}

	initMsg := fmt.Sprintf("initialising database and user for %s relation", c.relationName)
	c.status.SetStatus(hook.Status{Kind: hook.StatusMaintenance, Message: initMsg})
	boplog.Zero.Info().Msg(initMsg)

	drv, ok := c.backend.Postgres(ctx)
	if !ok {
		return hook.Defer("backend connection facts vanished")
	}
	if err := drv.CreateRole(ctx, user, password, c.admin); err != nil &&
		!boperror.Is(err, boperror.BOP_ALREADY_EXISTS) {
		return c.failProvisioning(err)
	}
	if err := drv.CreateDatabase(ctx, database, user); err != nil &&
		!boperror.Is(err, boperror.BOP_ALREADY_EXISTS) {
		return c.failProvisioning(err)
	}

	role, ok := c.backend.AuthUser(ctx)
	if !ok {
		return hook.Defer("auth role name not resolvable")
	}
	if err := auth.InstallAuthFunction(ctx, drv, role, []string{database}); err != nil {
		return c.failProvisioning(err)
	}

	cfg, err := c.cfg.Load()
	if err != nil {
		return err
	}
	cfg.AddUser(user, c.admin)
	if err := c.cfg.Save(cfg); err != nil {
		return err
	}
	if err := c.pooler.Reload(ctx); err != nil {
		return err
	}

	createdMsg := fmt.Sprintf("database and user for %s relation created", c.relationName)
	c.status.SetStatus(hook.Status{Kind: hook.StatusActive, Message: createdMsg})
	boplog.Zero.Info().Msg(createdMsg)
	return nil
}

func (c *Controller) failProvisioning(err error) error {
	errMsg := fmt.Sprintf("failed to create database or user for %s", c.relationName)
	boplog.Zero.Error().Err(err).Msg(errMsg)
	c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked, Message: errMsg})
	return hook.Failf("%s: %v", errMsg, err)
}

// HandleChanged republishes this link's full connection view. Defers
// until the join step populated database, user and password.
func (c *Controller) HandleChanged(ctx context.Context, ev hook.Event) error {
	if !c.backend.Ready(ctx) {
		return hook.Deferf("%s relation changed before backend initialised", c.relationName)
	}

	rel := ev.Relation
	database, okDB := c.ownBag(ctx, rel, "database")
	user, okUser := c.ownBag(ctx, rel, "user")
	password, okPass := c.ownBag(ctx, rel, "password")
	if !okDB || !okUser || !okPass {
		notInitialised := "relation not fully initialised - deferring until join is complete"
		boplog.Zero.Warn().Msg(notInitialised)
		c.status.SetStatus(hook.Status{Kind: hook.StatusWaiting, Message: notInitialised})
		return hook.Defer(notInitialised)
	}

	if err := c.UpdateConnectionInfo(ctx, rel, ev.Leader); err != nil {
		return err
	}
	if err := c.UpdateEndpoints(ctx, rel); err != nil {
		return err
	}
	if err := c.pooler.Reload(ctx); err != nil {
		return err
	}

	return relstore.UpdateBags(ctx, c.store, rel, c.id, ev.Leader, map[string]string{
		"allowed-subnets": c.allowedSubnets(ctx, rel),
		"allowed-units":   c.allowedUnits(ctx, rel, ""),
		"version":         c.backend.Version(ctx),
		"host":            c.unitHost,
		"user":            user,
		"password":        password,
		"database":        database,
		"state":           c.unitState(ev.Leader),
	})
}

// UpdateConnectionInfo republishes the routing connection string for
// this link. Missing join facts make it a no-op rather than an error.
func (c *Controller) UpdateConnectionInfo(ctx context.Context, rel relstore.RelationID, leader bool) error {
	database, okDB := c.ownBag(ctx, rel, "database")
	user, okUser := c.ownBag(ctx, rel, "user")
	password, okPass := c.ownBag(ctx, rel, "password")
	if !okDB || !okUser || !okPass {
		boplog.Zero.Warn().Msg("relation not fully initialised - skipping connection info update")
		return nil
	}

	remoteApp, err := c.store.RemoteApp(ctx, rel)
	if err != nil {
		return err
	}
	master := ConnString(c.unitHost, database, c.listenPort, user, password, remoteApp)

	return relstore.UpdateBags(ctx, c.store, rel, c.id, leader, map[string]string{
		"master": master,
		"port":   c.listenPort,
		"host":   c.unitHost,
	})
}

// ConnString renders the client-facing connection string, space-joined
// key=value tokens in fixed field order.
func ConnString(host, dbname, port, user, password, fallbackAppName string) string {
	return fmt.Sprintf("host=%s dbname=%s port=%s user=%s password=%s fallback_application_name=%s",
		host, dbname, port, user, password, fallbackAppName)
}

// UpdateEndpoints rewrites this link's database routes from current
// backend topology: primary route, a standby alias only while
// replicas exist, and the backend root database for the admin flavor.
// Recomputed from scratch, so re-running with identical state is a
// no-op.
func (c *Controller) UpdateEndpoints(ctx context.Context, rel relstore.RelationID) error {
	database, ok := c.ownBag(ctx, rel, "database")
	if !ok {
		boplog.Zero.Warn().
			Str("relation", c.relationName).
			Msg("relation not fully initialised - skipping endpoint update")
		return nil
	}

	primary, ok := c.backend.PrimaryEndpoint(ctx)
	if !ok {
		return hook.Defer("backend endpoints not yet published")
	}
	role, ok := c.backend.AuthUser(ctx)
	if !ok {
		return hook.Defer("auth role name not resolvable")
	}

	cfg, err := c.cfg.Load()
	if err != nil {
		return err
	}

	cfg.Databases[database] = pgbini.Route{
		Host:     primary.Host,
		DBName:   database,
		Port:     primary.Port,
		AuthUser: role,
	}

	replicas := c.backend.ReadReplicas(ctx)
	if len(replicas) > 0 {
		cfg.Databases[database+pgbini.StandbySuffix] = pgbini.Route{
			Host:     endpoint.Hosts(replicas),
			DBName:   database,
			Port:     endpoint.FirstPort(replicas),
			AuthUser: role,
		}
	} else {
		delete(cfg.Databases, database+pgbini.StandbySuffix)
	}

	if c.admin {
		// admin relations also get the backend root database
		cfg.Databases[c.rootDB] = pgbini.Route{
			Host:     primary.Host,
			DBName:   c.rootDB,
			Port:     primary.Port,
			AuthUser: role,
		}
	}

	return c.cfg.Save(cfg)
}

// RefreshAllEndpoints republishes every active link of this flavor,
// used when backend topology changes.
func (c *Controller) RefreshAllEndpoints(ctx context.Context) error {
	rels, err := c.store.Relations(ctx, c.relationName)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := c.UpdateEndpoints(ctx, rel); err != nil && !hook.IsDeferred(err) {
			return err
		}
	}
	return nil
}

// HandleDeparted republishes the allowed-unit list without the
// departing unit, and flags a genuine teardown when the departing
// application is our own: that is what distinguishes full relation
// removal from ordinary scale-in.
func (c *Controller) HandleDeparted(ctx context.Context, ev hook.Event) error {
	boplog.Zero.Info().Str("relation", c.relationName).Msg("clientlink: unit departing - updating allowed units")

	rel := ev.Relation
	if err := relstore.UpdateBags(ctx, c.store, rel, c.id, ev.Leader, map[string]string{
		"allowed-units": c.allowedUnits(ctx, rel, ev.DepartingUnit),
	}); err != nil {
		return err
	}

	if relstore.UnitApp(ev.DepartingUnit) == c.id.App && ev.Leader {
		return c.store.PeerSet(ctx, breakingFlag(rel), "true")
	}
	return nil
}

// HandleBroken deprovisions the link. Non-leaders only refresh their
// connection info; the leader checks the breaking flag to tell a real
// teardown from a transient resend, then removes the user and - when
// no other link references it - the database route.
func (c *Controller) HandleBroken(ctx context.Context, ev hook.Event) error {
	rel := ev.Relation

	if !ev.Leader {
		return c.UpdateConnectionInfo(ctx, rel, false)
	}

	flag := breakingFlag(rel)
	if _, ok, _ := c.store.PeerGet(ctx, flag); !ok {
		// not a real teardown, possibly a redelivered notification
		return c.UpdateConnectionInfo(ctx, rel, true)
	}

	user, okUser := c.ownBag(ctx, rel, "user")
	database, okDB := c.ownBag(ctx, rel, "database")
	drv, okDrv := c.backend.Postgres(ctx)
	if !okDrv || !okUser || !okDB {
		// keep the flag so the retry still sees a real teardown
		boplog.Zero.Warn().
			Str("relation", c.relationName).
			Msg("backend relation not yet available - deferring relation teardown")
		return hook.Defer("link not fully provisioned at teardown")
	}
	if err := c.store.PeerDelete(ctx, flag); err != nil {
		return err
	}

	cfg, err := c.cfg.Load()
	if err != nil {
		if !boperror.Is(err, boperror.BOP_DOES_NOT_EXIST) {
			return err
		}
		// teardown proceeds best-effort to avoid a stuck relation
		boplog.Zero.Error().Msg("clientlink: pooler config missing during teardown")
		cfg = pgbini.Default(c.listenPort)
	}

	if c.lastReference(ctx, rel, database) {
		cfg.RemoveDatabase(database)
		if role, ok := c.backend.AuthUser(ctx); ok {
			if err := auth.RemoveAuthFunction(ctx, drv, role, []string{database}); err != nil {
				c.status.SetStatus(hook.Status{Kind: hook.StatusBlocked,
					Message: fmt.Sprintf("failed to deauthorise database %s", database)})
				return hook.Failf("removing auth function from %s: %v", database, err)
			}
		}
	}

	cfg.RemoveUser(user)
	if err := c.cfg.Save(cfg); err != nil {
		return err
	}
	if err := c.pooler.Reload(ctx); err != nil {
		return err
	}
	if err := c.store.PeerDelete(ctx, user); err != nil {
		return err
	}

	if err := drv.DeleteRole(ctx, user); err != nil {
		// likely lost connection; a trailing credential may be left
		// behind on the backend
		boplog.Zero.Error().Err(err).
			Str("user", user).
			Msg("clientlink: connection lost to PostgreSQL - unable to delete user")
	}
	return nil
}

// lastReference scans a snapshot of all other active client links,
// both flavors, for the same database name. Existence, not count:
// order does not matter.
func (c *Controller) lastReference(ctx context.Context, broken relstore.RelationID, database string) bool {
	for _, name := range []string{RelationName, AdminRelationName} {
		rels, err := c.store.Relations(ctx, name)
		if err != nil {
			continue
		}
		for _, rel := range rels {
			if rel == broken {
				continue
			}
			if db, ok := c.ownBag(ctx, rel, "database"); ok && db == database {
				return false
			}
		}
	}
	return true
}
