package backendlink_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-pooling/bouncerop/pkg/auth"
	"github.com/pg-pooling/bouncerop/pkg/hook"
	"github.com/pg-pooling/bouncerop/pkg/pgbini"
	"github.com/pg-pooling/bouncerop/pkg/pooler"
	"github.com/pg-pooling/bouncerop/pkg/postgres"
	"github.com/pg-pooling/bouncerop/relations/backendlink"
	"github.com/pg-pooling/bouncerop/relstore"
)

type fixture struct {
	ctrl   *backendlink.Controller
	store  *relstore.MemStore
	drv    *postgres.Mock
	pool   *pooler.Mock
	status *hook.LogReporter
	cfg    *pgbini.Manager
	ulPath string

	dialHost string
	dialUser string
}

var testID = relstore.Identity{App: "pgbouncer", Unit: "pgbouncer/0", Model: "prod"}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()

	store, err := relstore.NewMemStore("")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:  store,
		drv:    postgres.NewMock(),
		pool:   &pooler.Mock{},
		status: hook.NewLogReporter(),
		cfg:    pgbini.NewManager(filepath.Join(dir, "pgbouncer.ini")),
		ulPath: filepath.Join(dir, "userlist.txt"),
	}
	f.ctrl = backendlink.NewController(
		store, testID, f.status, f.cfg, auth.NewUserlist(f.ulPath), f.pool,
		"6432", "pgbouncer", "postgres",
	)
	f.ctrl.DriverFor = func(host, port, user, password, database string) postgres.Driver {
		f.dialHost = host + ":" + port
		f.dialUser = user
		return f.drv
	}
	return f
}

func (f *fixture) seedBackend(t *testing.T, ctx context.Context) relstore.RelationID {
	rel := relstore.RelationID{Name: backendlink.RelationName, ID: 68}
	if err := f.store.AddRelation(ctx, rel, "postgres"); err != nil {
		t.Fatal(err)
	}
	err := f.store.SetBag(ctx, rel, "postgres", map[string]string{
		"endpoints":           "10.12.0.5:5432",
		"read-only-endpoints": "10.12.0.6:5432,10.12.0.7:5432",
		"username":            "relation-68",
		"password":            "backendpw",
		"version":             "14.9",
	})
	if err != nil {
		t.Fatal(err)
	}
	return rel
}

func TestCreatedDefersUntilBackendPublishes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	rel := relstore.RelationID{Name: backendlink.RelationName, ID: 68}
	assert.NoError(f.store.AddRelation(ctx, rel, "postgres"))

	err := f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true})
	assert.True(hook.IsDeferred(err))
	assert.Empty(f.drv.Roles)
	assert.Equal(0, f.pool.Count())
}

func TestCreatedNonLeaderIsNoop(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)

	err := f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: false})
	assert.NoError(err)
	assert.Empty(f.drv.Roles)
	assert.Equal(0, f.pool.Count())
}

func TestCreatedBootstrapsAuth(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)

	err := f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true})
	assert.NoError(err)

	assert.Equal("10.12.0.5:5432", f.dialHost)
	assert.Equal("relation-68", f.dialUser)

	role, ok := f.drv.Roles["pgbouncer_auth_relation_68"]
	assert.True(ok)
	assert.True(role.Admin)
	assert.Len(role.Password, 24)

	// lookup function lands in both local databases
	assert.Len(f.drv.Scripts["pgbouncer"], 1)
	assert.Len(f.drv.Scripts["postgres"], 1)
	assert.Contains(f.drv.Scripts["pgbouncer"][0], "pgbouncer_auth_relation_68.get_auth")

	raw, err := os.ReadFile(f.ulPath)
	assert.NoError(err)
	expected := auth.RenderUserlist(map[string]string{
		"pgbouncer_auth_relation_68": auth.HashPassword("pgbouncer_auth_relation_68", role.Password),
	})
	assert.Equal(expected, string(raw))

	cfg, err := f.cfg.Load()
	assert.NoError(err)
	assert.Equal("pgbouncer_auth_relation_68", cfg.Pgbouncer["auth_user"])
	assert.Equal(
		"SELECT username, password FROM pgbouncer_auth_relation_68.get_auth($1)",
		cfg.Pgbouncer["auth_query"])
	assert.Equal(f.ulPath, cfg.Pgbouncer["auth_file"])
	assert.True(cfg.Users["relation-68"].Admin)

	assert.Equal(1, f.pool.Count())
	assert.Equal(hook.StatusActive, f.status.Status().Kind)
	assert.True(f.ctrl.Ready(ctx))
	assert.Equal(backendlink.StateReady, f.ctrl.StateOf(ctx))
}

func TestCreatedSecondRunKeepsCredentials(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)

	ev := hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true}
	assert.NoError(f.ctrl.HandleCreated(ctx, ev))
	before, err := os.ReadFile(f.ulPath)
	assert.NoError(err)

	assert.NoError(f.ctrl.HandleCreated(ctx, ev))
	after, err := os.ReadFile(f.ulPath)
	assert.NoError(err)

	// the role password survives re-delivery, so the credential file
	// must not change
	assert.Equal(string(before), string(after))
	assert.Equal(2, f.pool.Count())
}

func TestCreatedFailsWhenAuthFunctionCannotInstall(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)
	f.drv.FailExecuteSQL = os.ErrPermission

	err := f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true})
	assert.True(hook.IsFailed(err))
	assert.Equal(hook.StatusBlocked, f.status.Status().Kind)
	assert.Equal(0, f.pool.Count())
}

func TestEndpointsChangedRefreshesAndReloads(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)

	refreshed := 0
	f.ctrl.RefreshEndpoints = func(context.Context) error {
		refreshed++
		return nil
	}

	err := f.ctrl.HandleEndpointsChanged(ctx, hook.Event{Kind: hook.BackendEndpointsChanged, Relation: rel, Leader: true})
	assert.NoError(err)
	assert.Equal(1, refreshed)
	assert.Equal(1, f.pool.Count())
}

func TestDepartedIgnoresOtherUnits(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)
	assert.NoError(f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true}))

	err := f.ctrl.HandleDeparted(ctx, hook.Event{
		Kind: hook.BackendDeparted, Relation: rel, Leader: true, DepartingUnit: "pgbouncer/1",
	})
	assert.NoError(err)
	assert.Contains(f.drv.Roles, "pgbouncer_auth_relation_68")
	assert.Equal(backendlink.StateReady, f.ctrl.StateOf(ctx))
}

func TestDepartedRemovesAuthAndSevers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)
	assert.NoError(f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true}))

	err := f.ctrl.HandleDeparted(ctx, hook.Event{
		Kind: hook.BackendDeparted, Relation: rel, Leader: true, DepartingUnit: testID.Unit,
	})
	assert.NoError(err)

	assert.NotContains(f.drv.Roles, "pgbouncer_auth_relation_68")
	assert.Equal([]string{"pgbouncer_auth_relation_68"}, f.drv.Deleted)
	// install + removal script in each local database
	assert.Len(f.drv.Scripts["pgbouncer"], 2)
	assert.Len(f.drv.Scripts["postgres"], 2)
	assert.Equal(backendlink.StateSevered, f.ctrl.StateOf(ctx))
}

func TestDepartedRemovalFailureBlocks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)
	assert.NoError(f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true}))
	f.drv.FailExecuteSQL = os.ErrPermission

	err := f.ctrl.HandleDeparted(ctx, hook.Event{
		Kind: hook.BackendDeparted, Relation: rel, Leader: true, DepartingUnit: testID.Unit,
	})
	assert.True(hook.IsFailed(err))
	assert.Equal(hook.StatusBlocked, f.status.Status().Kind)
	assert.Equal("failed to remove auth user when disconnecting from postgres application.", f.status.Status().Message)
}

func TestBrokenDefersBeforeConfigRendered(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)

	err := f.ctrl.HandleBroken(ctx, hook.Event{Kind: hook.BackendBroken, Relation: rel, Leader: true})
	assert.True(hook.IsDeferred(err))
}

func TestBrokenStripsAuthConfig(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)
	assert.NoError(f.ctrl.HandleCreated(ctx, hook.Event{Kind: hook.BackendCreated, Relation: rel, Leader: true}))

	err := f.ctrl.HandleBroken(ctx, hook.Event{Kind: hook.BackendBroken, Relation: rel, Leader: true})
	assert.NoError(err)

	cfg, err := f.cfg.Load()
	assert.NoError(err)
	assert.NotContains(cfg.Pgbouncer, "auth_user")
	assert.NotContains(cfg.Pgbouncer, "auth_query")
	assert.NotContains(cfg.Users, "relation-68")

	_, statErr := os.Stat(f.ulPath)
	assert.True(os.IsNotExist(statErr))
	assert.False(f.ctrl.Ready(ctx))
}

func TestDerivedStateAccessors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	assert.Equal(backendlink.StateAbsent, f.ctrl.StateOf(ctx))
	_, ok := f.ctrl.Postgres(ctx)
	assert.False(ok)

	f.seedBackend(t, ctx)
	assert.Equal(backendlink.StateUnready, f.ctrl.StateOf(ctx))

	ep, ok := f.ctrl.PrimaryEndpoint(ctx)
	assert.True(ok)
	assert.Equal("10.12.0.5", ep.Host)
	assert.Equal("5432", ep.Port)

	replicas := f.ctrl.ReadReplicas(ctx)
	assert.Len(replicas, 2)
	assert.Equal("10.12.0.6", replicas[0].Host)

	role, ok := f.ctrl.AuthUser(ctx)
	assert.True(ok)
	assert.Equal("pgbouncer_auth_relation_68", role)
	assert.Equal("14.9", f.ctrl.Version(ctx))
}

func TestVersionFallsBackToLiveQuery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	rel := f.seedBackend(t, ctx)
	f.drv.ServerVersion = "16.1"

	// databag value wins while published
	assert.Equal("14.9", f.ctrl.Version(ctx))

	assert.NoError(f.store.DeleteKey(ctx, rel, "postgres", "version"))
	assert.Equal("16.1", f.ctrl.Version(ctx))
}
