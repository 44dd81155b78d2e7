package pgbini_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
	"github.com/pg-pooling/bouncerop/pkg/pgbini"
)

func TestRender(t *testing.T) {
	assert := assert.New(t)

	cfg := pgbini.New()
	cfg.Databases["cli"] = pgbini.Route{
		Host:     "10.180.162.236",
		DBName:   "cli",
		Port:     "5432",
		AuthUser: "pgbouncer_auth_relation_3",
	}
	cfg.Databases["cli_standby"] = pgbini.Route{
		Host:     "10.0.0.2,10.0.0.3",
		DBName:   "cli",
		Port:     "5432",
		AuthUser: "pgbouncer_auth_relation_3",
	}
	cfg.Pgbouncer["listen_port"] = "6432"
	cfg.Pgbouncer["auth_file"] = "/etc/pgbouncer/userlist.txt"
	cfg.AddUser("relation-3", true)
	cfg.AddUser("pgbouncer_user_4_test", false)

	expected := `[databases]
cli = host=10.180.162.236,dbname=cli,port=5432,auth_user=pgbouncer_auth_relation_3
cli_standby = host=10.0.0.2,10.0.0.3,dbname=cli,port=5432,auth_user=pgbouncer_auth_relation_3

[pgbouncer]
admin_users = relation-3
auth_file = /etc/pgbouncer/userlist.txt
listen_port = 6432
`
	assert.Equal(expected, cfg.Render())
}

func TestRenderEmptyDatabases(t *testing.T) {
	assert := assert.New(t)

	cfg := pgbini.New()
	cfg.Pgbouncer["listen_port"] = "6432"

	expected := `[databases]

[pgbouncer]
listen_port = 6432
`
	assert.Equal(expected, cfg.Render())
}

func TestParseRoundTrip(t *testing.T) {
	assert := assert.New(t)

	cfg := pgbini.Default("6432")
	cfg.Databases["cli"] = pgbini.Route{Host: "10.0.0.1", DBName: "cli", Port: "5432", AuthUser: "auth"}
	cfg.AddUser("admin-user", true)

	parsed, err := pgbini.Parse(cfg.Render())
	assert.NoError(err)
	assert.Equal(cfg.Databases, parsed.Databases)
	assert.Equal(cfg.Pgbouncer, parsed.Pgbouncer)
	assert.Equal(pgbini.User{Admin: true}, parsed.Users["admin-user"])

	// parsing the render of the parse is stable
	assert.Equal(cfg.Render(), parsed.Render())
}

func TestParseRejectsGarbage(t *testing.T) {
	assert := assert.New(t)

	_, err := pgbini.Parse("[nope]\n")
	assert.Error(err)

	_, err = pgbini.Parse("key_without_section\n")
	assert.Error(err)
}

func TestRemoveDatabaseDropsStandby(t *testing.T) {
	assert := assert.New(t)

	cfg := pgbini.New()
	cfg.Databases["cli"] = pgbini.Route{Host: "h", DBName: "cli", Port: "5432", AuthUser: "a"}
	cfg.Databases["cli_standby"] = pgbini.Route{Host: "h2", DBName: "cli", Port: "5432", AuthUser: "a"}

	cfg.RemoveDatabase("cli")
	assert.Empty(cfg.Databases)
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	cfg := pgbini.New()
	cfg.Databases["cli"] = pgbini.Route{Host: "h", DBName: "cli", Port: "5432", AuthUser: "a"}
	assert.NoError(cfg.Validate())

	cfg.Databases["other_standby"] = pgbini.Route{Host: "h", DBName: "other", Port: "5432", AuthUser: "a"}
	err := cfg.Validate()
	assert.Error(err)
	assert.True(boperror.Is(err, boperror.BOP_INCONSISTENT))

	delete(cfg.Databases, "other_standby")
	cfg.Databases["cli"] = pgbini.Route{Host: "h", DBName: "cli", Port: "5432"}
	assert.Error(cfg.Validate())
}

func TestManagerSaveLoad(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "pgbouncer.ini")
	mgr := pgbini.NewManager(path)

	_, err := mgr.Load()
	assert.True(boperror.Is(err, boperror.BOP_DOES_NOT_EXIST))

	cfg := pgbini.Default("6432")
	assert.NoError(mgr.Save(cfg))

	// no temp file left behind
	_, err = os.Stat(path + ".tmp")
	assert.True(os.IsNotExist(err))

	loaded, err := mgr.Load()
	assert.NoError(err)
	assert.Equal(cfg.Render(), loaded.Render())

	assert.NoError(mgr.Delete())
	assert.NoError(mgr.Delete())
}
