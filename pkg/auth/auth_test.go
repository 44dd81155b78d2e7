package auth_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-pooling/bouncerop/pkg/auth"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
	"github.com/pg-pooling/bouncerop/pkg/postgres"
)

func TestRoleName(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("pgbouncer_auth_relation_3", auth.RoleName("relation-3"))
	// deterministic across invocations
	assert.Equal(auth.RoleName("relation-3"), auth.RoleName("relation-3"))
}

func TestAuthQuery(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(
		"SELECT username, password FROM pgbouncer_auth_relation_3.get_auth($1)",
		auth.AuthQuery("pgbouncer_auth_relation_3"),
	)
}

func TestGeneratePassword(t *testing.T) {
	assert := assert.New(t)

	pw, err := auth.GeneratePassword()
	assert.NoError(err)
	assert.Len(pw, 24)
	for _, c := range pw {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		assert.True(ok, "unexpected character %q", c)
	}
}

func TestHashPassword(t *testing.T) {
	assert := assert.New(t)

	hash := auth.HashPassword("alice", "hunter2")
	assert.True(strings.HasPrefix(hash, "md5"))
	assert.Len(hash, 35)
	// stable: same input, same hash
	assert.Equal(hash, auth.HashPassword("alice", "hunter2"))
	assert.NotEqual(hash, auth.HashPassword("bob", "hunter2"))
}

func TestCreateAuthRole(t *testing.T) {
	assert := assert.New(t)
	drv := postgres.NewMock()

	role, pw, err := auth.CreateAuthRole(context.Background(), drv, "relation-3")
	assert.NoError(err)
	assert.Equal("pgbouncer_auth_relation_3", role)
	assert.Len(pw, 24)
	assert.True(drv.Roles[role].Admin)
	assert.Equal(pw, drv.Roles[role].Password)

	// second creation surfaces AlreadyExists; callers treat it as success
	_, _, err = auth.CreateAuthRole(context.Background(), drv, "relation-3")
	assert.True(boperror.Is(err, boperror.BOP_ALREADY_EXISTS))
}

func TestInstallAuthFunction(t *testing.T) {
	assert := assert.New(t)
	drv := postgres.NewMock()

	err := auth.InstallAuthFunction(context.Background(), drv, "pgbouncer_auth_r3", []string{"pgbouncer", "postgres"})
	assert.NoError(err)
	assert.Len(drv.Scripts["pgbouncer"], 1)
	assert.Len(drv.Scripts["postgres"], 1)
	assert.Contains(drv.Scripts["pgbouncer"][0], "pgbouncer_auth_r3.get_auth")
	assert.NotContains(drv.Scripts["pgbouncer"][0], "auth_user")
}

func TestInstallAuthFunctionAborts(t *testing.T) {
	assert := assert.New(t)
	drv := postgres.NewMock()
	drv.FailExecuteSQL = boperror.New(boperror.BOP_BACKEND_UNAVAILABLE, "connection refused")

	err := auth.InstallAuthFunction(context.Background(), drv, "r", []string{"a", "b"})
	assert.True(boperror.Is(err, boperror.BOP_BACKEND_UNAVAILABLE))
	assert.Empty(drv.Scripts)
}

func TestRenderUserlist(t *testing.T) {
	assert := assert.New(t)

	content := auth.RenderUserlist(map[string]string{
		"test2": "pw2",
		"test1": "pw1",
	})
	assert.Equal("\"test1\" \"pw1\"\n\"test2\" \"pw2\"", content)

	assert.Equal("", auth.RenderUserlist(nil))
}

func TestUserlistWriteDelete(t *testing.T) {
	assert := assert.New(t)

	ul := auth.NewUserlist(filepath.Join(t.TempDir(), "userlist.txt"))
	assert.NoError(ul.Write("\"u\" \"h\""))
	assert.NoError(ul.Delete())
	assert.NoError(ul.Delete())
}
