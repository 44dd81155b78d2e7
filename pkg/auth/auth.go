package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/sethvargo/go-password/password"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
	"github.com/pg-pooling/bouncerop/pkg/postgres"
)

const passwordLength = 24

// RoleName derives the privileged auth role name from the backend's
// remote username. Deterministic, so restarts regenerate the same
// name.
func RoleName(remoteUser string) string {
	return strings.ReplaceAll("pgbouncer_auth_"+remoteUser, "-", "_")
}

// AuthQuery is the lookup the pooler issues through the auth role.
func AuthQuery(role string) string {
	return fmt.Sprintf("SELECT username, password FROM %s.get_auth($1)", role)
}

// GeneratePassword returns a random 24-character password of letters
// and digits.
func GeneratePassword() (string, error) {
	return password.Generate(passwordLength, 6, 0, false, true)
}

// HashPassword produces the md5 form pgbouncer and postgres expect in
// auth files: "md5" + hex(md5(password + username)).
func HashPassword(username, plaintext string) string {
	sum := md5.Sum([]byte(plaintext + username))
	return "md5" + hex.EncodeToString(sum[:])
}

// CreateAuthRole creates the privileged lookup role on the backend and
// returns its name and generated plaintext password. Callers must
// check readiness state before re-invoking across restarts; an
// AlreadyExists result means a previous bootstrap completed.
func CreateAuthRole(ctx context.Context, drv postgres.Driver, remoteUser string) (string, string, error) {
	role := RoleName(remoteUser)
	plaintext, err := GeneratePassword()
	if err != nil {
		return "", "", err
	}
	if err := drv.CreateRole(ctx, role, plaintext, true); err != nil {
		return "", "", err
	}
	boplog.Zero.Info().Str("role", role).Msg("auth: auth role created")
	return role, plaintext, nil
}

// InstallAuthFunction runs the install script in every named database.
// All-or-nothing: the first failure aborts the call with
// BackendUnavailable.
func InstallAuthFunction(ctx context.Context, drv postgres.Driver, role string, dbs []string) error {
	boplog.Zero.Info().Strs("databases", dbs).Msg("auth: initialising auth function")
	script := strings.ReplaceAll(installAuthFunctionSQL, "auth_user", role)
	for _, dbname := range dbs {
		if err := drv.ExecuteSQL(ctx, dbname, script); err != nil {
			return boperror.Wrap(boperror.BOP_BACKEND_UNAVAILABLE,
				fmt.Errorf("installing auth function in %q: %w", dbname, err))
		}
	}
	boplog.Zero.Info().Msg("auth: auth function initialised")
	return nil
}

// RemoveAuthFunction is the inverse of InstallAuthFunction, with the
// same all-or-nothing semantics.
func RemoveAuthFunction(ctx context.Context, drv postgres.Driver, role string, dbs []string) error {
	boplog.Zero.Info().Strs("databases", dbs).Msg("auth: removing auth function")
	script := strings.ReplaceAll(removeAuthFunctionSQL, "auth_user", role)
	for _, dbname := range dbs {
		if err := drv.ExecuteSQL(ctx, dbname, script); err != nil {
			return boperror.Wrap(boperror.BOP_BACKEND_UNAVAILABLE,
				fmt.Errorf("removing auth function from %q: %w", dbname, err))
		}
	}
	return nil
}

// RenderUserlist serializes the credential file: one quoted
// `"user" "hash"` pair per line, sorted by username, newline between
// entries only.
func RenderUserlist(entries map[string]string) string {
	users := make([]string, 0, len(entries))
	for user := range entries {
		users = append(users, user)
	}
	sort.Strings(users)

	lines := make([]string, 0, len(users))
	for _, user := range users {
		lines = append(lines, fmt.Sprintf("%q %q", user, entries[user]))
	}
	return strings.Join(lines, "\n")
}
