package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Conn is the pgx-backed Driver. Connections are dialed per call and
// closed before returning; the pooler owns long-lived connections,
// not the operator.
type Conn struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

var _ Driver = &Conn{}

func NewConn(host, port, user, password, database string) *Conn {
	return &Conn{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
	}
}

func (c *Conn) connString(database string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, database)
}

func (c *Conn) connect(ctx context.Context, database string) (*pgx.Conn, error) {
	if database == "" {
		database = c.Database
	}
	conn, err := pgx.Connect(ctx, c.connString(database))
	if err != nil {
		return nil, boperror.Wrap(boperror.BOP_BACKEND_UNAVAILABLE, err)
	}
	return conn, nil
}

func (c *Conn) CreateRole(ctx context.Context, name string, password string, admin bool) error {
	conn, err := c.connect(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	attrs := "LOGIN"
	if admin {
		attrs = "LOGIN SUPERUSER"
	}
	sql := fmt.Sprintf("CREATE ROLE %s %s PASSWORD %s",
		pgx.Identifier{name}.Sanitize(), attrs, quoteLiteral(password))
	if _, err := conn.Exec(ctx, sql); err != nil {
		return classify(err)
	}
	boplog.Zero.Info().Str("role", name).Msg("postgres: role created")
	return nil
}

func (c *Conn) CreateDatabase(ctx context.Context, name string, owner string) error {
	conn, err := c.connect(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	sql := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{owner}.Sanitize())
	if _, err := conn.Exec(ctx, sql); err != nil {
		return classify(err)
	}
	boplog.Zero.Info().Str("database", name).Str("owner", owner).Msg("postgres: database created")
	return nil
}

func (c *Conn) DeleteRole(ctx context.Context, name string) error {
	conn, err := c.connect(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	sql := fmt.Sprintf("DROP ROLE %s", pgx.Identifier{name}.Sanitize())
	if _, err := conn.Exec(ctx, sql); err != nil {
		return classify(err)
	}
	boplog.Zero.Info().Str("role", name).Msg("postgres: role deleted")
	return nil
}

func (c *Conn) ExecuteSQL(ctx context.Context, database string, script string) error {
	conn, err := c.connect(ctx, database)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	if _, err := conn.Exec(ctx, script); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Conn) Version(ctx context.Context) (string, error) {
	conn, err := c.connect(ctx, "")
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close(ctx) }()

	var version string
	if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", classify(err)
	}
	if short, _, found := strings.Cut(version, " "); found {
		return short, nil
	}
	return version, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// classify maps SQLSTATEs onto the operator error taxonomy so callers
// never see raw driver errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42710", "42P04": // duplicate_object, duplicate_database
			return boperror.Wrap(boperror.BOP_ALREADY_EXISTS, err)
		case "42704", "3D000": // undefined_object, invalid_catalog_name
			return boperror.Wrap(boperror.BOP_DOES_NOT_EXIST, err)
		}
	}
	return boperror.Wrap(boperror.BOP_BACKEND_UNAVAILABLE, err)
}
