package postgres

import (
	"context"
)

// Driver is the capability the controllers use to mutate backend
// state: "execute SQL against database D as the backend user".
// Implementations classify failures into the boperror taxonomy:
// BackendUnavailable on connection/auth failure, AlreadyExists and
// DoesNotExist on role/database conflicts.
type Driver interface {
	CreateRole(ctx context.Context, name string, password string, admin bool) error
	CreateDatabase(ctx context.Context, name string, owner string) error
	DeleteRole(ctx context.Context, name string) error
	ExecuteSQL(ctx context.Context, database string, script string) error
	Version(ctx context.Context) (string, error)
}
