package postgres

import (
	"context"
	"sync"

	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Mock is an in-memory Driver for tests. It records every mutation and
// can be told to fail selected operations.
type Mock struct {
	mu sync.Mutex

	Roles     map[string]MockRole
	Databases map[string]string   // name -> owner
	Scripts   map[string][]string // database -> executed scripts
	Deleted   []string            // deleted role names, in order

	ServerVersion string

	FailCreateRole     error
	FailCreateDatabase error
	FailDeleteRole     error
	FailExecuteSQL     error
}

type MockRole struct {
	Password string
	Admin    bool
}

var _ Driver = &Mock{}

func NewMock() *Mock {
	return &Mock{
		Roles:         map[string]MockRole{},
		Databases:     map[string]string{},
		Scripts:       map[string][]string{},
		ServerVersion: "14.9",
	}
}

func (m *Mock) CreateRole(_ context.Context, name string, password string, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateRole != nil {
		return m.FailCreateRole
	}
	if _, ok := m.Roles[name]; ok {
		return boperror.Newf(boperror.BOP_ALREADY_EXISTS, "role %q exists", name)
	}
	m.Roles[name] = MockRole{Password: password, Admin: admin}
	return nil
}

func (m *Mock) CreateDatabase(_ context.Context, name string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateDatabase != nil {
		return m.FailCreateDatabase
	}
	if _, ok := m.Databases[name]; ok {
		return boperror.Newf(boperror.BOP_ALREADY_EXISTS, "database %q exists", name)
	}
	m.Databases[name] = owner
	return nil
}

func (m *Mock) DeleteRole(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDeleteRole != nil {
		return m.FailDeleteRole
	}
	if _, ok := m.Roles[name]; !ok {
		return boperror.Newf(boperror.BOP_DOES_NOT_EXIST, "role %q does not exist", name)
	}
	delete(m.Roles, name)
	m.Deleted = append(m.Deleted, name)
	return nil
}

func (m *Mock) ExecuteSQL(_ context.Context, database string, script string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailExecuteSQL != nil {
		return m.FailExecuteSQL
	}
	m.Scripts[database] = append(m.Scripts[database], script)
	return nil
}

func (m *Mock) Version(_ context.Context) (string, error) {
	return m.ServerVersion, nil
}
