package pgbini

import (
	"os"
	"path/filepath"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Manager persists the document at a fixed path. Writes go through a
// temp file and a rename so the pooler never observes a half-written
// config.
type Manager struct {
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string {
	return m.path
}

// Load reads and parses the persisted document. A missing file is
// reported as DoesNotExist so callers can defer instead of failing.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, boperror.Newf(boperror.BOP_DOES_NOT_EXIST, "pooler config %s not rendered yet", m.path)
		}
		return nil, err
	}
	return Parse(string(data))
}

func (m *Manager) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(cfg.Render()), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return err
	}
	boplog.Zero.Debug().Str("path", m.path).Msg("pgbini: config rendered")
	return nil
}

func (m *Manager) Delete() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
