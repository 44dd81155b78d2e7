package pooler

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Service is the running pooler process. The operator only ever asks
// it to pick up a freshly rendered config.
type Service interface {
	Reload(ctx context.Context) error
}

// Sighup reloads pgbouncer the classic way: SIGHUP to the pid from
// its pidfile.
type Sighup struct {
	pidPath string
}

var _ Service = &Sighup{}

func NewSighup(pidPath string) *Sighup {
	return &Sighup{pidPath: pidPath}
}

func (s *Sighup) Reload(_ context.Context) error {
	data, err := os.ReadFile(s.pidPath)
	if err != nil {
		return boperror.Wrap(boperror.BOP_INCONSISTENT, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return boperror.Newf(boperror.BOP_INCONSISTENT, "malformed pidfile %s", s.pidPath)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return boperror.Wrap(boperror.BOP_INCONSISTENT, err)
	}
	boplog.Zero.Info().Int("pid", pid).Msg("pooler: reload requested")
	return nil
}

// Mock counts reloads for tests.
type Mock struct {
	mu      sync.Mutex
	Reloads int
	Fail    error
}

var _ Service = &Mock{}

func (m *Mock) Reload(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Reloads++
	return nil
}

func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reloads
}
