package hook

import (
	"sync"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
)

type StatusKind string

const (
	StatusActive      = StatusKind("active")
	StatusMaintenance = StatusKind("maintenance")
	StatusWaiting     = StatusKind("waiting")
	StatusBlocked     = StatusKind("blocked")
)

// Status is the operator-visible condition of this process. Blocked is
// sticky in the sense that it is only left by an explicit Active set.
type Status struct {
	Kind    StatusKind
	Message string
}

type StatusReporter interface {
	SetStatus(s Status)
	Status() Status
}

// LogReporter keeps the latest status in memory and mirrors every
// transition to the log.
type LogReporter struct {
	mu      sync.Mutex
	current Status
}

var _ StatusReporter = &LogReporter{}

func NewLogReporter() *LogReporter {
	return &LogReporter{current: Status{Kind: StatusActive}}
}

func (r *LogReporter) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = s

	ev := boplog.Zero.Info()
	if s.Kind == StatusBlocked {
		ev = boplog.Zero.Error()
	}
	ev.Str("status", string(s.Kind)).Str("message", s.Message).Msg("hook: status changed")
}

func (r *LogReporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
