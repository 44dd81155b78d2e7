package hook

import (
	"context"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
)

// Handler processes one event to completion. It may return a
// DeferredError to request redelivery or a FailedError to surface a
// failure to the remote side; any other non-nil error is logged as
// unexpected. Handlers must be idempotent under redelivery.
type Handler func(ctx context.Context, ev Event) error

// Queue is the single-threaded cooperative dispatcher: each event is
// processed to completion (or deferred) before the next one. Deferred
// events are replayed ahead of the next incoming event, once external
// state had a chance to move.
type Queue struct {
	handlers map[Kind]Handler
	deferred []Event
	incoming chan Event
}

func NewQueue() *Queue {
	return &Queue{
		handlers: map[Kind]Handler{},
		incoming: make(chan Event, 64),
	}
}

func (q *Queue) Register(kind Kind, h Handler) {
	q.handlers[kind] = h
}

func (q *Queue) Push(ev Event) {
	q.incoming <- ev
}

// Dispatch runs one event through its handler, tracking deferral.
// Returns the handler verdict so one-shot hosts can map it to an exit
// code.
func (q *Queue) Dispatch(ctx context.Context, ev Event) error {
	h, ok := q.handlers[ev.Kind]
	if !ok {
		boplog.Zero.Warn().Str("kind", string(ev.Kind)).Msg("queue: no handler registered")
		return nil
	}

	err := h(ctx, ev)
	switch {
	case err == nil:
		return nil
	case IsDeferred(err):
		boplog.Zero.Info().
			Str("kind", string(ev.Kind)).
			Str("relation", ev.Relation.String()).
			Err(err).
			Msg("queue: event deferred")
		return err
	case IsFailed(err):
		boplog.Zero.Error().
			Str("kind", string(ev.Kind)).
			Str("relation", ev.Relation.String()).
			Err(err).
			Msg("queue: event failed")
		return err
	default:
		boplog.Zero.Error().
			Str("kind", string(ev.Kind)).
			Err(err).
			Msg("queue: unexpected handler error")
		return err
	}
}

// Run consumes events until ctx is done. Before each incoming event
// the deferred backlog is retried in arrival order; events deferred
// again go back to the end of the backlog.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-q.incoming:
			q.replayDeferred(ctx)
			if err := q.Dispatch(ctx, ev); IsDeferred(err) {
				q.deferred = append(q.deferred, ev)
			}
		}
	}
}

func (q *Queue) replayDeferred(ctx context.Context) {
	backlog := q.deferred
	q.deferred = nil
	for _, ev := range backlog {
		if err := q.Dispatch(ctx, ev); IsDeferred(err) {
			q.deferred = append(q.deferred, ev)
		}
	}
}

// Backlog reports how many events are waiting for redelivery.
func (q *Queue) Backlog() int {
	return len(q.deferred)
}
