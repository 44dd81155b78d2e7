package hook

import (
	"errors"
	"fmt"
)

// DeferredError asks the hosting scheduler to re-deliver the current
// event later, after external state may have changed. It is a result
// variant, not a failure: handlers return it the moment a
// precondition is unmet and never fall through to further steps.
type DeferredError struct {
	Reason string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred: %s", e.Reason)
}

func Defer(reason string) error {
	return &DeferredError{Reason: reason}
}

func Deferf(format string, a ...any) error {
	return &DeferredError{Reason: fmt.Sprintf(format, a...)}
}

func IsDeferred(err error) bool {
	var de *DeferredError
	return errors.As(err, &de)
}

// FailedError marks the event as failed so the error is visible to
// the relation's remote side. Once external side effects have begun,
// failures are reported this way rather than retried, since a retry
// could double-create resources.
type FailedError struct {
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("failed: %s", e.Message)
}

func Fail(message string) error {
	return &FailedError{Message: message}
}

func Failf(format string, a ...any) error {
	return &FailedError{Message: fmt.Sprintf(format, a...)}
}

func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}
