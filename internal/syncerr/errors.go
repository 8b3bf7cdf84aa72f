// Package syncerr defines the error taxonomy shared by the mirror components.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRemoteUnavailable is a network or remote API failure.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrInvalidOperation rejects a cyclic move, an empty name or an unresolvable parent.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrNotFound is a stale reference to an entry that no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported is returned when the remote lacks a required primitive.
	ErrUnsupported = errors.New("unsupported")
	// ErrBusy is returned when another operation on the same entry is queued or in flight.
	ErrBusy = errors.New("busy")
)

// Invalid returns an ErrInvalidOperation with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing entry.
func NotFound(id string) error {
	return fmt.Errorf("%w: entry %q", ErrNotFound, id)
}

// Unavailable wraps a remote failure so it matches ErrRemoteUnavailable.
// Errors that already match are returned unchanged.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
}

// Remote classifies a failure returned by a remote store call. Errors that
// already belong to the taxonomy are returned unchanged; anything else is
// reported as ErrRemoteUnavailable.
func Remote(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrRemoteUnavailable, ErrInvalidOperation, ErrNotFound, ErrUnsupported, ErrBusy} {
		if errors.Is(err, known) {
			return err
		}
	}
	return Unavailable(err)
}

// OpError reports which item failed, in which operation, and why.
type OpError struct {
	Op   string
	Item string
	Name string
	Err  error
}

func (e *OpError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Item, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Item, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// AsOpError checks if an error is an OpError and returns it.
func AsOpError(err error) (*OpError, bool) {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// BatchError is returned when at least one item of a batch failed. The local
// model has been rolled back to the pre-batch snapshot, but the remote calls
// listed in MaybeApplied already succeeded and were not undone.
type BatchError struct {
	Op           string
	Failures     []*OpError
	MaybeApplied []string
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d item(s) failed", e.Op, len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	if len(e.MaybeApplied) > 0 {
		fmt.Fprintf(&b, "; applied remotely before rollback: %s", strings.Join(e.MaybeApplied, ", "))
	}
	return b.String()
}

// Unwrap exposes the per-item errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// AsBatchError checks if an error is a BatchError and returns it.
func AsBatchError(err error) (*BatchError, bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
