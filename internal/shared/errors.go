// Package shared contains the error taxonomy used by the scheduler, its
// execution stores and the host application.
//
// Every error surfaced by a store or by the scheduler facade wraps one of the
// base sentinels below, so callers can either match a precise condition
// (errors.Is(err, shared.ErrDuplicateKey)) or classify broadly with KindOf.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Base sentinels. Domain errors below wrap exactly one of these.
var (
	// ErrNotFound indicates that a requested execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input or configuration.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates that the operation lost against concurrent state.
	ErrConflict = errors.New("conflict")

	// ErrInternal indicates a programming or schema error.
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyFailure indicates that the execution store or another
	// external dependency failed.
	ErrDependencyFailure = errors.New("dependency failure")
)

// Scheduler error taxonomy.
var (
	// ErrDuplicateKey is returned when an execution with the same
	// (task_name, instance_id) already exists.
	ErrDuplicateKey = fmt.Errorf("duplicate execution: %w", ErrConflict)

	// ErrVersionMismatch is returned by every optimistic update whose expected
	// version no longer matches the row.
	ErrVersionMismatch = fmt.Errorf("execution version mismatch: %w", ErrConflict)

	// ErrClaimFailed is returned when another scheduler instance claimed the
	// execution first. It is an expected race outcome, not a failure.
	ErrClaimFailed = fmt.Errorf("claim failed: %w", ErrVersionMismatch)

	// ErrExecutionPicked is returned by reschedule and cancel when the
	// execution is currently claimed by a scheduler.
	ErrExecutionPicked = fmt.Errorf("execution is currently picked: %w", ErrConflict)

	// ErrUnknownTask is returned when a task name has no registered handler.
	ErrUnknownTask = fmt.Errorf("unknown task: %w", ErrValidation)

	// ErrStoreUnavailable marks transient store I/O failures.
	ErrStoreUnavailable = fmt.Errorf("store unavailable: %w", ErrDependencyFailure)

	// ErrStoreSchema is returned at startup when the store schema is missing
	// or incompatible.
	ErrStoreSchema = fmt.Errorf("store schema error: %w", ErrInternal)

	// ErrShutdownTimeout is returned by Stop when executions were still
	// running when the deadline expired.
	ErrShutdownTimeout = fmt.Errorf("shutdown timed out with executions in flight: %w", ErrTimeout)
)

// HandlerError wraps a failure returned or raised by a task handler.
type HandlerError struct {
	TaskName   string
	InstanceID string
	Err        error
	// Panic is set when the handler panicked instead of returning an error.
	Panic bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("handler %s/%s panicked: %v", e.TaskName, e.InstanceID, e.Err)
	}
	return fmt.Sprintf("handler %s/%s failed: %v", e.TaskName, e.InstanceID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindNotFound represents missing executions
	KindNotFound
	// KindValidation represents invalid input or configuration
	KindValidation
	// KindConflict represents lost optimistic-concurrency races and duplicates
	KindConflict
	// KindInternal represents schema and programming errors
	KindInternal
	// KindTimeout represents timeout errors
	KindTimeout
	// KindDependencyFailure represents store and other external failures
	KindDependencyFailure
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindConflict:
		return "Conflict"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindDependencyFailure:
		return "DependencyFailure"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// kindPriorities defines the deterministic order for error classification.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindDependencyFailure, ErrDependencyFailure},
	{KindInternal, ErrInternal},
}

// KindOf returns the Kind of err by walking its chain against the base
// sentinels in a fixed priority order. For errors.Join values the first
// matching kind in priority order wins.
//
//	switch shared.KindOf(err) {
//	case shared.KindConflict:
//	    // lost a race, skip silently
//	case shared.KindDependencyFailure:
//	    // back off and retry next cycle
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// Unavailable marks err as a transient store failure. Context cancellation is
// passed through untouched so shutdown is not reported as an outage.
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsNotFound reports whether err means the execution does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a lost race or duplicate.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsVersionMismatch reports whether an optimistic update lost its race.
func IsVersionMismatch(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

// IsHandlerFailure reports whether err came out of a task handler.
func IsHandlerFailure(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
