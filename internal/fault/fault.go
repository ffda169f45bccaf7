// Package fault defines the domain error sentinels shared by every surface.
// Callers classify failures by wrapping one of these sentinels; the tool and
// HTTP boundaries map them to wire codes via errors.Is().
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates malformed or out-of-range caller input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation collides with current state,
	// such as stopping a process that is still starting.
	ErrConflict = errors.New("conflict")

	// ErrPreconditionFailed indicates a required state was not met, such
	// as moving a knowledge entry that is already in the target folder.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrSpawnFailed indicates the OS could not start a child process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrTerminationFailed indicates a child did not die after escalation.
	ErrTerminationFailed = errors.New("termination failed")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrStoreCorrupt indicates persisted state failed to decode.
	ErrStoreCorrupt = errors.New("store corrupt")

	// ErrInternal indicates an unexpected failure not caused by the caller.
	ErrInternal = errors.New("internal error")
)

// Kind names an error category for wire payloads and log fields.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindSpawnFailed        Kind = "SpawnFailed"
	KindTerminationFailed  Kind = "TerminationFailed"
	KindTimeout            Kind = "Timeout"
	KindStoreCorrupt       Kind = "StoreCorrupt"
	KindInternal           Kind = "Internal"
)

// KindOf resolves err to its Kind through the wrap chain. Errors that carry
// no sentinel classify as KindInternal; nil returns the zero Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrPreconditionFailed):
		return KindPreconditionFailed
	case errors.Is(err, ErrSpawnFailed):
		return KindSpawnFailed
	case errors.Is(err, ErrTerminationFailed):
		return KindTerminationFailed
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrStoreCorrupt):
		return KindStoreCorrupt
	default:
		return KindInternal
	}
}

// InvalidRequest wraps ErrInvalidRequest with a descriptive message.
func InvalidRequest(format string, args ...any) error {
	return wrap(ErrInvalidRequest, format, args...)
}

// NotFound wraps ErrNotFound with a descriptive message.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Conflict wraps ErrConflict with a descriptive message.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// PreconditionFailed wraps ErrPreconditionFailed with a descriptive message.
func PreconditionFailed(format string, args ...any) error {
	return wrap(ErrPreconditionFailed, format, args...)
}

// SpawnFailed wraps ErrSpawnFailed with a descriptive message.
func SpawnFailed(format string, args ...any) error {
	return wrap(ErrSpawnFailed, format, args...)
}

// TerminationFailed wraps ErrTerminationFailed with a descriptive message.
func TerminationFailed(format string, args ...any) error {
	return wrap(ErrTerminationFailed, format, args...)
}

// Timeout wraps ErrTimeout with a descriptive message.
func Timeout(format string, args ...any) error {
	return wrap(ErrTimeout, format, args...)
}

// StoreCorrupt wraps ErrStoreCorrupt with a descriptive message.
func StoreCorrupt(format string, args ...any) error {
	return wrap(ErrStoreCorrupt, format, args...)
}

// Internal wraps ErrInternal with a descriptive message.
func Internal(format string, args ...any) error {
	return wrap(ErrInternal, format, args...)
}

// WithCause classifies cause under sentinel while keeping both inspectable
// through errors.Is. Used where an OS or library error needs a domain kind,
// e.g. wrapping exec failures as ErrSpawnFailed.
func WithCause(sentinel, cause error, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(format, args...), cause, sentinel)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
