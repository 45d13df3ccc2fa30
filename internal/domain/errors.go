package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry policy and for the wire protocol.
// WebSocket error frames carry the kind as their short code.
type Kind string

const (
	// KindUnavailable covers transient storage failures: pool exhaustion,
	// connection resets, serialization failures after retries are exhausted.
	KindUnavailable Kind = "unavailable"

	// KindNotFound indicates a referenced entity is absent.
	KindNotFound Kind = "not_found"

	// KindValidation indicates malformed input, including unknown function,
	// job type, cron or workflow names. Never retried.
	KindValidation Kind = "validation"

	// KindForbidden indicates an access check failed. Never retried.
	KindForbidden Kind = "forbidden"

	// KindTimeout indicates a configured deadline elapsed.
	KindTimeout Kind = "timeout"

	// KindConflict indicates an idempotency or optimistic-concurrency clash.
	KindConflict Kind = "conflict"

	// KindExternal indicates an error propagated out of user code.
	KindExternal Kind = "external"

	// KindInternal indicates an invariant violation inside the core.
	KindInternal Kind = "internal"
)

// Error is the core's fallible-operation result: a kind plus a human-readable
// message. It never carries SQL text or stack traces.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error, preserving the chain.
func WrapError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidID):
		return KindValidation
	default:
		return KindInternal
	}
}

// Sentinel errors returned by repository implementations.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrJobOwnershipLost indicates a claimed job was reclaimed by the stale
	// sweep or another worker before this worker finished with it.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrJobNotCancellable indicates the job already reached a terminal state.
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrDeadLetterNotFound indicates the dead letter entry doesn't exist.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")

	// ErrNotLeader indicates a leader-only operation was attempted on a
	// node that does not currently hold the role.
	ErrNotLeader = errors.New("node is not leader for role")

	// ErrDraining indicates the node is shutting down and refuses new work.
	ErrDraining = errors.New("node is draining")
)
