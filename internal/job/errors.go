package job

import (
	"errors"
	"fmt"

	"github.com/forgelabs/forge/internal/domain"
)

// === Retry Classification ===
//
// Handler failures are retried with backoff until max_attempts by default.
// Wrap an error with Permanent() to skip the retry path, or return Cancelled
// to end the job in the cancelled state.

// PermanentError marks a failure that retrying cannot fix. Jobs failing with
// a permanent error go straight to the dead letter queue (or the failed
// state when dead-lettering is disabled for the job type).
//
// Use for: deleted upstream entities, malformed stored input, business rules
// that can never pass. Don't use for: network timeouts, lock contention.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to signal it must not be retried.
func Permanent(err error) error {
	return PermanentError{Err: err}
}

// IsPermanent reports whether the failure should skip the retry path.
// Validation and forbidden kinds are permanent without explicit wrapping.
func IsPermanent(err error) bool {
	var permanent PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindForbidden:
		return true
	}
	return false
}

// === Panic Handling ===

// PanicError indicates a panic occurred during job execution. Panicking jobs
// are dead-lettered immediately with their stack trace; panics are
// programming errors, not transient conditions.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether the error came from a recovered panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// === Handler-Initiated Cancellation ===

// Cancelled ends the job in the cancelled state with no retry attempts.
// Return it when the work is no longer wanted rather than impossible.
type Cancelled struct {
	Reason string
}

func (e Cancelled) Error() string {
	return fmt.Sprintf("job cancelled: %s", e.Reason)
}

// IsCancelled reports whether the handler cancelled the job on purpose.
func IsCancelled(err error) bool {
	var cancelled Cancelled
	return errors.As(err, &cancelled)
}
