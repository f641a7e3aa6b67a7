package license

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// License errors
var (
	// ErrTransientAuthority matches authority failures worth retrying:
	// network errors, timeouts, rate limiting.
	ErrTransientAuthority = errors.New("license authority temporarily unavailable")

	// ErrTerminalAuthority matches authority rejections that retrying will not
	// fix: invalid key, unauthorized tenant.
	ErrTerminalAuthority = errors.New("license authority rejected the request")

	// ErrStaleReplace marks a snapshot discarded by the monotonicity guard.
	// It is informational, never returned from the public surface.
	ErrStaleReplace = errors.New("snapshot is not newer than the stored snapshot")

	// ErrLeadershipUnknown marks a renewal skipped because leadership has not
	// resolved yet. This is the normal startup condition in multi-instance mode.
	ErrLeadershipUnknown = errors.New("leadership status unset, renewal skipped")

	ErrShutdown        = errors.New("license coordinator is shut down")
	ErrEmptyActivation = errors.New("activation key is empty")
	ErrNoSigner        = errors.New("no management token signer configured")

	// ErrSnapshotExpired is returned when a management token would be cut
	// from entitlements whose validity has already ended.
	ErrSnapshotExpired = errors.New("license snapshot has expired")
)

// FailureKind classifies a failed authority call.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureTerminal  FailureKind = "terminal"
	// FailureCanceled is used when the caller's context ended the attempt.
	FailureCanceled FailureKind = "canceled"
)

// AuthorityError is the error the authority collaborator returns for a failed
// renew, activate or reload call.
type AuthorityError struct {
	Kind FailureKind
	// Op is the authority operation that failed (renew, activate, reload).
	Op string
	// RetryAfter is the authority's hint for the earliest next attempt.
	RetryAfter time.Duration
	Err        error
}

// TransientError builds a retryable authority error.
func TransientError(op string, retryAfter time.Duration, err error) *AuthorityError {
	return &AuthorityError{Kind: FailureTransient, Op: op, RetryAfter: retryAfter, Err: err}
}

// TerminalError builds a non-retryable authority error.
func TerminalError(op string, err error) *AuthorityError {
	return &AuthorityError{Kind: FailureTerminal, Op: op, Err: err}
}

func (e *AuthorityError) Error() string {
	msg := fmt.Sprintf("license %s failed (%s)", e.Op, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthorityError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *AuthorityError) Is(target error) bool {
	switch target {
	case ErrTransientAuthority:
		return e.Kind == FailureTransient
	case ErrTerminalAuthority:
		return e.Kind == FailureTerminal
	default:
		return false
	}
}

// Classify maps any error from an authority call to a failure kind and retry
// hint. Errors that are not AuthorityErrors are treated as transient, except a
// canceled context.
func Classify(err error) (FailureKind, time.Duration) {
	var authErr *AuthorityError
	if errors.As(err, &authErr) {
		kind := authErr.Kind
		if kind == "" {
			kind = FailureTransient
		}
		return kind, authErr.RetryAfter
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled, 0
	}
	return FailureTransient, 0
}
