package keyrotor

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrAuthFailed            = errors.New("keyrotor: authentication failed")
	ErrIdentityQuotaExceeded = errors.New("keyrotor: identity quota exceeded")
	ErrPoolExhausted         = errors.New("keyrotor: secret pool exhausted")
	ErrStoreUnavailable      = errors.New("keyrotor: store unavailable")
	ErrStoreInvariant        = errors.New("keyrotor: store invariant violated")
	ErrCommitConflict        = errors.New("keyrotor: commit conflict")
	ErrIdentityExists        = errors.New("keyrotor: identity already registered")
	ErrInvalidRequest        = errors.New("keyrotor: invalid request")
)

// IssueError wraps an issuance failure with the state it terminated in.
type IssueError struct {
	Err        error
	State      State
	IdentityID string
	SecretID   string
	Day        Day
	Attempts   int
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("keyrotor: state=%s identity=%s secret=%s day=%s attempts=%d: %v",
		e.State, e.IdentityID, e.SecretID, e.Day, e.Attempts, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

// Code returns a stable, non-leaky error code suitable for clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAuthFailed):
		return "authentication_failed"
	case errors.Is(err, ErrIdentityQuotaExceeded):
		return "identity_quota_exceeded"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrIdentityExists):
		return "identity_exists"
	default:
		return "internal_error"
	}
}

// IsRejection returns true if the error is an expected, user-visible outcome
// rather than a failure of the service.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrIdentityQuotaExceeded) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the same request may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrStoreUnavailable)
}

// storeError classifies a ledger error. Known sentinels pass through,
// anything else is an unavailable store.
func storeError(err error) error {
	switch {
	case errors.Is(err, ErrStoreInvariant),
		errors.Is(err, ErrCommitConflict),
		errors.Is(err, ErrIdentityQuotaExceeded),
		errors.Is(err, ErrIdentityExists),
		errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
