package apperrors

import (
	"errors"
	"fmt"
)

// ErrNotFound is the root of every "entity absent" error. Terminal, never retried.
var ErrNotFound = errors.New("not found")

var (
	ErrLinkNotFound       = fmt.Errorf("link %w", ErrNotFound)
	ErrClickNotFound      = fmt.Errorf("click %w", ErrNotFound)
	ErrCustomerNotFound   = fmt.Errorf("customer %w", ErrNotFound)
	ErrCommissionNotFound = fmt.Errorf("commission %w", ErrNotFound)
	ErrPayoutNotFound     = fmt.Errorf("payout %w", ErrNotFound)
	ErrWorkspaceNotFound  = fmt.Errorf("workspace %w", ErrNotFound)
)

// ErrValidation is returned for malformed input rejected at the boundary.
var ErrValidation = errors.New("validation failed")

// ErrInvalidConfig is returned when stored configuration cannot be evaluated,
// e.g. an A/B test whose weights total zero.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrKeyTaken is returned when a (domain, key) pair already exists.
var ErrKeyTaken = errors.New("key already taken")

// ErrInvalidTransition is returned for payout status changes the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrPayoutSettled is returned when a correction targets a commission whose payout
// has already been dispatched.
var ErrPayoutSettled = errors.New("payout already dispatched")

// ErrInvalidSignature is returned when a webhook signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// Validation wraps ErrValidation with a reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransientError marks a cache/store/queue failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RailError is returned by payout rails. Retryable failures are rescheduled with
// backoff; the rest fail the payout immediately.
type RailError struct {
	Rail      string
	Retryable bool
	Err       error
}

func (e *RailError) Error() string {
	return fmt.Sprintf("payout rail %s: %v", e.Rail, e.Err)
}

func (e *RailError) Unwrap() error { return e.Err }

// IsTerminal reports whether err should never be retried by a queue worker.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidConfig)
}
