/*
errors.go - Centralized error types for the leave engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components wrap these with fmt.Errorf("...: %w") and callers branch with
  errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation    - Rule violations on a submission (full ordered list)
  2. Not found     - Missing policy, assignment, request or snapshot
  3. Configuration - Bad org scope, bad policy config, illegal transition
  4. External      - Directory or calendar unreachable
  5. Concurrency   - Two mutations raced on the same balance key

PROPAGATION:
  Validation results travel as data (validation.Result) and only become a
  *ValidationError at the submit boundary. Concurrency conflicts are retried
  by ledger.Update; one that survives every retry is surfaced, never dropped.

SEE ALSO:
  - api/errors.go: Maps these to HTTP status codes
*/
package leave

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	// ErrConfiguration covers invalid org scope, invalid policy configuration
	// and illegal state transitions.
	ErrConfiguration = errors.New("configuration error")

	ErrExternalService = errors.New("external service unavailable")

	// ErrConcurrencyConflict is returned by a store when a snapshot changed
	// between read and write (version mismatch or duplicate insert).
	ErrConcurrencyConflict = errors.New("concurrent modification of balance")

	// ErrNoAllotment is returned when asked to compute an entitlement for a
	// policy whose annual allotment is unset.
	ErrNoAllotment = errors.New("policy has no annual allotment")

	// ErrInvalidAmount is returned when a ledger amount has the wrong sign
	// for its entry kind.
	ErrInvalidAmount = errors.New("invalid ledger amount")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Violation is one failed validation rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Message }

// ValidationError carries every violation, in rule order. Callers show the
// first one to the end user.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// First returns the violation surfaced to the end user.
func (e *ValidationError) First() Violation {
	if len(e.Violations) == 0 {
		return Violation{}
	}
	return e.Violations[0]
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Reason }

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// TransitionError is an attempt to fire an event the transition table does
// not permit from the request's current state.
type TransitionError struct {
	RequestID RequestID
	From      Status
	Event     string
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s request %s in state %s", e.Event, e.RequestID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrConfiguration }

// ExternalServiceError wraps a collaborator failure. It matches both
// ErrExternalService and the underlying cause.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// ConflictError is a concurrency conflict that outlived the retry budget.
type ConflictError struct {
	Key      BalanceKey
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("balance %s still conflicting after %d attempts", e.Key, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrExternalService)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidAmount)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
