package gatekeeper

import (
	"errors"
	"fmt"

	"github.com/pawmatch/gatekeeper/billing"
	"github.com/pawmatch/gatekeeper/gate"
	"github.com/pawmatch/gatekeeper/lifecycle"
	"github.com/pawmatch/gatekeeper/meter"
	"github.com/pawmatch/gatekeeper/store"
)

// Sentinel errors for common failure scenarios. Most are re-exported from
// the package that returns them so callers can match on one import.
var (
	// General errors
	ErrInvalidInput    = errors.New("gatekeeper: invalid input")
	ErrMigrationFailed = errors.New("gatekeeper: migration failed")

	// Store errors
	ErrNotFound         = store.ErrNotFound
	ErrStoreUnavailable = store.ErrUnavailable
	ErrLockTimeout      = store.ErrLockTimeout

	// Subscription errors
	ErrSubscriptionNotFound = lifecycle.ErrSubscriptionNotFound
	ErrNoSubscription       = billing.ErrNoSubscription
	ErrInvalidRefundAmount  = lifecycle.ErrInvalidAmount
	ErrAlreadyEnded         = lifecycle.ErrAlreadyEnded
	ErrUnknownPlan          = billing.ErrUnknownPlan

	// Usage errors
	ErrUnknownUsageType   = meter.ErrUnknownUsageType
	ErrInvalidOperationID = meter.ErrInvalidOperationID
	ErrNotMetered         = gate.ErrNotMetered

	// Consumable errors
	ErrUnknownConsumable   = billing.ErrUnknownConsumable
	ErrInvalidQuantity     = billing.ErrInvalidQuantity
	ErrInsufficientBalance = billing.ErrInsufficientBalance
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("gatekeeper: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap makes errors.Is(err, ErrInvalidInput) hold for every
// ValidationError.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "gatekeeper: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("gatekeeper: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, billing.ErrSubscriptionNotFound) ||
		errors.Is(err, ErrNoSubscription)
}

// IsInvalidInput returns true if the caller sent something that will never
// succeed as sent.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnknownUsageType) ||
		errors.Is(err, ErrInvalidOperationID) ||
		errors.Is(err, ErrNotMetered) ||
		errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrUnknownConsumable) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidRefundAmount)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrLockTimeout)
}
