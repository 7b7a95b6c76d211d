package entitlement

import "errors"

var (
	// ErrRecordNotFound is returned when no entitlement record matches the lookup key
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrInvalidPlan is returned for unknown plan names or values
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidAmount is returned for negative credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCreditsExhausted is returned when a consumption would exceed the credit budget
	ErrCreditsExhausted = errors.New("credits exhausted")

	// ErrCustomerConflict is returned when a customer reference is already linked to another user
	ErrCustomerConflict = errors.New("customer linked to another user")

	// ErrStaleEvent is returned when a subscription update is older than the stored state
	ErrStaleEvent = errors.New("stale subscription event")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidUser is returned when a user id is empty
	ErrInvalidUser = errors.New("invalid user")
)
