package generation

import "errors"

var (
	// ErrValidation is returned when caller input is malformed.
	ErrValidation = errors.New("invalid generation request")
	// ErrInsufficientCredits is returned when the ledger refuses a reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCreditServiceUnavailable is returned when the ledger cannot be reached.
	ErrCreditServiceUnavailable = errors.New("credit service unavailable")
	// ErrPublish is returned when a job could not be placed on the queue.
	ErrPublish = errors.New("job publish failed")
	// ErrNotification marks a failed notification. It is logged, never surfaced.
	ErrNotification = errors.New("notification failed")
	// ErrInvalidStateTransition is returned when an operation is illegal in the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrRequestNotFound is returned when no request exists for an id.
	ErrRequestNotFound = errors.New("generation request not found")
	// ErrSampleNotFound is returned when a selected sample does not belong to the request.
	ErrSampleNotFound = errors.New("sample not found")
	// ErrStaleCallback marks a callback that no longer applies to the request.
	ErrStaleCallback = errors.New("stale callback")
	// ErrForbidden is returned when a caller acts on a request they do not own.
	ErrForbidden = errors.New("request belongs to another user")
	// ErrIdempotencyConflict is returned when an idempotency key is reused with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrDuplicateRequest is returned by stores when an idempotency key already exists.
	ErrDuplicateRequest = errors.New("duplicate generation request")
)
