package lots

import "errors"

var (
	// ErrInsufficientStock signals that sellable stock cannot cover the
	// requested quantity. Nothing is mutated when it is returned.
	ErrInsufficientStock = errors.New("lots: insufficient stock")
	// ErrLotNotFound indicates a missing lot.
	ErrLotNotFound = errors.New("lots: lot not found")
	// ErrInvalidState indicates an operation against a lot whose status
	// does not permit it, e.g. unlocking a non-LOCKED lot.
	ErrInvalidState = errors.New("lots: invalid lot state")
	// ErrHasConsumptions blocks purchase and transfer cancellation when a
	// produced lot has already been consumed.
	ErrHasConsumptions = errors.New("lots: lot has consumptions")
	// ErrInvalidTransfer indicates origin and destination are the same.
	ErrInvalidTransfer = errors.New("lots: invalid transfer")
	// ErrValidation indicates a non-positive quantity, cost or rate.
	ErrValidation = errors.New("lots: validation failed")
	// ErrDuplicateLotCode maps a unique violation on the lot code. With
	// deterministic codes this is what a retried creation hits instead of
	// duplicating stock.
	ErrDuplicateLotCode = errors.New("lots: duplicate lot code")
	// ErrConcurrencyConflict maps lock-wait timeouts and deadlocks. It is
	// the only error kind a caller should retry transparently.
	ErrConcurrencyConflict = errors.New("lots: concurrency conflict")
)
