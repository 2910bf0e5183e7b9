package taskstore

import "errors"

var (
	// ErrNotFound is returned when a task or decision id does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when another worker won the claim
	// race. It is not a failure; the caller should try another task.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrLeaseLost is returned when a renew or release carries a lease_id
	// that no longer matches the stored one. The caller's work may have
	// been reassigned and must be abandoned, not committed.
	ErrLeaseLost = errors.New("lease lost")

	// ErrTerminal is returned when an operation targets a task in a
	// terminal state (completed or cancelled).
	ErrTerminal = errors.New("task is in a terminal state")
)
