package outbox

import "errors"

// Sentinel error kinds (stable for errors.Is).
var (
	// ErrDuplicateReferenceID is a caller bug: the reference id is already
	// tracked by a live send. It is never retried.
	ErrDuplicateReferenceID = errors.New("duplicate_reference_id")

	// ErrReconciliationMismatch marks a confirmation whose assigned id is
	// already held by a different message. The stored message wins.
	ErrReconciliationMismatch = errors.New("reconciliation_mismatch")

	// ErrNotFailed is returned when retry or discard targets a send that has
	// not failed.
	ErrNotFailed = errors.New("send_not_failed")
)
