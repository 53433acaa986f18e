package store

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")

	// ErrTransactionFailed marks a local persistence failure. The transaction
	// was rolled back in full and the operation is safe to retry.
	ErrTransactionFailed = errors.New("storage_transaction_failed")

	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("read_only_transaction")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// It unwraps to both Kind and the underlying engine error.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// txFailed wraps an engine error unless it already carries a kind callers act on.
func txFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	return OpError{Op: op, Kind: ErrTransactionFailed, Err: err}
}

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Err: errors.New(msg)}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransactionFailed reports whether err represents ErrTransactionFailed.
func IsTransactionFailed(err error) bool { return errors.Is(err, ErrTransactionFailed) }
