package syncer

import (
	"context"
	"errors"
	"net"
)

// Network error kinds surfaced to callers (stable for errors.Is).
var (
	ErrNetworkUnavailable = errors.New("network_unavailable")
	ErrNetworkTimeout     = errors.New("network_timeout")
	ErrNetworkRejected    = errors.New("network_rejected")
)

// NetworkError tags a collaborator failure with one of the network kinds.
type NetworkError struct {
	Op   string
	Kind error
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify maps a collaborator error onto the network taxonomy.
// Errors that already carry a kind keep it; deadlines become timeouts;
// anything else is treated as unavailability.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNetworkUnavailable, ErrNetworkTimeout, ErrNetworkRejected} {
		if errors.Is(err, kind) {
			return err
		}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &NetworkError{Op: op, Kind: ErrNetworkTimeout, Err: err}
	}
	return &NetworkError{Op: op, Kind: ErrNetworkUnavailable, Err: err}
}

// transient reports whether a later attempt may succeed without user action.
func transient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrNetworkTimeout)
}

func isNetwork(err error) bool {
	return transient(err) || errors.Is(err, ErrNetworkRejected)
}

// kindLabel is the metrics label of a classified network error.
func kindLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNetworkTimeout):
		return "timeout"
	case errors.Is(err, ErrNetworkRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
