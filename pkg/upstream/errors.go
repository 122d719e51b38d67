package upstream

import (
	"errors"
	"fmt"
)

// ErrUnreachable is returned when the origin cannot be dialed, the request
// cannot be sent, or the connection breaks before any byte of the response
// arrives. The caller should answer 404.
//
// An origin that closes or goes idle without sending anything is not an
// error: the exchange completes with an empty response.
var ErrUnreachable = errors.New("origin unreachable")

// Error describes a failed exchange with an origin.
type Error struct {
	// Op is the step that failed: "dial", "write", "read" or "relay"
	Op string
	// Addr is the origin address as host:port
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsOriginFailure reports whether err means the origin could not be
// reached, as opposed to the exchange being abandoned by the caller.
func IsOriginFailure(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

func unreachable(op, addr string, cause error) *Error {
	return &Error{Op: op, Addr: addr, Err: fmt.Errorf("%w: %w", ErrUnreachable, cause)}
}
