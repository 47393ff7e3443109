package mcp

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches every [*UnavailableError] via [errors.Is].
var ErrUnavailable = errors.New("tool server unavailable")

// ErrAlreadyConnected is returned by a second Connect on the same handle.
var ErrAlreadyConnected = errors.New("tool server handle already used")

// UnavailableError reports that a tool server could not be reached: the
// subprocess failed to launch, the handshake timed out, the process died
// or a call hung past its deadline.
type UnavailableError struct {
	Server string
	Op     string // connect, call, list, ping
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tool server %s unavailable (%s): %v", e.Server, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrUnavailable].
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
