package agent

import (
	"errors"
	"fmt"
)

// ErrModelInvocation matches every [*ModelError] via [errors.Is].
var ErrModelInvocation = errors.New("model invocation failed")

// ModelError reports that the language model backend itself failed. It
// is the only failure that escapes an agent's turn loop.
type ModelError struct {
	Agent string
	Turn  int
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("agent %s: model call failed on turn %d: %v", e.Agent, e.Turn, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrModelInvocation].
func (e *ModelError) Is(target error) bool { return target == ErrModelInvocation }
