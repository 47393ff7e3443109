package transcript

import (
	"errors"
	"fmt"
)

// ErrHistoryFetch matches every [*FetchError] via [errors.Is].
var ErrHistoryFetch = errors.New("history fetch failed")

// FetchError reports that part of the conversation could not be read
// from the platform.
type FetchError struct {
	// Op is "reference" or "history".
	Op        string
	ChannelID string
	MessageID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for message %s in channel %s: %v", e.Op, e.MessageID, e.ChannelID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrHistoryFetch].
func (e *FetchError) Is(target error) bool { return target == ErrHistoryFetch }
