package statebridge

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("statebridge: closed")
	ErrAlreadyAttached = errors.New("statebridge: buffer already attached")
	ErrNoTransport     = errors.New("statebridge: no transport")
	ErrNoReducer       = errors.New("statebridge: no reducer")
)

// RemoteError is a dispatch the authority rejected; Message is the
// authority-side error text.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("statebridge: authority rejected %s: %s", e.Action, e.Message)
}
