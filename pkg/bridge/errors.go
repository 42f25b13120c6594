package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by Call before a successful Connect or after
// Close.
var ErrNotConnected = errors.New("bridge: not connected")

// ErrAlreadyConnected is returned when Connect is invoked on a bridge that
// already owns a live session. That is a programming error; the bridge never
// silently replaces a session.
var ErrAlreadyConnected = errors.New("bridge: already connected")

// ConnectionError reports a failed Connect attempt. The attempt is terminal:
// no partial session is left reachable.
type ConnectionError struct {
	Script string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bridge: connecting to %s: %v", e.Script, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a marshaled call that exceeded the bridge deadline.
// The pending operation was canceled best-effort; any late result is
// discarded. The caller decides whether to retry.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: call timed out after %s", e.Timeout)
}
