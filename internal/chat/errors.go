package chat

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers classify failures with errors.Is against these.
var (
	// ErrChannelNotReady is returned by Send when the realtime channel is not
	// joined. Sends fail fast instead of queuing across reconnects.
	ErrChannelNotReady = errors.New("channel not ready")

	// ErrAuthFailed marks authentication failures. The UI layer should
	// redirect to re-authentication rather than show a generic error.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotFound marks a missing resource (e.g. no group for a client yet).
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks rejected caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed marks operations against a closed channel or session.
	ErrClosed = errors.New("closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for
// callers and tests. Kind must be one of the sentinel kinds when applicable.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// SendError reports a failed optimistic send. Body carries the original text
// so the user can re-attempt without retyping.
type SendError struct {
	Body   string
	Code   string
	Reason string
}

func (e SendError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("send failed: %s", e.Code)
	}
	return fmt.Sprintf("send failed: %s: %s", e.Code, e.Reason)
}

// IsAuthFailed reports whether err represents ErrAuthFailed.
func IsAuthFailed(err error) bool { return errors.Is(err, ErrAuthFailed) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsChannelNotReady reports whether err represents ErrChannelNotReady.
func IsChannelNotReady(err error) bool { return errors.Is(err, ErrChannelNotReady) }
