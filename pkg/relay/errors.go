package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailed is a transport error before any response was observed.
	ErrConnectFailed = errors.New("upstream connect failed")
	// ErrNonSuccessStatus is a non-2xx upstream response.
	ErrNonSuccessStatus = errors.New("upstream returned non-success status")
	// ErrMidStreamFailure is an error frame, a dropped connection or an
	// unreadable body after the upstream accepted the request.
	ErrMidStreamFailure = errors.New("upstream failed mid-stream")
	// ErrCancelled means the caller went away before a terminal state.
	ErrCancelled = errors.New("turn cancelled")
)

// Error is an upstream failure. Kind is one of ErrConnectFailed,
// ErrNonSuccessStatus or ErrMidStreamFailure.
type Error struct {
	Kind    error
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsUpstream reports whether err is an upstream failure.
func IsUpstream(err error) bool {
	var re *Error
	return errors.As(err, &re)
}
