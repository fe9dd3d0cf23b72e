package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrRejected is returned when the backend answers with result=false
var ErrRejected = errors.New("request rejected by backend")

// Error is a network, timeout or non-2xx failure talking to the backend
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// RejectedError carries the backend's message for a result=false answer
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrRejected)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrRejected, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}
