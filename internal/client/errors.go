package client

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyInput        = errors.New("empty message")
	ErrNoActiveSession   = errors.New("no active session: start a conversation first")
	ErrConcurrentRequest = errors.New("a request is already awaiting a response")
	ErrCaseNotFound      = errors.New("medical case not found")
	// ErrSessionSuperseded is returned by SendMessage when a new conversation
	// was started while the request was in flight.  The response is dropped.
	ErrSessionSuperseded = errors.New("session superseded while awaiting response")
)

// NetworkFailure reports a request that was rejected, failed in transport or
// came back with a non-2xx status.  Reason is the patient-facing text.
type NetworkFailure struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *NetworkFailure) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	default:
		return e.Op + ": request failed"
	}
}

func (e *NetworkFailure) Unwrap() error { return e.Err }
