package types

import "errors"

// ValidationError rejects a malformed ROI or parameter set before it can
// reach the worker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// ErrWouldBlock reports that a result could not be handed downstream within
// the send timeout. The result was not sent.
var ErrWouldBlock = errors.New("send would block")
