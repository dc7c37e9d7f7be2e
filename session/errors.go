package session

import "errors"

var (
	// ErrSessionBusy rejects an Execute call that arrives while another
	// execution is in flight. The in-flight execution is unaffected.
	ErrSessionBusy = errors.New("session is busy")

	// ErrSessionClosed rejects operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrStaleInputResponse marks an input response whose input_id does
	// not match the pending request. The response is dropped and the
	// executor stays suspended.
	ErrStaleInputResponse = errors.New("stale input response")

	// ErrExecutionDone is returned by an Execution handle once the
	// terminal message has been consumed.
	ErrExecutionDone = errors.New("execution has terminated")
)
