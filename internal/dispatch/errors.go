// internal/dispatch/errors.go
package dispatch

import "errors"

// Caller-visible failure kinds of Issue. Classify with errors.Is.
var (
	// ErrNotConnected: the target is unknown to the hub. No traffic was generated.
	ErrNotConnected = errors.New("dispatch: target not connected")

	// ErrTransport: the link refused the write. Always escalated to recovery.
	ErrTransport = errors.New("dispatch: transport error")

	// ErrTimeout: no reply arrived within the caller's deadline.
	ErrTimeout = errors.New("dispatch: timeout")

	// ErrCancelled: the request was in flight when a reset cycle cancelled it,
	// or the caller's context ended.
	ErrCancelled = errors.New("dispatch: cancelled")
)
