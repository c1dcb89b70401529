// Package errs defines the small error taxonomy shared across the
// collector: transient (retry), protocol (drop the sample), and fatal
// (exit the process). Every wrapped error should be testable against one
// of these sentinels with errors.Is.
package errs

import "errors"

var (
	// ErrTransient marks a network failure that is safe to retry: dial
	// timeouts, connection resets, 5xx responses.
	ErrTransient = errors.New("transient error")

	// ErrProtocol marks a malformed or unexpected upstream payload. The
	// triggering sample is dropped and a warning logged; counters are
	// left untouched.
	ErrProtocol = errors.New("protocol error")

	// ErrFatal marks a condition the process cannot recover from on its
	// own: an unwritable state directory, an unreachable TSDB at
	// startup, reconnect exhaustion. Callers at the top level exit.
	ErrFatal = errors.New("fatal error")
)
