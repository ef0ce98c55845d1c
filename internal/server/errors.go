package server

import "fmt"

// AuthenticationError reports a rejected authentication attempt. The
// client may retry with a different username; the connection stays open.
type AuthenticationError struct {
	Username string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %q: %s", e.Username, e.Reason)
}

// ConnectionError reports a socket-level failure. It is fatal to the
// session and triggers teardown.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
