package ssh

import "fmt"

// TransportError wraps a transport failure with enough classification for
// the caller to decide whether a retry can help.
type TransportError struct {
	// Op is the operation that failed (connect, run, read-file, ...).
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks failures worth retrying, such as network errors.
	IsTemporary bool

	// IsAuthError marks authentication failures, which never recover
	// without operator action.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }
