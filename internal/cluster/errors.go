package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks every failure to complete a delivery: dial errors,
	// broken connections, timeouts and handshake failures alike.
	ErrTransport = errors.New("transport failure")

	// ErrIdentityMismatch means the peer answered the handshake with an id
	// other than the one the message was addressed to.
	ErrIdentityMismatch = errors.New("peer identity mismatch")

	errMessageTooLarge = errors.New("message exceeds size limit")
)

// TransportError records which step of a delivery failed. It matches
// ErrTransport under errors.Is as well as the underlying cause.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
