package proxy

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is reported when a session finishes connecting after
// the registry began closing.
var ErrShuttingDown = errors.New("proxy: shutting down")

// TransportFault is a read, write or transform failure in one direction.
// It is terminal for the session.
type TransportFault struct {
	Direction Direction
	Op        string // "read", "write" or "transform"
	Offset    int64  // stream offset of the frame involved
	Err       error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("%s %s at offset %d: %v", e.Direction, e.Op, e.Offset, e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

// ConnectFault is an upstream connect failure. It is terminal for the
// session while it is still connecting.
type ConnectFault struct {
	Target string
	// Reason is the metrics label for the failure.
	Reason string
	Err    error
}

func (e *ConnectFault) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectFault) Unwrap() error { return e.Err }
