package driver

import (
	"context"
	"io"
)

// A Connector represents a backend in a fixed configuration and can
// create any number of equivalent connections for use by multiple
// goroutines.
//
// The returned connection is only used by one goroutine at a time.
type Connector interface {
	// Connect returns a new connection to the backend. The provided
	// context is for dialing purposes only and should not be stored;
	// the pool may call Connect asynchronously to any acquire.
	Connect(ctx context.Context) (io.Closer, error)
	// IsErrBadConn reports whether err means the connection is in a bad
	// state (such as the server having closed it) and must be discarded
	// rather than returned to the free list.
	//
	// To prevent duplicate operations, IsErrBadConn should not match
	// errors for which the server might have performed the operation.
	IsErrBadConn(err error) bool
}

// Validator may be implemented by a connection to let the pool's health
// loop probe it. A free connection reporting false is discarded and
// replaced.
type Validator interface {
	// IsValid is called on free connections only, never on leased ones.
	IsValid(ctx context.Context) bool
}
