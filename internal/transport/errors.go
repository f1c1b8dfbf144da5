package transport

import "errors"

var (
	// ErrNotConnected is returned by Write and Close when no port is open.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Open while a port is already open.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrPortUnavailable means the named port does not exist or is claimed
	// by another process.
	ErrPortUnavailable = errors.New("port unavailable")

	// ErrOpenFailed covers every other connect-time failure.
	ErrOpenFailed = errors.New("open failed")

	// ErrTransport marks an I/O failure on an open port. The connection is
	// closed when it happens.
	ErrTransport = errors.New("transport error")
)
