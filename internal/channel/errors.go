package channel

import (
	"errors"

	"github.com/DNSGeek/mmbasic-link/internal/transport"
)

// Connection errors, shared with the transport layer so callers only need
// this package.
var (
	ErrNotConnected     = transport.ErrNotConnected
	ErrAlreadyConnected = transport.ErrAlreadyConnected
	ErrPortUnavailable  = transport.ErrPortUnavailable
	ErrOpenFailed       = transport.ErrOpenFailed
	ErrTransport        = transport.ErrTransport
)

var (
	// ErrResponseTimeout means a collector saw no usable response before its
	// timeout elapsed.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrEmptyResponse means the device answered but the answer carried no
	// content.
	ErrEmptyResponse = errors.New("empty response")
)
