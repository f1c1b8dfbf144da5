package files

import "errors"

var (
	// ErrDevice means the device printed an error line in reply.
	ErrDevice = errors.New("device error")

	// ErrInvalidName is returned for empty names or names containing a
	// double quote, which cannot be passed in a quoted argument.
	ErrInvalidName = errors.New("invalid file name")
)
