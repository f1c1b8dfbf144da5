package transport

import (
	"errors"
	"fmt"
	"os"

	"github.com/tarm/serial"
)

// TarmOpener opens a serial port with github.com/tarm/serial. It is an
// alternative driver for hosts where go.bug.st/serial misbehaves.
func TarmOpener(name string, baud int) (Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:     name,
		Baud:     baud,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
	}
	return port, nil
}

// OpenerFor maps a driver name from config to an Opener.
// "demo" is handled by the caller since it needs a device instance.
func OpenerFor(driver string) (Opener, error) {
	switch driver {
	case "", "bugst", "native":
		return SerialOpener, nil
	case "tarm":
		return TarmOpener, nil
	default:
		return nil, fmt.Errorf("unknown serial driver %q", driver)
	}
}
