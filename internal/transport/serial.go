package transport

import (
	"errors"
	"fmt"
	"log"
	"os"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialOpener opens a serial port with go.bug.st/serial.
func SerialOpener(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, classifyOpenError(name, err)
	}
	return port, nil
}

func classifyOpenError(name string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound, serial.PortBusy:
			return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
}

// PortInfo describes a serial port present on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Description returns a short human label, e.g. for a port picker.
func (p PortInfo) Description() string {
	switch {
	case p.Product != "":
		return p.Product
	case p.IsUSB:
		return fmt.Sprintf("USB %s:%s", p.VID, p.PID)
	default:
		return ""
	}
}

// ListPorts enumerates serial ports. USB details are filled in where the
// platform exposes them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return ports, nil
	}

	log.Printf("[transport] detailed port list failed: %v (falling back)", err)
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}
