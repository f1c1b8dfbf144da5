package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// State is the connection state of a Transport.
type State int

const (
	StateClosed State = iota
	StateOpen
	// StateError is entered when I/O fails on an open port. The port is
	// already closed; Open may be called again.
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event describes one connection-state transition.
type Event struct {
	State State
	Port  string
	Err   error // Set for StateError
}

// Port is the byte stream underneath a Transport. Close must unblock a
// pending Read.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the named port at baud, 8 data bits, no parity, 1 stop bit.
type Opener func(name string, baud int) (Port, error)

// Options configures a Transport.
type Options struct {
	// Delimiter separates lines in the inbound stream. Default "\r\n".
	Delimiter string
	// OnLine is called from the read goroutine once per received line,
	// in arrival order, without the delimiter.
	OnLine func(line string)
	// OnState is called once per connection-state transition.
	OnState func(Event)
}

const (
	// DefaultDelimiter matches the line terminator the interpreter emits.
	DefaultDelimiter = "\r\n"

	maxLineLength = 64 * 1024
	closeWait     = 2 * time.Second
)

// Transport owns one serial connection and turns its inbound byte stream
// into discrete text lines.
type Transport struct {
	open    Opener
	delim   []byte
	onLine  func(string)
	onState func(Event)

	wmu sync.Mutex // Serializes port writes

	mu      sync.Mutex
	port    Port
	name    string
	baud    int
	state   State
	closing bool
	done    chan struct{}
}

// New creates a Transport that opens ports with open.
func New(open Opener, opts Options) *Transport {
	if opts.Delimiter == "" {
		opts.Delimiter = DefaultDelimiter
	}
	return &Transport{
		open:    open,
		delim:   []byte(opts.Delimiter),
		onLine:  opts.OnLine,
		onState: opts.OnState,
	}
}

// Open opens the named port and starts delivering lines.
func (t *Transport) Open(name string, baud int) error {
	t.mu.Lock()
	if t.state == StateOpen {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	port, err := t.open(name, baud)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	t.port = port
	t.name = name
	t.baud = baud
	t.state = StateOpen
	t.closing = false
	t.done = done
	t.mu.Unlock()

	log.Printf("[transport] opened %s at %d baud", name, baud)
	t.emit(Event{State: StateOpen, Port: name})

	go t.readLoop(port, done)
	return nil
}

// Close closes the port and waits for the read goroutine to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return ErrNotConnected
	}
	port, done, name := t.port, t.done, t.name
	t.port = nil
	t.state = StateClosed
	t.closing = true
	t.mu.Unlock()

	err := port.Close()
	select {
	case <-done:
	case <-time.After(closeWait):
		log.Printf("[transport] %s: reader did not exit within %v", name, closeWait)
	}

	log.Printf("[transport] closed %s", name)
	t.emit(Event{State: StateClosed, Port: name})
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrTransport, name, err)
	}
	return nil
}

// Write writes p to the open port. A failed write closes the connection.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	port, name, open := t.port, t.name, t.state == StateOpen
	t.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	t.wmu.Lock()
	_, err := port.Write(p)
	t.wmu.Unlock()
	if err != nil {
		t.fail(port, err)
		return fmt.Errorf("%w: write %s: %v", ErrTransport, name, err)
	}
	return nil
}

// IsOpen reports whether a port is open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateOpen
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PortName returns the name of the open port, or the last one opened.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Baud returns the speed the current port was opened at.
func (t *Transport) Baud() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baud
}

func (t *Transport) readLoop(port Port, done chan struct{}) {
	defer close(done)

	sc := bufio.NewScanner(port)
	sc.Buffer(make([]byte, 0, 1024), maxLineLength)
	sc.Split(capLines(ScanDelimited(t.delim), maxLineLength, len(t.delim)-1))
	for sc.Scan() {
		if t.onLine != nil {
			t.onLine(sc.Text())
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	t.fail(port, err)
}

// fail moves an open connection on port to StateError. It is a no-op if the
// port was already closed or replaced.
func (t *Transport) fail(port Port, cause error) {
	t.mu.Lock()
	if t.closing || t.port != port || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	name := t.name
	t.port = nil
	t.state = StateError
	t.closing = true
	t.mu.Unlock()

	port.Close()
	log.Printf("[transport] %s: connection lost: %v", name, cause)
	t.emit(Event{State: StateError, Port: name, Err: fmt.Errorf("%w: %v", ErrTransport, cause)})
}

func (t *Transport) emit(ev Event) {
	if t.onState != nil {
		t.onState(ev)
	}
}

// capLines wraps split so that an unterminated run of max bytes is
// delivered as a line instead of failing the scanner. hold bytes are kept
// back in case they begin a delimiter.
func capLines(split bufio.SplitFunc, max, hold int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := split(data, atEOF)
		if advance == 0 && token == nil && err == nil && len(data) >= max {
			n := max - hold
			return n, data[:n], nil
		}
		return advance, token, err
	}
}

// ScanDelimited returns a bufio.SplitFunc that yields the text between
// occurrences of delim. A trailing partial line is returned at EOF.
func ScanDelimited(delim []byte) bufio.SplitFunc {
	if len(delim) == 0 {
		return bufio.ScanLines
	}
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, delim); i >= 0 {
			return i + len(delim), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
