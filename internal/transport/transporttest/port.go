// Package transporttest provides an in-memory transport.Port for tests.
package transporttest

import (
	"bytes"
	"io"
	"sync"

	"github.com/DNSGeek/mmbasic-link/internal/transport"
)

// Port is a scripted serial port. Bytes written by the code under test are
// recorded; inbound lines are queued with Feed or produced by a Responder.
type Port struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  bytes.Buffer
	written  bytes.Buffer
	writes   [][]byte
	closed   bool
	readErr  error
	writeErr error
	opens    int

	// Responder, if set, is called for every write and its lines are
	// queued as device output.
	Responder func(written []byte) []string
}

// NewPort returns an empty port.
func NewPort() *Port {
	p := &Port{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Opener returns an Opener that always yields this port, reset to open.
func (p *Port) Opener() transport.Opener {
	return func(name string, baud int) (transport.Port, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = false
		p.readErr = nil
		p.writeErr = nil
		p.opens++
		return p, nil
	}
}

// Feed queues lines, each terminated with CR LF.
func (p *Port) Feed(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.pending.WriteString(l)
		p.pending.WriteString("\r\n")
	}
	p.cond.Broadcast()
}

// FeedRaw queues bytes exactly as given.
func (p *Port) FeedRaw(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.WriteString(s)
	p.cond.Broadcast()
}

// FailReads makes the next Read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// FailWrites makes every Write return err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns every byte written so far.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// Writes returns each Write call's payload.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	for i, w := range p.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// ResetWritten forgets recorded writes.
func (p *Port) ResetWritten() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Reset()
	p.writes = nil
}

// Closed reports whether Close has been called since the last open.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Opens returns how many times the port has been opened.
func (p *Port) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending.Len() == 0 && !p.closed && p.readErr == nil {
		p.cond.Wait()
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.pending.Len() == 0 {
		return 0, io.EOF
	}
	return p.pending.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.written.Write(b)
	p.writes = append(p.writes, append([]byte(nil), b...))
	respond := p.Responder
	p.mu.Unlock()

	if respond != nil {
		if lines := respond(b); len(lines) > 0 {
			p.Feed(lines...)
		}
	}
	return len(b), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
