// Package channel sends commands to an MMBasic device and collects the
// text it prints back.
package channel

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/listener"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
)

const (
	// DefaultBaud is the console speed of MMBasic boards out of the box.
	DefaultBaud = 38400
	// DefaultLineEnding is the line-ending template used when none is set.
	DefaultLineEnding = `\r\n`
	// DefaultSettleDelay is the pause after NEW before program lines follow.
	DefaultSettleDelay = 100 * time.Millisecond
	// DefaultLineDelay is the pause after each uploaded program line.
	DefaultLineDelay = 50 * time.Millisecond
)

// Options configures a Channel. Zero values select the defaults.
type Options struct {
	// Delimiter splits inbound bytes into lines.
	Delimiter string
	// LineEnding is an escape template such as `\r\n` appended to every
	// command.
	LineEnding string
	// SettleDelay is the pause after NEW before program lines are sent.
	SettleDelay time.Duration
	// LineDelay is the pause after each program line.
	LineDelay time.Duration
	// Sink receives the transcript. Defaults to LogSink.
	Sink Sink
}

// Channel is the single connection to a device. Commands without a
// response may be sent at any time; requests that collect a response and
// program uploads take the channel lease, so only one is in flight.
type Channel struct {
	open     transport.Opener
	tr       *transport.Transport
	registry *listener.Registry
	lease    chan struct{}

	settle    time.Duration
	lineDelay time.Duration

	mu       sync.Mutex
	ending   string
	template string
	sinks    []Sink
	watchers []func(transport.Event)
}

// New creates a disconnected channel that opens ports with open.
func New(open transport.Opener, opts Options) *Channel {
	if opts.LineEnding == "" {
		opts.LineEnding = DefaultLineEnding
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.LineDelay == 0 {
		opts.LineDelay = DefaultLineDelay
	}
	if opts.Sink == nil {
		opts.Sink = LogSink{}
	}

	c := &Channel{
		open:      open,
		registry:  listener.New(),
		lease:     make(chan struct{}, 1),
		settle:    opts.SettleDelay,
		lineDelay: opts.LineDelay,
		template:  opts.LineEnding,
		ending:    ParseLineEnding(opts.LineEnding),
		sinks:     []Sink{opts.Sink},
	}
	c.tr = transport.New(open, transport.Options{
		Delimiter: opts.Delimiter,
		OnLine:    c.registry.Dispatch,
		OnState:   c.handleState,
	})

	// The transcript mirror stays registered for the channel's lifetime.
	c.registry.Add(func(line string) {
		c.record(Received, line)
	})
	return c
}

// ParseLineEnding resolves the escapes \r, \n and \t in template.
func ParseLineEnding(template string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t").Replace(template)
}

// AddSink attaches another transcript sink.
func (c *Channel) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// OnStateChange registers fn to be called on every connection transition.
func (c *Channel) OnStateChange(fn func(transport.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// SetLineEnding replaces the line-ending template used for later commands.
func (c *Channel) SetLineEnding(template string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.template = template
	c.ending = ParseLineEnding(template)
}

// LineEnding returns the current template, unresolved.
func (c *Channel) LineEnding() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.template
}

// Connect opens port at baud. A zero baud selects DefaultBaud.
func (c *Channel) Connect(port string, baud int) error {
	if baud <= 0 {
		baud = DefaultBaud
	}
	c.record(Info, fmt.Sprintf("Connecting to %s at %d baud...", port, baud))
	if err := c.tr.Open(port, baud); err != nil {
		c.record(Info, fmt.Sprintf("Connection failed: %v", err))
		return err
	}
	return nil
}

// Disconnect closes the connection. It returns ErrNotConnected when there is
// nothing to close.
func (c *Channel) Disconnect() error {
	return c.tr.Close()
}

func (c *Channel) IsConnected() bool { return c.tr.IsOpen() }

// Port returns the name of the open port, or "" when disconnected.
func (c *Channel) Port() string {
	if !c.tr.IsOpen() {
		return ""
	}
	return c.tr.PortName()
}

// Baud returns the speed of the last successful open.
func (c *Channel) Baud() int { return c.tr.Baud() }

// State returns the transport state.
func (c *Channel) State() transport.State { return c.tr.State() }

// Subscribe registers fn for every inbound line until Unsubscribe.
func (c *Channel) Subscribe(fn listener.Func) listener.ID {
	return c.registry.Add(fn)
}

// Unsubscribe removes a listener. Unknown IDs are ignored.
func (c *Channel) Unsubscribe(id listener.ID) {
	c.registry.Remove(id)
}

// Listeners returns the number of registered line listeners, including the
// transcript mirror.
func (c *Channel) Listeners() int { return c.registry.Len() }

// SendCommand writes text followed by the line ending.
func (c *Channel) SendCommand(text string) error {
	if !c.tr.IsOpen() {
		return ErrNotConnected
	}
	c.mu.Lock()
	ending := c.ending
	c.mu.Unlock()

	c.record(Sent, text)
	return c.tr.Write([]byte(text + ending))
}

// SendBytes writes p exactly, with no line ending.
func (c *Channel) SendBytes(p []byte) error {
	if !c.tr.IsOpen() {
		return ErrNotConnected
	}
	c.record(Sent, describeBytes(p))
	return c.tr.Write(p)
}

// RunProgram starts the program in device memory.
func (c *Channel) RunProgram() error {
	return c.SendCommand("RUN")
}

// StopProgram interrupts a running program with Ctrl-C.
func (c *Channel) StopProgram() error {
	return c.SendBytes([]byte{0x03})
}

// ListFiles asks the device for a directory listing. The listing is only
// shown in the transcript; see the files package to parse it.
func (c *Channel) ListFiles() error {
	return c.SendCommand("FILES")
}

// SendProgram replaces the program in device memory with source. It waits
// for any in-flight request to finish first.
func (c *Channel) SendProgram(ctx context.Context, source string) error {
	if !c.tr.IsOpen() {
		return ErrNotConnected
	}
	l, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()
	return l.SendProgram(ctx, source)
}

// Info writes a status note to the transcript.
func (c *Channel) Info(format string, args ...any) {
	c.record(Info, fmt.Sprintf(format, args...))
}

func (c *Channel) record(dir Direction, text string) {
	c.mu.Lock()
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	e := Entry{Time: time.Now(), Dir: dir, Text: text}
	for _, s := range sinks {
		s.Record(e)
	}
}

func (c *Channel) handleState(ev transport.Event) {
	switch ev.State {
	case transport.StateOpen:
		c.record(StateChange, "connected to "+ev.Port)
	case transport.StateClosed:
		c.record(StateChange, "disconnected")
	case transport.StateError:
		c.record(StateChange, fmt.Sprintf("error: %v", ev.Err))
		log.Printf("[channel] connection to %s lost: %v", ev.Port, ev.Err)
	}

	c.mu.Lock()
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(ev)
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
