// Package debug runs programs under TRON line tracing and inspects
// variables on the device.
//
// MMBasic has no single-step primitive. Step and Continue both send a space,
// which resumes a program paused for input; breakpoints are recorded but
// never enforced.
package debug

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/listener"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
)

// State is whether a debugging session is running.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Timing holds the session's pacing. Zero fields take DefaultTiming's value.
type Timing struct {
	TraceDelay  time.Duration // after TRON
	RunDelay    time.Duration // after the upload, before RUN
	StopDelay   time.Duration // after Ctrl-C, before TROFF
	EvalTimeout time.Duration
}

// DefaultTiming returns the pacing used when a Timing field is zero.
func DefaultTiming() Timing {
	return Timing{
		TraceDelay:  100 * time.Millisecond,
		RunDelay:    500 * time.Millisecond,
		StopDelay:   100 * time.Millisecond,
		EvalTimeout: time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.TraceDelay <= 0 {
		t.TraceDelay = d.TraceDelay
	}
	if t.RunDelay <= 0 {
		t.RunDelay = d.RunDelay
	}
	if t.StopDelay <= 0 {
		t.StopDelay = d.StopDelay
	}
	if t.EvalTimeout <= 0 {
		t.EvalTimeout = d.EvalTimeout
	}
	return t
}

// Variable is one entry of the inspected-variable snapshot.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// traceMarker matches the "[n]" line numbers TRON prints.
var traceMarker = regexp.MustCompile(`\[(\d+)\]`)

// Session is a debugging session on one channel.
type Session struct {
	ch     *channel.Channel
	timing Timing

	// Breakpoints are advisory; see the package documentation.
	Breakpoints *Breakpoints

	mu      sync.Mutex
	state   State
	current int
	vars    map[string]string
	traceID listener.ID
	tracing bool
	// abort cancels a Start that is still uploading.
	abort context.CancelFunc
}

// NewSession returns an idle session on ch. The session ends itself when
// the connection drops.
func NewSession(ch *channel.Channel, t Timing) *Session {
	s := &Session{
		ch:          ch,
		timing:      t.withDefaults(),
		Breakpoints: NewBreakpoints(),
		vars:        make(map[string]string),
	}
	ch.OnStateChange(func(ev transport.Event) {
		if ev.State != transport.StateOpen && s.IsActive() {
			log.Printf("[debug] connection %s, ending session", ev.State)
			s.end()
		}
	})
	return s
}

// Start uploads source with line tracing on and runs it. A session that is
// already active is restarted.
func (s *Session) Start(ctx context.Context, source string) error {
	if !s.ch.IsConnected() {
		return channel.ErrNotConnected
	}
	l, err := s.ch.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.tracing {
		s.ch.Unsubscribe(s.traceID)
	}
	s.state = Active
	s.current = 0
	s.traceID = s.ch.Subscribe(s.onTrace)
	s.tracing = true
	s.abort = cancel
	s.mu.Unlock()

	s.ch.Info("=== Debugging started ===")
	err = s.launch(runCtx, l, source)

	s.mu.Lock()
	s.abort = nil
	stopped := runCtx.Err() != nil && ctx.Err() == nil
	s.mu.Unlock()

	switch {
	case stopped:
		s.end()
		return fmt.Errorf("start debugging: %w", ErrStopped)
	case err != nil:
		s.end()
		return fmt.Errorf("start debugging: %w", err)
	}
	log.Printf("[debug] session started")
	return nil
}

func (s *Session) launch(ctx context.Context, l *channel.Lease, source string) error {
	if err := s.ch.SendCommand("TRON"); err != nil {
		return err
	}
	if err := channel.Sleep(ctx, s.timing.TraceDelay); err != nil {
		return err
	}
	if err := l.SendProgram(ctx, source); err != nil {
		return err
	}
	if err := channel.Sleep(ctx, s.timing.RunDelay); err != nil {
		return err
	}
	return s.ch.RunProgram()
}

// Stop interrupts the program and turns tracing off. It is a no-op when no
// session is active.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return nil
	}
	abort := s.abort
	s.mu.Unlock()

	// Cancel a Start that is still uploading and wait for its lease.
	if abort != nil {
		abort()
	}
	l, err := s.ch.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()
	s.end()

	if err := s.ch.StopProgram(); err != nil {
		return fmt.Errorf("stop debugging: %w", err)
	}
	if err := channel.Sleep(ctx, s.timing.StopDelay); err != nil {
		return err
	}
	if err := s.ch.SendCommand("TROFF"); err != nil {
		return fmt.Errorf("stop debugging: %w", err)
	}
	s.ch.Info("=== Debugging stopped ===")
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracing {
		s.ch.Unsubscribe(s.traceID)
		s.tracing = false
	}
	s.state = Idle
	s.current = 0
	s.vars = make(map[string]string)
}

// Step sends a space to the device. It is the same write as Continue.
func (s *Session) Step() error {
	if err := s.resume(); err != nil {
		return err
	}
	s.ch.Info("Step executed")
	return nil
}

// Continue sends a space to the device. It is the same write as Step.
func (s *Session) Continue() error {
	if err := s.resume(); err != nil {
		return err
	}
	s.ch.Info("Continuing execution...")
	return nil
}

func (s *Session) resume() error {
	if !s.IsActive() {
		return ErrNotDebugging
	}
	return s.ch.SendBytes([]byte{' '})
}

// Inspect prints a variable and records its value in the snapshot.
func (s *Session) Inspect(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	v, err := channel.Request(ctx, s.ch, "PRINT "+name, &ValueParser{}, s.timing.EvalTimeout)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	s.mu.Lock()
	s.vars[name] = v
	s.mu.Unlock()
	s.ch.Info("%s = %s", name, v)
	return v, nil
}

// Evaluate prints an arbitrary expression and returns the first output line.
func (s *Session) Evaluate(ctx context.Context, expr string) (string, error) {
	v, err := channel.Request(ctx, s.ch, "PRINT "+expr, &ValueParser{Loose: true}, s.timing.EvalTimeout)
	if err != nil {
		return "", fmt.Errorf("evaluate %s: %w", expr, err)
	}
	return v, nil
}

// SetBreakpoint records an advisory breakpoint. It reports false if the
// line was already set.
func (s *Session) SetBreakpoint(source string, line int) bool {
	return s.Breakpoints.Set(source, line)
}

// RemoveBreakpoint forgets an advisory breakpoint.
func (s *Session) RemoveBreakpoint(source string, line int) bool {
	return s.Breakpoints.Remove(source, line)
}

func (s *Session) ClearBreakpoints() { s.Breakpoints.Clear() }

// Variables returns the snapshot sorted by name.
func (s *Session) Variables() []Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Variable, 0, len(s.vars))
	for name, v := range s.vars {
		out = append(out, Variable{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsActive() bool { return s.State() == Active }

// CurrentLine returns the last line number traced, or 0.
func (s *Session) CurrentLine() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) onTrace(line string) {
	if !strings.HasPrefix(strings.TrimSpace(line), "[") {
		return
	}
	m := traceMarker.FindAllStringSubmatch(line, -1)
	if m == nil {
		return
	}
	n, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.state == Active {
		s.current = n
	}
	s.mu.Unlock()
}
