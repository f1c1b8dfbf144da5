package channel_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
	"github.com/DNSGeek/mmbasic-link/internal/transport/transporttest"
)

type memorySink struct {
	mu      sync.Mutex
	entries []channel.Entry
}

func (s *memorySink) Record(e channel.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *memorySink) find(dir channel.Direction, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Dir == dir && e.Text == text {
			return true
		}
	}
	return false
}

// untilPrompt collects lines up to a bare ">" prompt.
type untilPrompt struct {
	lines []string
	calls int
}

func (u *untilPrompt) Collect(line string) channel.Step {
	u.calls++
	if line == ">" {
		return channel.Complete
	}
	if strings.HasPrefix(line, ">") {
		return channel.Ignore
	}
	u.lines = append(u.lines, line)
	return channel.Continue
}

func (u *untilPrompt) Result(timedOut bool) ([]string, error) {
	if timedOut && len(u.lines) == 0 {
		return nil, channel.ErrResponseTimeout
	}
	return u.lines, nil
}

func newConnected(t *testing.T) (*channel.Channel, *transporttest.Port, *memorySink) {
	t.Helper()
	port := transporttest.NewPort()
	sink := &memorySink{}
	ch := channel.New(port.Opener(), channel.Options{
		SettleDelay: time.Millisecond,
		LineDelay:   time.Millisecond,
		Sink:        sink,
	})
	if err := ch.Connect("/dev/ttyTEST", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ch.Disconnect() })
	return ch, port, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseLineEnding(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`\r\n`, "\r\n"},
		{`\n`, "\n"},
		{`\r`, "\r"},
		{"", ""},
		{`;\r\n`, ";\r\n"},
	}
	for _, tt := range tests {
		if got := channel.ParseLineEnding(tt.in); got != tt.want {
			t.Errorf("ParseLineEnding(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	port := transporttest.NewPort()
	ch := channel.New(port.Opener(), channel.Options{Sink: &memorySink{}})

	ops := map[string]func() error{
		"SendCommand": func() error { return ch.SendCommand("RUN") },
		"RunProgram":  ch.RunProgram,
		"StopProgram": ch.StopProgram,
		"ListFiles":   ch.ListFiles,
		"SendProgram": func() error { return ch.SendProgram(context.Background(), "10 END") },
		"Disconnect":  ch.Disconnect,
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, channel.ErrNotConnected) {
			t.Errorf("%s = %v, want ErrNotConnected", name, err)
		}
	}
	if len(port.Written()) != 0 {
		t.Errorf("port received %q while disconnected", port.Written())
	}
}

func TestSendCommandLineEnding(t *testing.T) {
	ch, port, sink := newConnected(t)

	if err := ch.SendCommand("PRINT 1"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	ch.SetLineEnding(`\n`)
	if err := ch.SendCommand("PRINT 2"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if got, want := string(port.Written()), "PRINT 1\r\nPRINT 2\n"; got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
	if !sink.find(channel.Sent, "PRINT 1") {
		t.Error("sent command missing from transcript")
	}
}

func TestStopProgramWritesSingleByte(t *testing.T) {
	ch, port, sink := newConnected(t)

	if err := ch.StopProgram(); err != nil {
		t.Fatalf("StopProgram: %v", err)
	}
	if got := port.Written(); !bytes.Equal(got, []byte{0x03}) {
		t.Errorf("written = %q, want 0x03", got)
	}
	if !sink.find(channel.Sent, "^C") {
		t.Error("Ctrl-C missing from transcript")
	}
}

func TestSendProgram(t *testing.T) {
	ch, port, _ := newConnected(t)

	src := "10 PRINT 1\n\n' comment\n   \n  20 END  \r\n"
	if err := ch.SendProgram(context.Background(), src); err != nil {
		t.Fatalf("SendProgram: %v", err)
	}

	var got []string
	for _, w := range port.Writes() {
		got = append(got, string(w))
	}
	want := []string{"NEW\r\n", "10 PRINT 1\r\n", "20 END\r\n"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("writes = %q, want %q", got, want)
	}
}

func TestSendProgramCancelled(t *testing.T) {
	port := transporttest.NewPort()
	ch := channel.New(port.Opener(), channel.Options{
		SettleDelay: time.Hour,
		Sink:        &memorySink{},
	})
	if err := ch.Connect("/dev/ttyTEST", 38400); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ch.SendProgram(ctx, "10 END"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SendProgram = %v, want DeadlineExceeded", err)
	}
	if got := string(port.Written()); got != "NEW\r\n" {
		t.Errorf("written = %q, want only NEW", got)
	}
}

func TestTranscriptMirrorsInboundLines(t *testing.T) {
	ch, port, sink := newConnected(t)

	port.Feed("Hello from device")
	waitFor(t, "received entry", func() bool {
		return sink.find(channel.Received, "Hello from device")
	})
	if ch.Listeners() != 1 {
		t.Errorf("Listeners = %d, want 1 (transcript mirror)", ch.Listeners())
	}
}

func TestStateChangeCallbacks(t *testing.T) {
	port := transporttest.NewPort()
	ch := channel.New(port.Opener(), channel.Options{Sink: &memorySink{}})

	events := make(chan transport.Event, 4)
	ch.OnStateChange(func(ev transport.Event) { events <- ev })

	if err := ch.Connect("/dev/ttyTEST", 9600); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.Port() != "/dev/ttyTEST" || ch.Baud() != 9600 {
		t.Errorf("Port/Baud = %q/%d", ch.Port(), ch.Baud())
	}
	if err := ch.Connect("/dev/ttyTEST", 9600); !errors.Is(err, channel.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	for _, want := range []transport.State{transport.StateOpen, transport.StateClosed} {
		select {
		case ev := <-events:
			if ev.State != want {
				t.Errorf("event = %v, want %v", ev.State, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %v event", want)
		}
	}
}
