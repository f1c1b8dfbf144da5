package channel

import (
	"fmt"
	"log"
	"strconv"
	"time"
)

// Direction classifies a transcript entry.
type Direction int

const (
	Sent Direction = iota
	Received
	Info
	StateChange
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	case Info:
		return "info"
	case StateChange:
		return "state"
	default:
		return "unknown"
	}
}

// MarshalText encodes the direction by name in JSON and CSV output.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	for _, v := range []Direction{Sent, Received, Info, StateChange} {
		if v.String() == string(b) {
			*d = v
			return nil
		}
	}
	return fmt.Errorf("unknown direction %q", b)
}

// Entry is one line of serial traffic or a status note.
type Entry struct {
	Time time.Time `json:"time"`
	Dir  Direction `json:"dir"`
	Text string    `json:"text"`
}

// String renders the entry the way a terminal would show it.
func (e Entry) String() string {
	switch e.Dir {
	case Sent:
		return "> " + e.Text
	case StateChange:
		return "[" + e.Text + "]"
	default:
		return e.Text
	}
}

// Sink receives every transcript entry. Record is called from the
// transport's read goroutine for inbound lines and must not block.
type Sink interface {
	Record(Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Entry)

func (f SinkFunc) Record(e Entry) { f(e) }

type tee []Sink

func (t tee) Record(e Entry) {
	for _, s := range t {
		s.Record(e)
	}
}

// Tee returns a Sink that forwards to each of sinks in order.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

// LogSink writes entries to the standard logger.
type LogSink struct{}

func (LogSink) Record(e Entry) {
	log.Printf("[serial] %s", e)
}

// describeBytes renders raw bytes for the transcript. Control characters use
// caret notation, e.g. 0x03 is "^C".
func describeBytes(p []byte) string {
	if len(p) == 1 && p[0] < 0x20 {
		return fmt.Sprintf("^%c", '@'+p[0])
	}
	return strconv.Quote(string(p))
}
