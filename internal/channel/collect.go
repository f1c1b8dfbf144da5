package channel

import (
	"context"
	"log"
	"sync"
	"time"
)

// Step is a collector's verdict on one inbound line.
type Step int

const (
	// Continue means the line was consumed and more are expected.
	Continue Step = iota
	// Complete means the response is finished.
	Complete
	// Ignore means the line is not part of the response.
	Ignore
)

// Collector extracts a typed result from the lines that follow a command.
//
// Collect is called for each inbound line until it returns Complete or the
// request times out. Result is called once, afterwards, with timedOut set
// when Collect never returned Complete. Both calls are serialized.
type Collector[T any] interface {
	Collect(line string) Step
	Result(timedOut bool) (T, error)
}

// Lease is exclusive use of a channel for request/response traffic.
type Lease struct {
	c    *Channel
	once sync.Once
}

// Acquire waits for the channel lease. Release must be called when done.
func (c *Channel) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case c.lease <- struct{}{}:
		return &Lease{c: c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns the lease. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() { <-l.c.lease })
}

// Channel returns the leased channel.
func (l *Lease) Channel() *Channel { return l.c }

// Request takes the channel lease, sends command and collects the response
// with col until it completes, timeout elapses, or ctx is done.
func Request[T any](ctx context.Context, c *Channel, command string, col Collector[T], timeout time.Duration) (T, error) {
	var zero T
	if !c.IsConnected() {
		return zero, ErrNotConnected
	}
	l, err := c.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer l.Release()
	return Await(ctx, l, command, col, timeout)
}

// Await is Request for a caller that already holds the lease.
func Await[T any](ctx context.Context, l *Lease, command string, col Collector[T], timeout time.Duration) (T, error) {
	var (
		zero     T
		c        = l.c
		mu       sync.Mutex
		finished bool
		complete bool
		done     = make(chan struct{})
	)

	// Registered before the write so the first reply line cannot be missed.
	id := c.registry.Add(func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		if col.Collect(line) == Complete {
			finished, complete = true, true
			close(done)
		}
	})
	defer c.registry.Remove(id)

	if err := c.SendCommand(command); err != nil {
		return zero, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		mu.Lock()
		finished = true
		mu.Unlock()
		return zero, ctx.Err()
	}
	c.registry.Remove(id)

	mu.Lock()
	finished = true
	timedOut := !complete
	v, err := col.Result(timedOut)
	mu.Unlock()

	if timedOut {
		log.Printf("[channel] %q: no complete response within %v", command, timeout)
	}
	return v, err
}
