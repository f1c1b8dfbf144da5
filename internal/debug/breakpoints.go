package debug

import (
	"sort"
	"sync"
)

// Breakpoints records line numbers per source. They are bookkeeping for the
// UI only: the device has no way to pause at a line, so nothing here affects
// execution.
type Breakpoints struct {
	mu    sync.Mutex
	lines map[string][]int
}

func NewBreakpoints() *Breakpoints {
	return &Breakpoints{lines: make(map[string][]int)}
}

// Set adds line to source and reports whether it was new.
func (b *Breakpoints) Set(source string, line int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines[source]
	i := sort.SearchInts(lines, line)
	if i < len(lines) && lines[i] == line {
		return false
	}
	lines = append(lines, 0)
	copy(lines[i+1:], lines[i:])
	lines[i] = line
	b.lines[source] = lines
	return true
}

// Remove deletes line from source and reports whether it was present.
func (b *Breakpoints) Remove(source string, line int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines[source]
	i := sort.SearchInts(lines, line)
	if i == len(lines) || lines[i] != line {
		return false
	}
	lines = append(lines[:i], lines[i+1:]...)
	if len(lines) == 0 {
		delete(b.lines, source)
	} else {
		b.lines[source] = lines
	}
	return true
}

// Clear removes every breakpoint.
func (b *Breakpoints) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = make(map[string][]int)
}

// Lines returns the breakpoints of source in ascending order.
func (b *Breakpoints) Lines(source string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.lines[source]...)
}

// All returns a copy of every source's breakpoints.
func (b *Breakpoints) All() map[string][]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]int, len(b.lines))
	for src, lines := range b.lines {
		out[src] = append([]int(nil), lines...)
	}
	return out
}
