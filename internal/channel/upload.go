package channel

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// ProgramLines returns the lines of source that are sent to the device:
// trimmed, non-blank, and not a ' comment.
func ProgramLines(source string) []string {
	var out []string
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "'") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// SendProgram writes NEW, waits for the device to settle, then writes each
// program line with the inter-line delay. A failure part way through leaves
// the device with the lines sent so far.
func (l *Lease) SendProgram(ctx context.Context, source string) error {
	c := l.c
	lines := ProgramLines(source)

	c.Info("--- Sending program (%d lines) ---", len(lines))
	if err := c.SendCommand("NEW"); err != nil {
		return err
	}
	if err := Sleep(ctx, c.settle); err != nil {
		return err
	}
	for i, line := range lines {
		if err := c.SendCommand(line); err != nil {
			return fmt.Errorf("upload stopped after %d of %d lines: %w", i, len(lines), err)
		}
		if err := Sleep(ctx, c.lineDelay); err != nil {
			return fmt.Errorf("upload stopped after %d of %d lines: %w", i+1, len(lines), err)
		}
	}
	c.Info("--- Program sent ---")
	log.Printf("[channel] uploaded %d lines", len(lines))
	return nil
}
