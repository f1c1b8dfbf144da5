// Package files browses and transfers files on an MMBasic device's drives
// by parsing the text of FILES and LIST output.
package files

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
)

// Entry is one item of a directory listing. Size is zero for directories.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

var (
	dirLine  = regexp.MustCompile(`^\s*(\S+)\s+<DIR>`)
	fileLine = regexp.MustCompile(`^\s*(\S+)\s+(\d+)`)
)

// ListingParser collects the entries printed by FILES. Lines before a
// "Volume" or "Directory" header are ignored; a line mentioning "bytes free"
// or "Total" ends the listing. On timeout it returns what it has.
type ListingParser struct {
	capturing bool
	entries   []Entry
}

func (p *ListingParser) Collect(line string) channel.Step {
	if strings.Contains(line, "Volume") || strings.Contains(line, "Directory") {
		p.capturing = true
		return channel.Continue
	}
	if !p.capturing {
		return channel.Ignore
	}
	if strings.Contains(line, "bytes free") || strings.Contains(line, "Total") {
		return channel.Complete
	}

	if m := dirLine.FindStringSubmatch(line); m != nil {
		p.entries = append(p.entries, Entry{Name: m[1], IsDir: true})
		return channel.Continue
	}
	if m := fileLine.FindStringSubmatch(line); m != nil {
		size, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return channel.Ignore
		}
		p.entries = append(p.entries, Entry{Name: m[1], Size: size})
		return channel.Continue
	}
	return channel.Ignore
}

func (p *ListingParser) Result(bool) ([]Entry, error) {
	if p.entries == nil {
		return []Entry{}, nil
	}
	return p.entries, nil
}

// ContentParser collects the text printed by LIST "<name>". Content starts
// after the first blank line and ends at a bare ">" prompt or a line
// containing "Error". Other lines starting with ">" are command echoes.
type ContentParser struct {
	capturing bool
	lines     []string
	errLine   string
}

func (p *ContentParser) Collect(line string) channel.Step {
	trimmed := strings.TrimSpace(line)
	if p.capturing && trimmed == ">" {
		return channel.Complete
	}
	if strings.HasPrefix(line, ">") {
		return channel.Ignore
	}
	if strings.Contains(line, "Error") {
		p.errLine = trimmed
		return channel.Complete
	}
	if !p.capturing {
		if trimmed == "" {
			p.capturing = true
			return channel.Continue
		}
		return channel.Ignore
	}
	p.lines = append(p.lines, line)
	return channel.Continue
}

func (p *ContentParser) Result(timedOut bool) (string, error) {
	content := strings.Join(p.lines, "\n")
	switch {
	case content != "":
		return content, nil
	case p.errLine != "":
		return "", fmt.Errorf("%w: %w: %s", channel.ErrEmptyResponse, ErrDevice, p.errLine)
	case timedOut:
		return "", channel.ErrResponseTimeout
	default:
		return "", channel.ErrEmptyResponse
	}
}

// errorWatch waits out a command's settle time, completing early if the
// device prints an error.
type errorWatch struct {
	line string
}

func (w *errorWatch) Collect(line string) channel.Step {
	if strings.HasPrefix(line, ">") || !strings.Contains(line, "Error") {
		return channel.Ignore
	}
	w.line = strings.TrimSpace(line)
	return channel.Complete
}

func (w *errorWatch) Result(timedOut bool) (struct{}, error) {
	if timedOut {
		return struct{}{}, nil
	}
	return struct{}{}, fmt.Errorf("%w: %s", ErrDevice, w.line)
}
