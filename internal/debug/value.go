package debug

import (
	"regexp"
	"strings"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
)

var numericLead = regexp.MustCompile(`^\s*[\d.\-]+`)

// ValueParser takes the value printed by PRINT <expr>. The first line that
// contains "=" or starts with a number is the value. With Loose set, any
// other non-blank line that is not a ">" echo is accepted too, so string
// results are recognised.
type ValueParser struct {
	Loose bool
	value string
}

func (p *ValueParser) Collect(line string) channel.Step {
	switch {
	case strings.Contains(line, "=") && !strings.HasPrefix(line, ">"):
	case numericLead.MatchString(line):
	case p.Loose && strings.TrimSpace(line) != "" && !strings.HasPrefix(line, ">"):
	default:
		return channel.Ignore
	}
	p.value = strings.TrimSpace(line)
	return channel.Complete
}

func (p *ValueParser) Result(timedOut bool) (string, error) {
	if timedOut {
		return "", ErrEvaluationFailed
	}
	return p.value, nil
}
