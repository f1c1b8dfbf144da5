package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".mmbasic_history"
	historySize     = 500
)

// errInterrupt is returned by getLine when the user presses Ctrl-C at the
// prompt.
var errInterrupt = errors.New("interrupt")

// lineEditor reads console input with readline on a terminal, or line by
// line from a pipe.
type lineEditor struct {
	interactive bool
	rl          *readline.Instance
	scanner     *bufio.Scanner
	out         io.Writer
}

func newLineEditor(in *os.File, out io.Writer) *lineEditor {
	interactive := term.IsTerminal(int(in.Fd())) && os.Getenv("INSIDE_EMACS") == ""
	if !interactive {
		return &lineEditor{scanner: bufio.NewScanner(in), out: out}
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            historyPath(),
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
		return &lineEditor{scanner: bufio.NewScanner(in), out: out}
	}
	return &lineEditor{interactive: true, rl: rl, out: out}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, historyFileName)
}

// getLine returns the next line without its newline, io.EOF at end of
// input, or errInterrupt on Ctrl-C.
func (le *lineEditor) getLine(prompt string) (string, error) {
	if !le.interactive {
		fmt.Fprint(le.out, prompt)
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", errInterrupt
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *lineEditor) close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
