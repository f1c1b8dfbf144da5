package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/debug"
	"github.com/DNSGeek/mmbasic-link/internal/files"
	"github.com/DNSGeek/mmbasic-link/internal/server"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
	"github.com/google/shlex"
)

const consoleHelp = `Lines not starting with "." are sent to the device as typed.

  .connect [port] [baud]   open a port (pick from a list if none given)
  .disconnect              close the port
  .status                  connection and debug state
  .ports                   list serial ports
  .load <file>             upload a local program
  .run / .stop             RUN / Ctrl-C
  .ls [path]               list a device directory (default A:)
  .cat <name>              show a device file
  .get <name> [local]      download a device file
  .put <local> [name]      upload and SAVE a local file
  .rm <name>               KILL a device file
  .debug <file>            run a local program with TRON
  .step / .continue        resume a paused program
  .inspect <var>           PRINT a variable and remember it
  .eval <expr>             PRINT an expression
  .vars                    remembered variables
  .break <line> [source]   toggle an advisory breakpoint
  .enddebug                stop debugging
  .eol <template>          set the line ending, e.g. \r\n
  .quit                    exit
`

// console maps dot-commands onto engine operations.
type console struct {
	cfg       *server.Config
	ch        *channel.Channel
	files     *files.Browser
	session   *debug.Session
	out       io.Writer
	listPorts func() ([]transport.PortInfo, error)

	// source is the last program started with .debug, used as the
	// breakpoint source name.
	source string
}

// consoleSink prints device output and status notes.
func consoleSink(out io.Writer) channel.Sink {
	return channel.SinkFunc(func(e channel.Entry) {
		switch e.Dir {
		case channel.Received, channel.Info:
			fmt.Fprintln(out, e.Text)
		case channel.StateChange:
			fmt.Fprintln(out, e.String())
		}
	})
}

func (c *console) run(ctx context.Context, ed *lineEditor) error {
	fmt.Fprintln(c.out, `mmbasic-link console. Type .help for commands.`)
	for {
		line, err := ed.getLine("> ")
		switch {
		case errors.Is(err, errInterrupt):
			if c.ch.IsConnected() {
				c.report(c.ch.StopProgram())
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		quit, err := c.handle(ctx, ed, line)
		c.report(err)
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func (c *console) report(err error) {
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
}

// handle runs one console line and reports whether the console should exit.
func (c *console) handle(ctx context.Context, ed *lineEditor, line string) (bool, error) {
	if !strings.HasPrefix(line, ".") {
		return false, c.ch.SendCommand(line)
	}

	// Expressions and line-ending templates are passed through unsplit;
	// file arguments may be quoted.
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args, err := shlex.Split(rest)
	if err != nil {
		return false, fmt.Errorf("%s: %w", cmd, err)
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case ".quit", ".exit":
		return true, nil
	case ".help":
		fmt.Fprint(c.out, consoleHelp)
	case ".ports":
		return false, c.printPorts()
	case ".connect":
		return false, c.connect(ed, arg(0), arg(1))
	case ".disconnect":
		if c.session.IsActive() {
			c.session.Stop(ctx)
		}
		return false, c.ch.Disconnect()
	case ".status":
		c.printStatus()
	case ".load":
		src, err := readLocal(arg(0))
		if err != nil {
			return false, err
		}
		return false, c.ch.SendProgram(ctx, src)
	case ".run":
		return false, c.ch.RunProgram()
	case ".stop":
		return false, c.ch.StopProgram()
	case ".ls":
		path := arg(0)
		if path == "" {
			path = "A:"
		}
		return false, c.list(ctx, path)
	case ".cat":
		content, err := c.files.DownloadFile(ctx, arg(0))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, content)
	case ".get":
		local := arg(1)
		if local == "" {
			local = arg(0)
		}
		return false, c.files.DownloadToFile(ctx, arg(0), local)
	case ".put":
		return false, c.files.UploadLocalFile(ctx, arg(0), arg(1))
	case ".rm":
		return false, c.files.DeleteFile(ctx, arg(0))
	case ".debug":
		src, err := readLocal(arg(0))
		if err != nil {
			return false, err
		}
		c.source = arg(0)
		return false, c.session.Start(ctx, src)
	case ".step":
		return false, c.session.Step()
	case ".continue":
		return false, c.session.Continue()
	case ".inspect":
		_, err := c.session.Inspect(ctx, rest)
		return false, err
	case ".eval":
		v, err := c.session.Evaluate(ctx, rest)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, v)
	case ".vars":
		for _, v := range c.session.Variables() {
			fmt.Fprintf(c.out, "%s = %s\n", v.Name, v.Value)
		}
	case ".break":
		return false, c.toggleBreakpoint(arg(0), arg(1))
	case ".enddebug":
		return false, c.session.Stop(ctx)
	case ".eol":
		if rest == "" {
			fmt.Fprintf(c.out, "line ending: %s\n", c.ch.LineEnding())
			return false, nil
		}
		c.ch.SetLineEnding(rest)
	default:
		return false, fmt.Errorf("unknown command %s (try .help)", cmd)
	}
	return false, nil
}

func readLocal(path string) (string, error) {
	if path == "" {
		return "", errors.New("missing file name")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *console) printPorts() error {
	ports, err := c.listPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(c.out, "no serial ports found")
		return nil
	}
	for i, p := range ports {
		fmt.Fprintf(c.out, "%2d) %s  %s\n", i+1, p.Name, p.Description())
	}
	return nil
}

// connect opens port, asking the user to pick one when neither the
// argument nor the config names a port.
func (c *console) connect(ed *lineEditor, port, baudArg string) error {
	serial := c.cfg.SerialSettings()
	baud := serial.BaudRate
	if baudArg != "" {
		n, err := strconv.Atoi(baudArg)
		if err != nil {
			return fmt.Errorf("bad baud rate %q", baudArg)
		}
		baud = n
	}
	if port == "" {
		port = serial.Port
	}
	if port == "" {
		picked, err := c.pickPort(ed)
		if err != nil {
			return err
		}
		port = picked
	}
	return c.ch.Connect(port, baud)
}

func (c *console) pickPort(ed *lineEditor) (string, error) {
	ports, err := c.listPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	if err := c.printPorts(); err != nil {
		return "", err
	}
	answer, err := ed.getLine(fmt.Sprintf("Select port [1-%d]: ", len(ports)))
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || n < 1 || n > len(ports) {
		return "", fmt.Errorf("invalid selection %q", answer)
	}
	return ports[n-1].Name, nil
}

func (c *console) printStatus() {
	if !c.ch.IsConnected() {
		fmt.Fprintln(c.out, "disconnected")
	} else {
		fmt.Fprintf(c.out, "connected to %s at %d baud\n", c.ch.Port(), c.ch.Baud())
	}
	if c.session.IsActive() {
		fmt.Fprintf(c.out, "debugging, line %d\n", c.session.CurrentLine())
	}
}

func (c *console) list(ctx context.Context, path string) error {
	entries, err := c.files.ListDirectory(ctx, path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(tw, "%s\t<DIR>\n", e.Name)
		} else {
			fmt.Fprintf(tw, "%s\t%d\n", e.Name, e.Size)
		}
	}
	fmt.Fprintf(tw, "%d entries\n", len(entries))
	return tw.Flush()
}

func (c *console) toggleBreakpoint(lineArg, source string) error {
	n, err := strconv.Atoi(lineArg)
	if err != nil {
		return fmt.Errorf("bad line number %q", lineArg)
	}
	if source == "" {
		source = c.source
	}
	if c.session.SetBreakpoint(source, n) {
		fmt.Fprintf(c.out, "Breakpoint set at line %d\n", n)
	} else {
		c.session.RemoveBreakpoint(source, n)
		fmt.Fprintf(c.out, "Breakpoint removed from line %d\n", n)
	}
	return nil
}
