package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DemoDevice simulates an MMBasic REPL for development and testing.
//
// Every command line is echoed as "> CMD", followed by its output and a
// bare ">" prompt line. Numbered lines and lines that are not commands are
// stored as program text, the way an upload is entered. RUN executes stored
// PRINT statements and assignments; with TRON each executed line prints
// "[n]" first.
type DemoDevice struct {
	mu      sync.Mutex
	cond    *sync.Cond
	out     bytes.Buffer
	in      []byte
	inUse   bool
	closed  bool
	severed bool

	files   map[string]string
	dirs    map[string]bool
	program []string
	vars    map[string]string
	trace   bool
	free    int64
}

var errSevered = errors.New("demo device disconnected")

// NewDemoDevice returns a device with a small sample drive A:.
func NewDemoDevice() *DemoDevice {
	d := &DemoDevice{
		files: map[string]string{
			"DEMO.BAS": "10 PRINT \"HELLO\"\n20 X = 42\n30 PRINT X",
			"DATA.BAS": "PRINT 1\nPRINT 2",
		},
		dirs: map[string]bool{"LOGS": true},
		vars: make(map[string]string),
		free: 1048576,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Opener returns an Opener that connects to this device under any port name.
// The device can be held by one transport at a time.
func (d *DemoDevice) Opener() Opener {
	return func(name string, baud int) (Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.inUse {
			return nil, fmt.Errorf("%w: %s: busy", ErrPortUnavailable, name)
		}
		d.inUse = true
		d.closed = false
		d.severed = false
		d.out.Reset()
		d.in = d.in[:0]
		return d, nil
	}
}

// Read blocks until output is available or the device is closed.
func (d *DemoDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.out.Len() == 0 && !d.closed && !d.severed {
		d.cond.Wait()
	}
	if d.severed {
		return 0, errSevered
	}
	if d.out.Len() == 0 {
		return 0, io.EOF
	}
	return d.out.Read(p)
}

// Write feeds bytes to the interpreter as if typed on the console.
func (d *DemoDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.severed {
		return 0, errSevered
	}
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		switch b {
		case 0x03:
			d.in = d.in[:0]
		case '\r', '\n':
			if len(d.in) > 0 {
				line := string(d.in)
				d.in = d.in[:0]
				d.execute(line)
			}
		default:
			d.in = append(d.in, b)
		}
	}
	d.cond.Broadcast()
	return len(p), nil
}

// Close releases the device.
func (d *DemoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.inUse = false
	d.cond.Broadcast()
	return nil
}

// Sever simulates the cable being pulled: reads and writes fail.
func (d *DemoDevice) Sever() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.severed = true
	d.inUse = false
	d.cond.Broadcast()
}

// File returns the stored content of a device file.
func (d *DemoDevice) File(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.files[strings.ToUpper(name)]
	return content, ok
}

// Program returns the program lines currently in device memory.
func (d *DemoDevice) Program() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.program...)
}

// Tracing reports whether TRON is in effect.
func (d *DemoDevice) Tracing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trace
}

func (d *DemoDevice) println(s string) {
	d.out.WriteString(s)
	d.out.WriteString("\r\n")
}

func (d *DemoDevice) execute(line string) {
	cmd := strings.TrimSpace(line)
	d.println("> " + cmd)
	if cmd == "" {
		d.println(">")
		return
	}

	word, arg := splitWord(cmd)
	if _, err := strconv.Atoi(word); err == nil {
		d.program = append(d.program, cmd)
		d.println(">")
		return
	}
	switch strings.ToUpper(word) {
	case "NEW":
		d.program = nil
		d.vars = make(map[string]string)
	case "RUN":
		d.run()
	case "TRON":
		d.trace = true
	case "TROFF":
		d.trace = false
	case "FILES":
		d.listFiles(unquote(arg))
	case "LIST":
		d.list(unquote(arg))
	case "SAVE":
		name := strings.ToUpper(unquote(arg))
		if name == "" {
			d.println("Error: File name required")
			break
		}
		d.files[name] = strings.Join(d.program, "\n")
	case "KILL":
		name := strings.ToUpper(unquote(arg))
		if _, ok := d.files[name]; !ok {
			d.println("Error: Could not find the file")
			break
		}
		delete(d.files, name)
	case "PRINT":
		d.println(d.eval(arg))
	default:
		d.program = append(d.program, cmd)
	}
	d.println(">")
}

func (d *DemoDevice) listFiles(path string) {
	drive := strings.ToUpper(path)
	if drive == "" {
		drive = "A:"
	}
	d.println("Directory: " + drive + "/")
	if !strings.HasPrefix(drive, "A:") {
		d.println(fmt.Sprintf("0 directories, 0 files, %d bytes free", d.free))
		return
	}

	dirs := make([]string, 0, len(d.dirs))
	for name := range d.dirs {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	for _, name := range dirs {
		d.println(fmt.Sprintf("%-12s  <DIR>", name))
	}

	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d.println(fmt.Sprintf("%-12s  %d", name, len(d.files[name])))
	}
	d.println(fmt.Sprintf("%d directories, %d files, %d bytes free", len(dirs), len(names), d.free))
}

func (d *DemoDevice) list(name string) {
	var content []string
	if name == "" {
		content = d.program
	} else {
		text, ok := d.files[strings.ToUpper(name)]
		if !ok {
			d.println("Error: Could not find the file")
			return
		}
		content = strings.Split(text, "\n")
	}
	d.println("")
	for _, l := range content {
		d.println(l)
	}
}

func (d *DemoDevice) run() {
	for i, line := range d.program {
		num := i + 1
		stmt := line
		if word, rest := splitWord(line); word != "" {
			if n, err := strconv.Atoi(word); err == nil {
				num = n
				stmt = rest
			}
		}
		if d.trace {
			d.println(fmt.Sprintf("[%d]", num))
		}

		word, arg := splitWord(stmt)
		switch {
		case strings.EqualFold(word, "END"):
			return
		case strings.EqualFold(word, "PRINT"):
			d.println(d.eval(arg))
		case strings.Contains(stmt, "="):
			parts := strings.SplitN(stmt, "=", 2)
			name := strings.TrimSpace(parts[0])
			if w, rest := splitWord(name); strings.EqualFold(w, "LET") {
				name = rest
			}
			d.vars[strings.ToUpper(name)] = d.eval(parts[1])
		}
	}
}

func (d *DemoDevice) eval(expr string) string {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return ""
	case strings.HasPrefix(expr, `"`):
		return unquote(expr)
	}
	if v, ok := d.vars[strings.ToUpper(expr)]; ok {
		return v
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if isIdentifier(expr) {
		if strings.HasSuffix(expr, "$") {
			return ""
		}
		return "0"
	}
	return "Error: Syntax"
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return strings.Trim(s, `"`)
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		case (r == '$' || r == '%' || r == '!') && i == len(s)-1 && i > 0:
		default:
			return false
		}
	}
	return s != ""
}
