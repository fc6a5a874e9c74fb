package engine

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Console is the one shared output stream every phase and worker writes
// through. Its mutex is held only for the duration of a single write,
// never across a probe, matching the engine's shared-resource policy.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	warn   *color.Color
	notice *color.Color
}

// NewConsole wraps out, auto-detecting whether colored output makes
// sense: only an *os.File attached to a real terminal gets colors.
func NewConsole(out io.Writer) *Console {
	colored := false
	if f, ok := out.(*os.File); ok {
		colored = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	c := &Console{out: out, color: colored}
	c.warn = color.New(color.FgRed, color.Bold)
	c.notice = color.New(color.FgYellow)
	return c
}

// Printf writes a formatted, unadorned line.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Println writes a single unadorned line.
func (c *Console) Println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Warn prints an emergency-stop or other operator-facing warning,
// colored red when the console is attached to a terminal.
func (c *Console) Warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if c.color {
		c.warn.Fprintln(c.out, msg)
		return
	}
	fmt.Fprintln(c.out, msg)
}

// Notice prints a phase-transition or informational line, colored yellow
// when the console is attached to a terminal.
func (c *Console) Notice(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if c.color {
		c.notice.Fprintln(c.out, msg)
		return
	}
	fmt.Fprintln(c.out, msg)
}

// Writer exposes the console as a plain io.Writer for collaborators
// (analyzer, repairer, rate-limit scheduler) that just want somewhere to
// print — their own internal formatting carries no color.
func (c *Console) Writer() io.Writer {
	return consoleWriter{c}
}

type consoleWriter struct{ c *Console }

func (w consoleWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.out.Write(p)
}
