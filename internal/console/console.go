// Package console mirrors a session's virtual screen to the operator's
// real terminal. It is a passive viewer only: the agent drives the
// board stream, never the operator. Grounded on the teacher's
// internal/terminal.Wrapper raw-mode/render loop, stripped of its
// input-bar and passthrough machinery since this mirror never forwards
// keystrokes anywhere but a stop signal.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/duskline/boardfleet/internal/termbuf"
)

const renderInterval = 250 * time.Millisecond

// Mirror renders a termbuf.Buffer's current screen to an output stream
// on a fixed tick, clearing and redrawing in place like a full-screen
// TUI would, but without taking any input back into the session.
type Mirror struct {
	buf      *termbuf.Buffer
	out      io.Writer
	darkBg   bool
	colorful bool
	label    string
}

// New builds a Mirror over buf, writing to out. If out is a real TTY
// (checked via go-isatty, matching the teacher's terminal-capability
// detection), the header band is colorized using termenv's background
// detection exactly as the teacher's wrapper.go primes OSC colors before
// entering raw mode; otherwise the mirror stays plain ASCII.
func New(buf *termbuf.Buffer, out *os.File, label string) *Mirror {
	m := &Mirror{buf: buf, out: out, label: label}
	if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
		m.colorful = true
		m.darkBg = termenv.NewOutput(out).HasDarkBackground()
	}
	return m
}

// Run redraws the mirrored screen every renderInterval until ctx is
// cancelled. If stdin is a real TTY, it is switched to raw mode for the
// duration so a bare Ctrl-C (0x03) can be read and used to cancel the
// session without waiting on line buffering; Ctrl-C is the only byte
// ever acted on — everything else read from stdin is discarded.
func (m *Mirror) Run(ctx context.Context, cancel context.CancelFunc) {
	if f, ok := m.out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		if restore, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			defer term.Restore(int(os.Stdin.Fd()), restore)
			go m.watchForCtrlC(ctx, cancel)
		}
	}

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.clear()
			return
		case <-ticker.C:
			m.render()
		}
	}
}

func (m *Mirror) watchForCtrlC(ctx context.Context, cancel context.CancelFunc) {
	buf := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0x03 {
				cancel()
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Mirror) clear() {
	fmt.Fprint(m.out, "\033[2J\033[H")
}

func (m *Mirror) render() {
	screen := m.buf.Screen().Snapshot()
	header := fmt.Sprintf(" %s ", m.label)
	if m.colorful {
		bg := "46" // cyan background reads well on a light terminal
		if m.darkBg {
			bg = "44" // blue background reads better once the background is already dark
		}
		header = "\033[30;" + bg + "m" + header + "\033[0m"
	}

	m.clear()
	fmt.Fprintln(m.out, header)
	fmt.Fprintln(m.out, screen)
}
