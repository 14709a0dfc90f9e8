// Package vt adapts github.com/vito/midterm — the teacher's own ANSI/VT100
// engine — into the fixed 80x24 screen contract the rest of this codebase
// expects: write bytes in, read a stable rendered snapshot out.
package vt

import (
	"strings"
	"sync"

	"github.com/vito/midterm"
)

// Rows and Cols are the fixed screen dimensions spec.md requires.
const (
	Rows = 24
	Cols = 80
)

// Screen is an 80x24 virtual terminal. It is safe for concurrent use; write
// and read operations are serialized so snapshot() is always consistent
// with the writes that preceded it.
type Screen struct {
	mu   sync.Mutex
	term *midterm.Terminal
}

// New creates a Screen reset to a blank grid with the cursor at (0,0).
func New() *Screen {
	s := &Screen{}
	s.term = midterm.NewTerminal(Rows, Cols)
	return s
}

// Write applies decoded text (already run through cp437) to the grid,
// interpreting cursor movement, erase, scroll, and color escape sequences.
// Color is accepted and discarded — Screen never reproduces it.
func (s *Screen) Write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Write([]byte(text))
}

// Snapshot renders the grid as newline-joined lines, each with trailing
// whitespace trimmed, and with trailing blank lines removed. Calling
// Snapshot twice with no intervening Write always returns the same string.
func (s *Screen) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Screen) snapshotLocked() string {
	lines := make([]string, 0, Rows)
	for row := 0; row < Rows && row < len(s.term.Content); row++ {
		lines = append(lines, strings.TrimRight(string(s.term.Content[row]), " \t"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Tail returns the last n non-blank lines of the current snapshot.
func (s *Screen) Tail(n int) string {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if snap == "" || n <= 0 {
		return ""
	}
	all := strings.Split(snap, "\n")
	nonBlank := all[:0:0]
	for _, l := range all {
		if strings.TrimSpace(l) != "" {
			nonBlank = append(nonBlank, l)
		}
	}
	if len(nonBlank) > n {
		nonBlank = nonBlank[len(nonBlank)-n:]
	}
	return strings.Join(nonBlank, "\n")
}

// Cursor returns the current cursor position as (row, col), both 0-indexed.
func (s *Screen) Cursor() (row, col int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.Cursor.Y, s.term.Cursor.X
}

// Reset clears the grid and moves the cursor back to (0,0).
func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = midterm.NewTerminal(Rows, Cols)
}
