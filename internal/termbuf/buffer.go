// Package termbuf sits between the stream connection and the session loop.
// It feeds incoming bytes into a virtual terminal and wakes a single waiter
// once the stream goes quiet — either after a plain inactivity timeout or,
// sooner, once the screen's tail looks like an input prompt.
package termbuf

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/duskline/boardfleet/internal/cp437"
	"github.com/duskline/boardfleet/internal/vt"
)

// Defaults per spec.md §4.3.
const (
	DefaultIdleTimeout  = 1500 * time.Millisecond
	DefaultGraceTimeout = 300 * time.Millisecond
	maxHistory          = 40
)

// promptPattern matches the tail of a screen that is very likely waiting on
// input: a trailing prompt punctuation mark, or one of a handful of named
// BBS prompt phrases. Case-insensitive throughout.
var promptPattern = regexp.MustCompile(`(?i)(\?|:|>)\s*$` +
	`|\[y/n\]\s*$|\[n/y\]\s*$|\[more\]\s*$|\[enter\]\s*$` +
	`|\(\d+\s*min\s*left\)\s*$` +
	`|press\s+(enter|return|any key)\s+to\s+continue`)

// Buffer accumulates connection output into a virtual terminal and exposes
// WaitForIdle to the session loop. Only one WaitForIdle call may be pending
// at a time, matching the single-consumer contract of one session loop per
// Buffer.
type Buffer struct {
	idleTimeout  time.Duration
	graceTimeout time.Duration

	screen *vt.Screen

	mu        sync.Mutex
	timer     *time.Timer
	waiting   bool
	resultCh  chan string
	history   []string
	wasReset  bool
}

// New creates a Buffer with the given idle and grace timeouts. Zero values
// fall back to the spec.md defaults.
func New(idleTimeout, graceTimeout time.Duration) *Buffer {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if graceTimeout <= 0 {
		graceTimeout = DefaultGraceTimeout
	}
	return &Buffer{
		idleTimeout:  idleTimeout,
		graceTimeout: graceTimeout,
		screen:       vt.New(),
	}
}

// Feed pushes a chunk of raw CP437 bytes through the codepage decoder and
// into the virtual terminal, then (re)arms the idle timer if a waiter is
// currently pending.
func (b *Buffer) Feed(raw []byte) {
	text := cp437.Decode(raw)

	b.mu.Lock()
	b.screen.Write(text)
	if b.waiting {
		b.rearmLocked()
	}
	b.mu.Unlock()
}

// rearmLocked cancels any pending timer and arms a new one: a short grace
// timer if the screen tail looks like a prompt, otherwise the full idle
// timeout. Caller must hold mu.
func (b *Buffer) rearmLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	wait := b.idleTimeout
	if promptPattern.MatchString(b.screen.Tail(3)) {
		wait = b.graceTimeout
	}
	b.timer = time.AfterFunc(wait, b.fire)
}

func (b *Buffer) fire() {
	b.mu.Lock()
	if !b.waiting {
		b.mu.Unlock()
		return
	}
	snapshot := b.screen.Snapshot()
	b.waiting = false
	ch := b.resultCh
	b.resultCh = nil

	if snapshot != "" && (len(b.history) == 0 || b.history[len(b.history)-1] != snapshot) {
		b.history = append(b.history, snapshot)
		if len(b.history) > maxHistory {
			b.history = b.history[len(b.history)-maxHistory:]
		}
	}
	b.mu.Unlock()

	ch <- snapshot
}

// WaitForIdle blocks until the stream goes idle (or the context is
// cancelled) and returns the current screen snapshot. If called
// immediately after Reset, it returns the empty string without waiting.
func (b *Buffer) WaitForIdle(ctx context.Context) string {
	b.mu.Lock()
	if b.wasReset {
		b.wasReset = false
		b.mu.Unlock()
		return ""
	}
	ch := make(chan string, 1)
	b.resultCh = ch
	b.waiting = true
	b.rearmLocked()
	b.mu.Unlock()

	select {
	case snap := <-ch:
		return snap
	case <-ctx.Done():
		b.mu.Lock()
		b.waiting = false
		if b.timer != nil {
			b.timer.Stop()
		}
		b.mu.Unlock()
		return ""
	}
}

// History returns a copy of the rolling window of distinct past snapshots,
// oldest first, capped at 40 entries.
func (b *Buffer) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}

// Screen exposes the underlying virtual terminal for callers that need the
// live cursor position or an off-cycle snapshot (e.g. the console viewer).
func (b *Buffer) Screen() *vt.Screen {
	return b.screen
}

// Reset clears the virtual terminal and arms the "return empty immediately"
// behavior for the next WaitForIdle call.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.screen.Reset()
	b.history = nil
	b.wasReset = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.waiting = false
}
