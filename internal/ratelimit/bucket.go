// Package ratelimit implements the process-wide token bucket fronting the
// LLM, shaped like the teacher's message.MessageQueue: a mutex-guarded
// slice of waiters drained in FIFO order and signaled off a ticker.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a refilling token bucket. A background ticker adds one token
// every 60000/rpm milliseconds, up to the configured cap, and drains queued
// waiters whenever a token becomes available.
type Limiter struct {
	cap    int
	ticker *time.Ticker
	stopCh chan struct{}
	stopped bool

	mu      sync.Mutex
	tokens  int
	waiters []chan struct{}
}

// New creates a Limiter allowing up to rpm requests per minute, with a
// one-token burst capacity: the bucket starts with a single token and
// never holds more than one, so any rolling 60s window releases at most
// the initial token plus one per tick — rpm+1 total.
func New(rpm int) *Limiter {
	if rpm <= 0 {
		rpm = 1
	}
	l := &Limiter{
		cap:    1,
		tokens: 1,
		stopCh: make(chan struct{}),
	}
	interval := time.Duration(60000/rpm) * time.Millisecond
	if interval <= 0 {
		interval = time.Millisecond
	}
	l.ticker = time.NewTicker(interval)
	go l.run()
	return l
}

func (l *Limiter) run() {
	for {
		select {
		case <-l.ticker.C:
			l.mu.Lock()
			wasZero := l.tokens == 0
			if l.tokens < l.cap {
				l.tokens++
			}
			shouldDrain := wasZero && l.tokens > 0
			l.mu.Unlock()
			if shouldDrain {
				l.drain()
			}
		case <-l.stopCh:
			return
		}
	}
}

// Acquire blocks until a token is available or ctx is cancelled. Returns
// false if ctx was cancelled first, true once a token has been consumed.
func (l *Limiter) Acquire(ctx context.Context) bool {
	l.mu.Lock()
	if l.tokens > 0 {
		l.tokens--
		l.mu.Unlock()
		return true
	}
	ch := make(chan struct{}, 1)
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		l.removeWaiter(ch)
		return false
	}
}

func (l *Limiter) removeWaiter(target chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ch := range l.waiters {
		if ch == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// drain resolves queued waiters in FIFO order while tokens remain.
func (l *Limiter) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.waiters) > 0 && l.tokens > 0 {
		ch := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.tokens--
		ch <- struct{}{}
	}
}

// Dispose stops the refill ticker and resolves every queued waiter without
// consuming a token, so shutdown never wedges on a caller still waiting in
// Acquire. Callers that were resolved this way proceed without having
// actually secured a token — expected behavior during shutdown, per
// spec.md §9's open question on this exact point.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.ticker.Stop()
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	close(l.stopCh)
	for _, ch := range waiters {
		ch <- struct{}{}
	}
}

// Available returns the current token count, for tests and status display.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}
