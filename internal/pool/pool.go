// Package pool runs scheduled sessions under a bounded-concurrency FIFO
// queue, per spec.md §4.10. The actual stream/session construction is
// injected as a Runner so the pool itself stays decoupled from telnet
// and LLM concerns — the same "inject collaborators, don't reach into
// process-wide state" shape spec.md §9 calls for, grounded on how the
// teacher's Daemon.acceptLoop hands each accepted connection off to a
// goroutine without owning its protocol logic.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duskline/boardfleet/internal/scheduler"
	"github.com/duskline/boardfleet/internal/simclock"
)

// Status is a session's lifecycle stage as tracked by the pool.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusExtracting Status = "extracting"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Info is the pool's view of one session, updated as events arrive.
type Info struct {
	ID            string
	Handle        string
	Status        Status
	TurnCount     int
	CurrentScreen string
	LastAction    string
	StartedAt     time.Time
	EndedAt       time.Time
}

// Event carries an incremental update from a running session into the
// pool's Info tracking. Extracting is set true exactly on the
// memory:extracting transition.
type Event struct {
	TurnCount   int
	Screen      string
	LastAction  string
	Extracting  bool
}

// Runner drives one scheduled session end to end: connect, run the
// session loop, extract memory. It must call onConnected exactly once,
// the moment the stream connection succeeds (a failure to connect
// should return an error without ever calling onConnected). It should
// call onEvent as the session produces turns, and must return promptly
// once ctx is cancelled.
type Runner func(ctx context.Context, slot scheduler.Slot, onConnected func(), onEvent func(Event)) error

// Pool is the bounded-concurrency FIFO session runner.
type Pool struct {
	maxConcurrent int
	runner        Runner
	clock         *simclock.Clock
	onInfo        func(Info)

	mu                 sync.Mutex
	queue              []scheduler.Slot
	pendingConnections int
	connecting         map[string]*Info
	active             map[string]*Info
	cancels            map[string]context.CancelFunc
	wg                 sync.WaitGroup
}

// New creates a Pool with the given concurrency cap. onInfo, if
// non-nil, is called with a snapshot of a session's Info on every
// status/event update; it must never block (mirrors the event-emitter
// rule applied to every other event source in this codebase).
func New(maxConcurrent int, runner Runner, clock *simclock.Clock, onInfo func(Info)) *Pool {
	return &Pool{
		maxConcurrent: maxConcurrent,
		runner:        runner,
		clock:         clock,
		onInfo:        onInfo,
		connecting:    map[string]*Info{},
		active:        map[string]*Info{},
		cancels:       map[string]context.CancelFunc{},
	}
}

// Enqueue appends a scheduled slot to the FIFO queue and attempts to
// start it immediately if capacity allows.
func (p *Pool) Enqueue(slot scheduler.Slot) {
	p.mu.Lock()
	p.queue = append(p.queue, slot)
	p.mu.Unlock()
	p.tryStartNext()
}

// ActiveCount returns the number of sessions past connect and running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// PendingConnections returns the number of sessions mid-connect.
func (p *Pool) PendingConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingConnections
}

// QueueLen returns the number of slots not yet started.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) emit(info Info) {
	if p.onInfo != nil {
		p.onInfo(info)
	}
}

// tryStartNext pops queued slots and launches them while capacity
// allows, maintaining the property active.size + pending_connections
// <= max_concurrent at every observation.
func (p *Pool) tryStartNext() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 || len(p.active)+p.pendingConnections >= p.maxConcurrent {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.pendingConnections++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.startSession(next)
	}
}

func sessionID(slot scheduler.Slot) string {
	return fmt.Sprintf("%s@%s", slot.Handle, slot.Due.Format(time.RFC3339Nano))
}

func (p *Pool) startSession(slot scheduler.Slot) {
	defer p.wg.Done()

	id := sessionID(slot)
	info := &Info{ID: id, Handle: slot.Handle, Status: StatusConnecting, StartedAt: time.Now()}

	p.mu.Lock()
	p.connecting[id] = info
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[id] = cancel
	p.mu.Unlock()
	p.emit(*info)

	onConnected := func() {
		p.mu.Lock()
		p.pendingConnections--
		delete(p.connecting, id)
		info.Status = StatusActive
		p.active[id] = info
		snap := *info
		p.mu.Unlock()
		if p.clock != nil {
			p.clock.SessionStarted()
		}
		p.emit(snap)
	}

	onEvent := func(ev Event) {
		p.mu.Lock()
		if ev.TurnCount > 0 {
			info.TurnCount = ev.TurnCount
		}
		if ev.Screen != "" {
			info.CurrentScreen = ev.Screen
		}
		if ev.LastAction != "" {
			info.LastAction = ev.LastAction
		}
		if ev.Extracting {
			info.Status = StatusExtracting
		}
		snap := *info
		p.mu.Unlock()
		p.emit(snap)
	}

	err := p.runner(ctx, slot, onConnected, onEvent)

	p.mu.Lock()
	_, wasActive := p.active[id]
	delete(p.active, id)
	if !wasActive {
		p.pendingConnections--
		delete(p.connecting, id)
	}
	delete(p.cancels, id)
	p.mu.Unlock()

	if wasActive && p.clock != nil {
		p.clock.SessionEnded()
	}

	info.EndedAt = time.Now()
	if err != nil {
		info.Status = StatusError
	} else {
		info.Status = StatusDone
	}
	p.emit(*info)

	p.tryStartNext()
}

// Shutdown signals every running session to stop, polls for drain every
// 500ms up to timeout, then returns — any stragglers past the deadline
// are abandoned, matching spec.md §7's shutdown-timeout policy.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.queue = nil
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		remaining := len(p.active) + len(p.connecting)
		p.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// Wait blocks until every launched session goroutine has returned. Used
// by tests; production shutdown should prefer Shutdown with a timeout.
func (p *Pool) Wait() {
	p.wg.Wait()
}
