// Package runner builds the pool.Runner that drives one scheduled slot
// end to end: dial the board, load persona memory, run the session
// loop, extract, persist. Grounded on the teacher's Daemon.acceptLoop
// handing a raw net.Conn off to per-connection setup, generalized here
// to own the telnet dial and memory lifecycle the teacher's SSH daemon
// never needed.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskline/boardfleet/internal/agentsession"
	"github.com/duskline/boardfleet/internal/llmclient"
	"github.com/duskline/boardfleet/internal/memory"
	"github.com/duskline/boardfleet/internal/pool"
	"github.com/duskline/boardfleet/internal/ratelimit"
	"github.com/duskline/boardfleet/internal/scheduler"
	"github.com/duskline/boardfleet/internal/telnet"
	"github.com/duskline/boardfleet/internal/termbuf"
)

const (
	defaultIdleTimeoutMS = 1500
	graceTimeout         = 300 * time.Millisecond
	connectWait          = 10 * time.Second
)

// Options carries the knobs shared by every session the runner launches.
type Options struct {
	Host           string
	Port           int
	MaxTurns       int
	SessionMinutes int
	IdleTimeoutMS  int
	KeystrokeMinMs int
	KeystrokeMaxMs int
	Model          string
}

// New builds a pool.Runner over the given store/llm/limiter/logger,
// parameterized by opts. mirror, if non-nil, is invoked with the
// session's termbuf.Buffer once a connection succeeds, letting a
// console.Mirror attach to a live screen without the runner importing
// the console package. onRawEvent, if non-nil, receives every raw
// agentsession.Event alongside the pool's own projection — the hook a
// caller uses to wire structured logging without the pool importing
// agentsession itself.
func New(store *memory.Store, llm llmclient.Completer, limiter *ratelimit.Limiter, log *logrus.Logger, opts Options, mirror func(*termbuf.Buffer), onRawEvent func(agentsession.Event)) pool.Runner {
	return func(ctx context.Context, slot scheduler.Slot, onConnected func(), onEvent func(pool.Event)) error {
		host := opts.Host
		entry := log.WithFields(logrus.Fields{"persona": slot.Handle, "host": host})

		lock, err := store.Lock(host, slot.Handle)
		if err != nil {
			return fmt.Errorf("lock memory for %s/%s: %w", host, slot.Handle, err)
		}
		defer lock.Unlock()

		mem, err := store.Load(host, slot.Handle)
		if err != nil {
			return fmt.Errorf("load memory for %s/%s: %w", host, slot.Handle, err)
		}

		idleTimeoutMS := opts.IdleTimeoutMS
		if idleTimeoutMS <= 0 {
			idleTimeoutMS = defaultIdleTimeoutMS
		}
		conn := telnet.New(host, opts.Port)
		buf := termbuf.New(time.Duration(idleTimeoutMS)*time.Millisecond, graceTimeout)
		conn.OnData = buf.Feed

		connectCtx, cancel := context.WithTimeout(ctx, connectWait)
		err = conn.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect to %s: %w", host, err)
		}
		onConnected()
		if mirror != nil {
			mirror(buf)
		}
		defer conn.Disconnect()

		cfg := agentsession.Config{
			Host:           host,
			MaxTurns:       opts.MaxTurns,
			SessionMinutes: opts.SessionMinutes,
			KeystrokeMinMs: opts.KeystrokeMinMs,
			KeystrokeMaxMs: opts.KeystrokeMaxMs,
			Model:          opts.Model,
		}

		sess := agentsession.New(conn, buf, slot.Persona, store, mem, llm, limiter, cfg, entry, fanOutEvent(onEvent, onRawEvent))
		sess.Run(ctx)
		return nil
	}
}

// adaptEvent maps an agentsession.Event onto the pool's narrower Info
// update shape, matching the projection the pool actually tracks.
func adaptEvent(onEvent func(pool.Event)) func(agentsession.Event) {
	return func(ev agentsession.Event) {
		pe := pool.Event{TurnCount: ev.Turn}
		switch ev.Kind {
		case agentsession.EventTurnScreen, agentsession.EventTurnMore, agentsession.EventTurnStuck:
			pe.Screen = ev.Text
		case agentsession.EventTurnAction:
			if ev.Action != nil {
				pe.LastAction = ev.Action.Kind.String()
			}
		case agentsession.EventMemoryExtracting:
			pe.Extracting = true
		}
		onEvent(pe)
	}
}

// fanOutEvent composes the pool's Info projection with an optional raw
// subscriber (e.g. structured logging), in that order: for each event the
// pool's Info update is delivered first and the raw subscriber second.
func fanOutEvent(onEvent func(pool.Event), onRawEvent func(agentsession.Event)) func(agentsession.Event) {
	adapted := adaptEvent(onEvent)
	return func(ev agentsession.Event) {
		adapted(ev)
		if onRawEvent != nil {
			onRawEvent(ev)
		}
	}
}
