// Package scheduler turns each persona's weighted active-hours windows
// into a concrete day plan of session start times, then runs a loop that
// emits one due session at a time against the simulation clock. The
// pause/resume wake-up shares the closed-channel broadcast idiom used
// by internal/simclock, grounded on the teacher's Agent.StateChanged.
package scheduler

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/duskline/boardfleet/internal/persona"
	"github.com/duskline/boardfleet/internal/simclock"
)

// Slot is one planned session: a persona due to start at a simulated
// time.
type Slot struct {
	Handle  string
	Persona *persona.Persona
	Due     time.Time
}

// dayKey identifies a calendar day for replan detection.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// GenerateDayPlan builds the full cross-persona plan for the calendar
// day containing `day`, applying weighted window allocation, jitter,
// and min-gap enforcement exactly per spec.md §4.9. jitter is injected
// so tests can make placement deterministic; pass nil in production to
// use math/rand via the default source.
func GenerateDayPlan(personas []*persona.Persona, day time.Time, jitter func(maxAbs int) int) []Slot {
	if jitter == nil {
		jitter = func(maxAbs int) int {
			if maxAbs <= 0 {
				return 0
			}
			return rand.Intn(2*maxAbs+1) - maxAbs
		}
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())

	var all []Slot
	for _, p := range personas {
		if p.Schedule == nil {
			continue
		}
		if len(p.Schedule.ActiveDays) > 0 && !containsInt(p.Schedule.ActiveDays, int(day.Weekday())) {
			continue
		}
		slots := personaDaySlots(p, midnight, jitter)
		all = append(all, slots...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Due.Before(all[j].Due) })
	enforceMinGapAcrossPersonas(all, personas)
	sort.Slice(all, func(i, j int) bool { return all[i].Due.Before(all[j].Due) })
	return all
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// personaDaySlots computes one persona's slots for the day, sorted and
// with that persona's own min_gap_minutes enforced (cross-persona
// enforcement happens afterward in the merged plan).
func personaDaySlots(p *persona.Persona, midnight time.Time, jitter func(int) int) []Slot {
	sched := p.Schedule
	type window struct {
		startMin, endMin int
		weight           float64
	}

	windows := make([]window, 0, len(sched.ActiveHours))
	totalWeighted := 0.0
	for _, w := range sched.ActiveHours {
		startMin := w.Start * 60
		endMin := w.End * 60
		if endMin <= startMin {
			endMin += 24 * 60 // wrap past midnight
		}
		windows = append(windows, window{startMin: startMin, endMin: endMin, weight: w.Weight})
		totalWeighted += float64(endMin-startMin) * w.Weight
	}
	if totalWeighted <= 0 || len(windows) == 0 {
		return nil
	}

	allocs := make([]int, len(windows))
	allocated := 0
	for i, w := range windows {
		windowMinutes := w.endMin - w.startMin
		n := int(math.Round(float64(sched.SessionsPerDay) * (float64(windowMinutes) * w.weight / totalWeighted)))
		remaining := sched.SessionsPerDay - allocated
		if n > remaining {
			n = remaining
		}
		allocs[i] = n
		allocated += n
	}
	if leftover := sched.SessionsPerDay - allocated; leftover > 0 && len(allocs) > 0 {
		allocs[len(allocs)-1] += leftover
	}

	var slots []Slot
	for i, w := range windows {
		n := allocs[i]
		if n <= 0 {
			continue
		}
		windowMinutes := w.endMin - w.startMin
		gap := windowMinutes / (n + 1)
		for slot := 1; slot <= n; slot++ {
			minute := w.startMin + gap*slot
			minute += jitter(sched.JitterMinutes)
			minute = clampInt(minute, w.startMin, w.endMin)
			slots = append(slots, Slot{
				Handle:  p.Handle,
				Persona: p,
				Due:     midnight.Add(time.Duration(minute) * time.Minute),
			})
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Due.Before(slots[j].Due) })
	enforceMinGap(slots, time.Duration(sched.MinGapMinutes)*time.Minute)
	return slots
}

// enforceMinGap walks slots left to right, pushing any slot that starts
// less than minGap after its predecessor forward to exactly
// prev+minGap.
func enforceMinGap(slots []Slot, minGap time.Duration) {
	for i := 1; i < len(slots); i++ {
		floor := slots[i-1].Due.Add(minGap)
		if slots[i].Due.Before(floor) {
			slots[i].Due = floor
		}
	}
}

// enforceMinGapAcrossPersonas applies the merged-plan min-gap pass: each
// slot is pushed to at least its predecessor plus the larger of the two
// slots' personas' min_gap_minutes (a conservative choice: no single
// persona's minimum is violated).
func enforceMinGapAcrossPersonas(all []Slot, personas []*persona.Persona) {
	gaps := map[string]time.Duration{}
	for _, p := range personas {
		if p.Schedule != nil {
			gaps[p.Handle] = time.Duration(p.Schedule.MinGapMinutes) * time.Minute
		}
	}
	for i := 1; i < len(all); i++ {
		g := gaps[all[i].Handle]
		if prevGap := gaps[all[i-1].Handle]; prevGap > g {
			g = prevGap
		}
		floor := all[i-1].Due.Add(g)
		if all[i].Due.Before(floor) {
			all[i].Due = floor
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Scheduler runs the day-plan / due-session loop described in
// spec.md §4.9 against a simulation clock.
type Scheduler struct {
	clock    *simclock.Clock
	personas []*persona.Persona

	dueCh chan Slot

	mu              sync.Mutex
	plan            []Slot
	lastPlanKey     string
	lastSessionTime map[string]time.Time
	paused          bool
	resumeCh        chan struct{}
}

// New creates a Scheduler over the given personas, driven by clock.
func New(clock *simclock.Clock, personas []*persona.Persona) *Scheduler {
	return &Scheduler{
		clock:           clock,
		personas:        personas,
		dueCh:           make(chan Slot),
		lastSessionTime: map[string]time.Time{},
		resumeCh:        make(chan struct{}),
	}
}

// Due returns the channel on which due sessions are emitted.
func (s *Scheduler) Due() <-chan Slot { return s.dueCh }

// Pause halts plan emission until Resume is called.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume wakes a paused Run loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	ch := s.resumeCh
	s.resumeCh = make(chan struct{})
	close(ch)
}

func (s *Scheduler) waitForResume(stop <-chan struct{}) bool {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return true
		}
		ch := s.resumeCh
		s.mu.Unlock()
		select {
		case <-ch:
			continue
		case <-stop:
			return false
		}
	}
}

// Run drives the scheduler loop until stop is closed. It regenerates
// the day plan on each new sim-calendar-day, finds the next due slot,
// waits for it via the clock, and emits it on Due().
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		if !s.waitForResume(stop) {
			return
		}

		now := s.clock.Now()
		key := dayKey(now)
		s.mu.Lock()
		if key != s.lastPlanKey {
			s.plan = GenerateDayPlan(s.personas, now, nil)
			s.lastPlanKey = key
		}
		next, idx := s.nextSlotLocked(now)
		s.mu.Unlock()

		if idx < 0 {
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
			if !s.clock.WaitUntil(midnight, stop) {
				return
			}
			continue
		}

		if !s.clock.WaitUntil(next.Due, stop) {
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		s.mu.Lock()
		s.lastSessionTime[next.Handle] = next.Due
		s.plan = append(s.plan[:idx], s.plan[idx+1:]...)
		s.mu.Unlock()

		select {
		case s.dueCh <- next:
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) nextSlotLocked(now time.Time) (Slot, int) {
	for i, slot := range s.plan {
		if !slot.Due.Before(now) {
			return slot, i
		}
	}
	return Slot{}, -1
}
