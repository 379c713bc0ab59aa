// Package timer implements the pomodoro phase state machine.
//
// The engine is host-driven: it owns no goroutine or ticker. The host calls
// Tick about once per second, and all remaining-time arithmetic is derived
// from a wall-clock Clock rather than an incrementing counter, so the engine
// stays accurate no matter how long the process was suspended between ticks.
package timer

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidConfig indicates a non-positive duration or interval.
var ErrInvalidConfig = errors.New("invalid timer durations")

// ErrNotIdle indicates Start was called while a cycle is in progress.
var ErrNotIdle = errors.New("timer already running")

// ErrNotRunning indicates the operation requires an active phase.
var ErrNotRunning = errors.New("no active phase")

// ErrNotPaused indicates Resume was called while not paused.
var ErrNotPaused = errors.New("timer is not paused")

// Clock supplies the current time. The engine never reads time.Now directly,
// so tests can drive it with a fake clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Durations configures one pomodoro cycle.
type Durations struct {
	Work       time.Duration
	ShortBreak time.Duration
	LongBreak  time.Duration
	// LongBreakInterval is the number of completed work phases between long
	// breaks.
	LongBreakInterval int
}

func (d Durations) validate() error {
	if d.Work <= 0 || d.ShortBreak <= 0 || d.LongBreak <= 0 || d.LongBreakInterval < 1 {
		return ErrInvalidConfig
	}
	return nil
}

// forPhase returns the planned duration of a phase.
func (d Durations) forPhase(p Phase) time.Duration {
	switch p {
	case PhaseWork:
		return d.Work
	case PhaseShortBreak:
		return d.ShortBreak
	case PhaseLongBreak:
		return d.LongBreak
	}
	return 0
}

// Snapshot is a read-only view of the engine state.
type Snapshot struct {
	Phase      Phase
	Planned    time.Duration
	Remaining  time.Duration
	CycleCount int
}

// Engine is the pomodoro state machine.
type Engine struct {
	mu sync.Mutex

	clock     Clock
	durations Durations

	phase       Phase
	pausedPhase Phase

	planned        time.Duration
	startedAt      time.Time
	resumedAt      time.Time
	elapsedAtPause time.Duration
	cycleCount     int

	events []chan Event
	closed bool
}

// New creates an idle engine. A nil clock defaults to the system clock.
func New(clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{clock: clock, phase: PhaseIdle}
}

// Subscribe registers a new observer channel. Events are delivered
// best-effort: a full channel drops the event rather than blocking the
// engine.
func (e *Engine) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	e.mu.Lock()
	e.events = append(e.events, ch)
	e.mu.Unlock()
	return ch
}

// Close closes all observer channels. The engine is unusable afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	events := e.events
	e.events = nil
	e.mu.Unlock()

	for _, ch := range events {
		close(ch)
	}
}

// Start begins a new cycle in the Work phase. The engine must be Idle.
func (e *Engine) Start(d Durations) error {
	if err := d.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseIdle {
		return ErrNotIdle
	}

	now := e.clock.Now()
	e.durations = d
	e.phase = PhaseWork
	e.planned = d.Work
	e.startedAt = now
	e.resumedAt = now
	e.elapsedAtPause = 0
	e.cycleCount = 0

	e.emitLocked(Event{Type: EventStateChange, Phase: PhaseWork, Planned: e.planned, At: now})
	return nil
}

// Pause freezes the current phase, remembering it for Resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.activeLocked() {
		return ErrNotRunning
	}

	now := e.clock.Now()
	e.elapsedAtPause += now.Sub(e.resumedAt)
	e.pausedPhase = e.phase
	e.phase = PhasePaused

	e.emitLocked(Event{Type: EventStateChange, Phase: PhasePaused, At: now})
	return nil
}

// Resume returns to the phase that was active before Pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhasePaused {
		return ErrNotPaused
	}

	now := e.clock.Now()
	e.phase = e.pausedPhase
	e.resumedAt = now

	e.emitLocked(Event{Type: EventStateChange, Phase: e.phase, Planned: e.planned, At: now})
	return nil
}

// Skip ends the current phase immediately and advances per the cycle rule.
// A skipped work phase still counts toward the long-break cadence, but it is
// announced as skipped, not completed, so observers can account it as an
// incomplete pomodoro.
func (e *Engine) Skip() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.activeLocked() {
		return ErrNotRunning
	}

	now := e.clock.Now()
	elapsed := e.elapsedAtPause + now.Sub(e.resumedAt)
	if elapsed > e.planned {
		elapsed = e.planned
	}

	ended := e.phase
	endedPlanned := e.planned
	next := e.advanceLocked(ended, now)

	e.emitLocked(Event{
		Type:       EventPhaseSkipped,
		Phase:      ended,
		Next:       next,
		CycleCount: e.cycleCount,
		Planned:    endedPlanned,
		Elapsed:    elapsed,
		At:         now,
	})
	e.emitLocked(Event{Type: EventStateChange, Phase: next, Planned: e.planned, At: now})
	return nil
}

// Stop resets the engine to Idle unconditionally.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == PhaseIdle {
		return
	}

	now := e.clock.Now()
	e.phase = PhaseIdle
	e.planned = 0
	e.elapsedAtPause = 0
	e.cycleCount = 0

	e.emitLocked(Event{Type: EventStateChange, Phase: PhaseIdle, At: now})
}

// Tick recomputes remaining time and fires any elapsed phase transitions.
// A tick that arrives while another tick is still in progress is a no-op.
func (e *Engine) Tick() {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()
	e.drainLocked(e.clock.Now())
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Snapshot returns the current state with remaining time computed lazily.
// It never fires transitions; an expired phase reads as zero remaining until
// the next Tick advances it.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Phase:      e.phase,
		Planned:    e.planned,
		Remaining:  e.remainingLocked(e.clock.Now()),
		CycleCount: e.cycleCount,
	}
}

func (e *Engine) activeLocked() bool {
	switch e.phase {
	case PhaseWork, PhaseShortBreak, PhaseLongBreak:
		return true
	}
	return false
}

func (e *Engine) remainingLocked(now time.Time) time.Duration {
	var elapsed time.Duration
	switch e.phase {
	case PhaseIdle:
		return 0
	case PhasePaused:
		elapsed = e.elapsedAtPause
	default:
		elapsed = e.elapsedAtPause + now.Sub(e.resumedAt)
	}
	remaining := e.planned - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// drainLocked fires every phase completion that has elapsed by now. Each
// completed phase hands its deadline to the next phase as the logical start
// time, so a single tick after a long suspension lands the engine in exactly
// the phase it would have reached had it run continuously.
func (e *Engine) drainLocked(now time.Time) {
	for e.activeLocked() {
		elapsed := e.elapsedAtPause + now.Sub(e.resumedAt)
		over := elapsed - e.planned
		if over < 0 {
			return
		}

		completedAt := now.Add(-over)
		ended := e.phase
		endedPlanned := e.planned
		next := e.advanceLocked(ended, completedAt)

		e.emitLocked(Event{
			Type:       EventPhaseCompleted,
			Phase:      ended,
			Next:       next,
			CycleCount: e.cycleCount,
			Planned:    endedPlanned,
			Elapsed:    endedPlanned,
			At:         completedAt,
		})
		e.emitLocked(Event{Type: EventStateChange, Phase: next, Planned: e.planned, At: completedAt})
	}
}

// advanceLocked moves the engine into the phase that follows ended, starting
// it at the given time, and returns the new phase. A work phase bumps the
// cycle count first so the long-break cadence holds.
func (e *Engine) advanceLocked(ended Phase, at time.Time) Phase {
	var next Phase
	if ended == PhaseWork {
		e.cycleCount++
		if e.cycleCount%e.durations.LongBreakInterval == 0 {
			next = PhaseLongBreak
		} else {
			next = PhaseShortBreak
		}
	} else {
		next = PhaseWork
	}

	e.phase = next
	e.planned = e.durations.forPhase(next)
	e.startedAt = at
	e.resumedAt = at
	e.elapsedAtPause = 0
	return next
}

func (e *Engine) emitLocked(event Event) {
	for _, ch := range e.events {
		select {
		case ch <- event:
		default:
		}
	}
}
