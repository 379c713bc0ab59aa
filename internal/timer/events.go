package timer

import "time"

// Phase represents the current segment of the pomodoro cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWork       Phase = "work"
	PhaseShortBreak Phase = "short_break"
	PhaseLongBreak  Phase = "long_break"
	PhasePaused     Phase = "paused"
)

// EventType defines the type of timer event.
type EventType string

const (
	EventStateChange    EventType = "state_change"
	EventPhaseCompleted EventType = "phase_completed"
	EventPhaseSkipped   EventType = "phase_skipped"
)

// Event represents a timer update for observers. For completions and skips,
// Phase is the phase that ended and Next the phase entered; for state changes
// Phase is the phase entered.
type Event struct {
	Type       EventType
	Phase      Phase
	Next       Phase
	CycleCount int
	Planned    time.Duration
	// Elapsed is the time actually spent in the ended phase. For a completed
	// phase it equals Planned; for a skipped phase it is the wall-clock time
	// spent before the skip.
	Elapsed time.Duration
	At      time.Time
}
