package timer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testDurations() Durations {
	return Durations{
		Work:              25 * time.Minute,
		ShortBreak:        5 * time.Minute,
		LongBreak:         15 * time.Minute,
		LongBreakInterval: 4,
	}
}

// drainEvents reads every buffered event without blocking.
func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestStartValidation(t *testing.T) {
	e := New(newFakeClock())

	bad := []Durations{
		{Work: 0, ShortBreak: time.Minute, LongBreak: time.Minute, LongBreakInterval: 4},
		{Work: time.Minute, ShortBreak: -time.Second, LongBreak: time.Minute, LongBreakInterval: 4},
		{Work: time.Minute, ShortBreak: time.Minute, LongBreak: 0, LongBreakInterval: 4},
		{Work: time.Minute, ShortBreak: time.Minute, LongBreak: time.Minute, LongBreakInterval: 0},
	}
	for i, d := range bad {
		if err := e.Start(d); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}

	if err := e.Start(testDurations()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := e.Phase(); got != PhaseWork {
		t.Errorf("expected work phase, got %s", got)
	}

	if err := e.Start(testDurations()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("expected ErrNotIdle on second start, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)

	if err := e.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning pausing idle engine, got %v", err)
	}

	if err := e.Start(testDurations()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("expected ErrNotPaused resuming running engine, got %v", err)
	}

	clock.Advance(10 * time.Minute)
	if err := e.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if got := e.Phase(); got != PhasePaused {
		t.Errorf("expected paused phase, got %s", got)
	}

	// Time passing while paused must not consume the phase.
	clock.Advance(2 * time.Hour)
	if got := e.Snapshot().Remaining; got != 15*time.Minute {
		t.Errorf("expected 15m remaining while paused, got %s", got)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := e.Phase(); got != PhaseWork {
		t.Errorf("expected work phase after resume, got %s", got)
	}

	clock.Advance(5 * time.Minute)
	if got := e.Snapshot().Remaining; got != 10*time.Minute {
		t.Errorf("expected 10m remaining after resume, got %s", got)
	}
}

func TestPauseResumeNoTimeLeak(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	if err := e.Start(testDurations()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(3 * time.Minute)
	before := e.Snapshot().Remaining

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := e.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if got := e.Snapshot().Remaining; got != before {
		t.Errorf("pause/resume leaked time: before %s, after %s", before, got)
	}
}

func TestCycleRule(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	d := testDurations()
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Two full rounds: breaks 1-3 short, break 4 long, and again.
	for cycle := 1; cycle <= 8; cycle++ {
		clock.Advance(d.Work)
		e.Tick()

		want := PhaseShortBreak
		breakDur := d.ShortBreak
		if cycle%d.LongBreakInterval == 0 {
			want = PhaseLongBreak
			breakDur = d.LongBreak
		}
		if got := e.Phase(); got != want {
			t.Fatalf("after work %d: expected %s, got %s", cycle, want, got)
		}
		if got := e.Snapshot().CycleCount; got != cycle {
			t.Fatalf("after work %d: expected cycle count %d, got %d", cycle, cycle, got)
		}

		clock.Advance(breakDur)
		e.Tick()
		if got := e.Phase(); got != PhaseWork {
			t.Fatalf("after break %d: expected work, got %s", cycle, got)
		}
	}
}

func TestDrainAfterSuspension(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	events := e.Subscribe(32)
	d := testDurations()
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	drainEvents(events)

	// Suspend for 65 minutes: work(25) + short(5) + work(25) + short(5)
	// have all elapsed, leaving the engine 5 minutes into the third work
	// phase.
	clock.Advance(65 * time.Minute)
	e.Tick()

	if got := e.Phase(); got != PhaseWork {
		t.Fatalf("expected work phase after drain, got %s", got)
	}
	snap := e.Snapshot()
	if snap.CycleCount != 2 {
		t.Errorf("expected cycle count 2, got %d", snap.CycleCount)
	}
	if snap.Remaining != 20*time.Minute {
		t.Errorf("expected 20m remaining, got %s", snap.Remaining)
	}

	var completed []Event
	for _, ev := range drainEvents(events) {
		if ev.Type == EventPhaseCompleted {
			completed = append(completed, ev)
		}
	}
	wantPhases := []Phase{PhaseWork, PhaseShortBreak, PhaseWork, PhaseShortBreak}
	if len(completed) != len(wantPhases) {
		t.Fatalf("expected %d completions, got %d", len(wantPhases), len(completed))
	}
	start := clock.Now().Add(-65 * time.Minute)
	wantAt := []time.Time{
		start.Add(25 * time.Minute),
		start.Add(30 * time.Minute),
		start.Add(55 * time.Minute),
		start.Add(60 * time.Minute),
	}
	for i, ev := range completed {
		if ev.Phase != wantPhases[i] {
			t.Errorf("completion %d: expected phase %s, got %s", i, wantPhases[i], ev.Phase)
		}
		if !ev.At.Equal(wantAt[i]) {
			t.Errorf("completion %d: expected deadline %s, got %s", i, wantAt[i], ev.At)
		}
	}
}

func TestDrainAcrossPause(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	d := testDurations()
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Pause 10 minutes in, wait an hour, resume: only 10 minutes of the
	// phase are consumed.
	clock.Advance(10 * time.Minute)
	if err := e.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	clock.Advance(time.Hour)
	if err := e.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// The remaining 15 minutes plus the 5-minute break elapse unobserved.
	clock.Advance(20 * time.Minute)
	e.Tick()

	if got := e.Phase(); got != PhaseWork {
		t.Fatalf("expected second work phase, got %s", got)
	}
	snap := e.Snapshot()
	if snap.CycleCount != 1 {
		t.Errorf("expected cycle count 1, got %d", snap.CycleCount)
	}
	if snap.Remaining != d.Work {
		t.Errorf("expected full work duration remaining, got %s", snap.Remaining)
	}
}

func TestSkipWork(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	events := e.Subscribe(8)
	d := testDurations()
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	drainEvents(events)

	clock.Advance(10 * time.Minute)
	if err := e.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}

	if got := e.Phase(); got != PhaseShortBreak {
		t.Errorf("expected short break after skip, got %s", got)
	}
	if got := e.Snapshot().CycleCount; got != 1 {
		t.Errorf("skip should advance cycle count, got %d", got)
	}

	var skipped *Event
	for _, ev := range drainEvents(events) {
		if ev.Type == EventPhaseSkipped {
			ev := ev
			skipped = &ev
		} else if ev.Type == EventPhaseCompleted {
			t.Errorf("skip must not emit a completion event")
		}
	}
	if skipped == nil {
		t.Fatal("expected a PhaseSkipped event")
	}
	if skipped.Phase != PhaseWork {
		t.Errorf("expected skipped phase work, got %s", skipped.Phase)
	}
	if skipped.Elapsed != 10*time.Minute {
		t.Errorf("expected 10m elapsed in skip event, got %s", skipped.Elapsed)
	}
	if skipped.Planned != d.Work {
		t.Errorf("expected planned %s in skip event, got %s", d.Work, skipped.Planned)
	}
}

func TestSkipCadence(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	d := testDurations()
	d.LongBreakInterval = 1
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// With interval 1 every work phase is followed by a long break, even a
	// skipped one.
	if err := e.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if got := e.Phase(); got != PhaseLongBreak {
		t.Errorf("expected long break after skipped work, got %s", got)
	}

	// Skipping a break returns to work without touching the cycle count.
	if err := e.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if got := e.Phase(); got != PhaseWork {
		t.Errorf("expected work after skipped break, got %s", got)
	}
	if got := e.Snapshot().CycleCount; got != 1 {
		t.Errorf("skipping a break must not change cycle count, got %d", got)
	}
}

func TestSkipRequiresActivePhase(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)

	if err := e.Skip(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning skipping idle engine, got %v", err)
	}

	if err := e.Start(testDurations()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := e.Skip(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning skipping paused engine, got %v", err)
	}
}

func TestStopResets(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	if err := e.Start(testDurations()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(10 * time.Minute)

	e.Stop()
	if got := e.Phase(); got != PhaseIdle {
		t.Errorf("expected idle after stop, got %s", got)
	}
	snap := e.Snapshot()
	if snap.Remaining != 0 || snap.CycleCount != 0 {
		t.Errorf("expected zeroed snapshot after stop, got %+v", snap)
	}

	// Stopping twice is harmless and the engine restarts cleanly.
	e.Stop()
	if err := e.Start(testDurations()); err != nil {
		t.Fatalf("restart after stop failed: %v", err)
	}
}

func TestSnapshotDoesNotTransition(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	d := testDurations()
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(d.Work + time.Minute)

	snap := e.Snapshot()
	if snap.Phase != PhaseWork {
		t.Errorf("snapshot must not advance phases, got %s", snap.Phase)
	}
	if snap.Remaining != 0 {
		t.Errorf("expected remaining clamped to 0, got %s", snap.Remaining)
	}

	e.Tick()
	if got := e.Phase(); got != PhaseShortBreak {
		t.Errorf("expected tick to advance into short break, got %s", got)
	}
}

func TestSubscriberBackpressure(t *testing.T) {
	clock := newFakeClock()
	e := New(clock)
	// Buffer of one: most events are dropped, but the engine must never
	// block on a slow observer.
	e.Subscribe(1)
	d := testDurations()
	if err := e.Start(d); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(4 * time.Hour)
	done := make(chan struct{})
	go func() {
		e.Tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Tick blocked on a full subscriber channel")
	}
}
