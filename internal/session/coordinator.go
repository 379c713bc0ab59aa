// Package session glues the pomodoro timer to the sync layer: phase outcomes
// become task updates and session records, applied local-first and synced in
// the background.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/store"
	syncengine "github.com/jmendes/pomosync/internal/sync"
	"github.com/jmendes/pomosync/internal/timer"
)

// ErrSessionActive indicates a session is already running on this device.
var ErrSessionActive = errors.New("a session is already active")

// Coordinator owns the timer engine and translates its events into
// mutations. One work session runs at a time, bound to a single task; the
// binding survives breaks, so every work phase of the cycle credits the same
// task until the session is stopped.
type Coordinator struct {
	timer     *timer.Engine
	engine    *syncengine.Engine
	store     *store.Store
	durations timer.Durations
	logger    *slog.Logger

	mu     sync.Mutex
	taskID string

	events <-chan timer.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a coordinator around a timer engine. The subscription is taken
// immediately so no event is missed between construction and Start.
func New(t *timer.Engine, engine *syncengine.Engine, s *store.Store, d timer.Durations, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		timer:     t,
		engine:    engine,
		store:     s,
		durations: d,
		logger:    logger,
		events:    t.Subscribe(64),
		done:      make(chan struct{}),
	}
}

// Start begins consuming timer events.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close stops the event loop. The timer itself is left untouched.
func (c *Coordinator) Close() {
	close(c.done)
	c.wg.Wait()
}

// StartTask begins a work session bound to a task. Fails with
// ErrSessionActive if the timer is anywhere but idle.
func (c *Coordinator) StartTask(taskID string) error {
	entity, err := c.store.GetEntity(taskID)
	if err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("task %s: %w", taskID, store.ErrEntityNotFound)
	}
	if entity.Type != models.EntityTypeTask {
		return fmt.Errorf("entity %s is a %s, not a task", taskID, entity.Type)
	}
	if entity.SyncState == models.SyncStatePendingDelete {
		return fmt.Errorf("task %s: %w", taskID, store.ErrEntityDeleted)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.timer.Start(c.durations); err != nil {
		if errors.Is(err, timer.ErrNotIdle) {
			return ErrSessionActive
		}
		return err
	}
	c.taskID = taskID
	c.logger.Info("session started", "task", taskID, "work", c.durations.Work)
	return nil
}

// StopSession abandons the running session and returns the timer to idle.
// Already-recorded sessions are unaffected; the in-progress phase is
// discarded without a record.
func (c *Coordinator) StopSession() {
	c.timer.Stop()
	c.mu.Lock()
	c.taskID = ""
	c.mu.Unlock()
}

// Pause freezes the current phase.
func (c *Coordinator) Pause() error { return c.timer.Pause() }

// Resume continues a paused phase.
func (c *Coordinator) Resume() error { return c.timer.Resume() }

// Skip ends the current phase early. A skipped work phase is recorded as an
// incomplete pomodoro and does not credit the task.
func (c *Coordinator) Skip() error { return c.timer.Skip() }

// Tick drives the timer. The host calls it about once per second.
func (c *Coordinator) Tick() { c.timer.Tick() }

// Snapshot reports the timer state.
func (c *Coordinator) Snapshot() timer.Snapshot { return c.timer.Snapshot() }

// ActiveTask returns the local ID of the task bound to the running session,
// or empty when no session is active.
func (c *Coordinator) ActiveTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// handleEvent records work phase outcomes. Breaks and pause/resume generate
// no sync traffic.
func (c *Coordinator) handleEvent(ev timer.Event) {
	switch ev.Type {
	case timer.EventPhaseCompleted:
		if ev.Phase == timer.PhaseWork {
			c.recordWork(ev, true)
		}
	case timer.EventPhaseSkipped:
		if ev.Phase == timer.PhaseWork {
			c.recordWork(ev, false)
		}
	}
}

// recordWork credits the bound task for a completed pomodoro and records the
// session. Skipped pomodoros are recorded with their actual duration but do
// not credit the task.
func (c *Coordinator) recordWork(ev timer.Event, completed bool) {
	c.mu.Lock()
	taskID := c.taskID
	c.mu.Unlock()
	if taskID == "" {
		return
	}

	if completed {
		if err := c.creditTask(taskID); err != nil {
			c.logger.Error("credit task", "task", taskID, "error", err)
		}
	}

	record := models.PomodoroSession{
		TaskID:     taskID,
		Kind:       models.SessionKindWork,
		PlannedSec: int(ev.Planned / time.Second),
		ActualSec:  int(ev.Elapsed / time.Second),
		Completed:  completed,
		StartedAt:  ev.At.Add(-ev.Elapsed).UTC(),
		EndedAt:    ev.At.UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		c.logger.Error("encode session record", "error", err)
		return
	}
	if _, err := c.engine.CreateEntity(models.EntityTypeSession, payload); err != nil {
		c.logger.Error("record session", "task", taskID, "error", err)
		return
	}
	c.logger.Info("pomodoro recorded",
		"task", taskID, "completed", completed, "actual_sec", record.ActualSec, "cycle", ev.CycleCount)
}

func (c *Coordinator) creditTask(taskID string) error {
	entity, err := c.store.GetEntity(taskID)
	if err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("task %s: %w", taskID, store.ErrEntityNotFound)
	}

	var task models.Task
	if err := json.Unmarshal(entity.Payload, &task); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	task.CompletedPomodoros++
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	_, err = c.engine.UpdateEntity(taskID, payload)
	return err
}
