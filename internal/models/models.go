// Package models defines the core domain types for pomosync.
package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies the kind of record being synced.
type EntityType string

const (
	EntityTypeTask    EntityType = "task"
	EntityTypeProject EntityType = "project"
	EntityTypeSession EntityType = "session"
)

// EntityTypes lists every syncable entity type.
var EntityTypes = []EntityType{EntityTypeTask, EntityTypeProject, EntityTypeSession}

// SyncState represents where an entity stands relative to the server.
type SyncState string

const (
	SyncStateClean         SyncState = "clean"
	SyncStatePendingCreate SyncState = "pending_create"
	SyncStatePendingUpdate SyncState = "pending_update"
	SyncStatePendingDelete SyncState = "pending_delete"
	SyncStateConflicted    SyncState = "conflicted"
)

// Operation is the kind of mutation carried by a queue entry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Entity is the sync envelope around a payload. The payload itself is opaque
// to the sync layer; it is moved atomically and versioned as a unit.
type Entity struct {
	LocalID   string          `json:"local_id"`
	Type      EntityType      `json:"type"`
	RemoteID  string          `json:"remote_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	// RemoteVersion is the server revision last acknowledged for this record.
	RemoteVersion int64     `json:"remote_version"`
	SyncState     SyncState `json:"sync_state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// QueueEntry is one pending mutation in the offline queue. The queue holds at
// most one entry per entity; later mutations collapse into it.
type QueueEntry struct {
	ID            int64      `json:"id"`
	LocalID       string     `json:"local_id"`
	EntityType    EntityType `json:"entity_type"`
	Operation     Operation  `json:"operation"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
}

// Conflict records the server's view of an entity whose update was rejected
// as stale, pending resolution.
type Conflict struct {
	LocalID         string          `json:"local_id"`
	RemoteVersion   int64           `json:"remote_version"`
	RemotePayload   json.RawMessage `json:"remote_payload"`
	RemoteUpdatedAt time.Time       `json:"remote_updated_at"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// Task is the payload shape for task entities.
type Task struct {
	Title              string `json:"title"`
	Notes              string `json:"notes,omitempty"`
	ProjectID          string `json:"project_id,omitempty"`
	CompletedPomodoros int    `json:"completed_pomodoros"`
	Done               bool   `json:"done"`
}

// Project is the payload shape for project entities.
type Project struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// SessionKind distinguishes work sessions from breaks.
type SessionKind string

const (
	SessionKindWork       SessionKind = "work"
	SessionKindShortBreak SessionKind = "short_break"
	SessionKindLongBreak  SessionKind = "long_break"
)

// PomodoroSession is the payload shape for one recorded pomodoro phase.
type PomodoroSession struct {
	TaskID     string      `json:"task_id"`
	Kind       SessionKind `json:"kind"`
	PlannedSec int         `json:"planned_sec"`
	ActualSec  int         `json:"actual_sec"`
	Completed  bool        `json:"completed"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
}
