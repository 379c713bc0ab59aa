package sync

import (
	"time"

	"github.com/jmendes/pomosync/internal/models"
)

// EventType identifies a sync engine event.
type EventType string

const (
	// EventMutationSynced fires when the server acknowledges a queued
	// mutation.
	EventMutationSynced EventType = "mutation_synced"
	// EventMutationFailed fires when the server permanently rejects a
	// mutation and the local change is rolled back.
	EventMutationFailed EventType = "mutation_failed"
	// EventConflictDetected fires when the server rejects an update as stale.
	EventConflictDetected EventType = "conflict_detected"
	// EventConflictResolved fires when a conflict is settled, manually or by
	// the last-write-wins fallback.
	EventConflictResolved EventType = "conflict_resolved"
)

// Resolution selects which side wins when settling a conflict.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
)

// Event describes one sync outcome.
type Event struct {
	Type       EventType
	LocalID    string
	EntityType models.EntityType
	Operation  models.Operation
	// Resolution is set on EventConflictResolved.
	Resolution Resolution
	// Err is set on EventMutationFailed.
	Err error
	At  time.Time
}
