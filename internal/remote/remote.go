// Package remote defines the boundary to the sync API server: the client
// interface the sync engine dispatches against, and the error taxonomy that
// drives retry, rollback, and conflict handling.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmendes/pomosync/internal/models"
)

// Client is the remote API surface consumed by the sync engine. Every call
// carries a context; implementations must classify failures using the typed
// errors in this package so the engine can tell retryable from fatal.
type Client interface {
	// Create pushes a new entity and returns the server-assigned ID. The
	// idempotency key is the entity's local ID; re-sending the same create
	// after a retry must not produce a duplicate server record.
	Create(ctx context.Context, entityType models.EntityType, payload []byte, idempotencyKey string) (string, error)

	// Update replaces an entity's payload. expectedVersion is the server
	// revision the client last saw; a mismatch yields a ConflictError.
	Update(ctx context.Context, entityType models.EntityType, remoteID string, payload []byte, expectedVersion int64) error

	// Delete removes an entity. Deleting an entity the server no longer has
	// succeeds.
	Delete(ctx context.Context, entityType models.EntityType, remoteID string) error

	// List returns every server-side record of a type.
	List(ctx context.Context, entityType models.EntityType) ([]Object, error)
}

// Object is a server-side record as returned by List.
type Object struct {
	RemoteID  string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}
