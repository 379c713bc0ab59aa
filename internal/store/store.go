// Package store provides SQLite-backed persistence for pomosync: the entity
// cache, the offline mutation queue, and recorded sync conflicts.
//
// The store is the single owner of all persisted state. The sync engine reads
// and mutates records exclusively through this API, which keeps every
// operation atomic per record. All operations are local and synchronous;
// nothing here ever touches the network.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jmendes/pomosync/internal/models"
)

const schemaVersion = 1

// ErrEntityNotFound indicates the referenced entity does not exist locally.
var ErrEntityNotFound = fmt.Errorf("entity not found")

// ErrEntityDeleted indicates the entity has a pending delete and can no
// longer be mutated.
var ErrEntityDeleted = fmt.Errorf("entity is pending delete")

// ErrEntityConflicted indicates the entity has an unresolved conflict that
// must be resolved before further local edits.
var ErrEntityConflicted = fmt.Errorf("entity has an unresolved conflict")

// ErrConflictNotFound indicates no conflict is recorded for the entity.
var ErrConflictNotFound = fmt.Errorf("no conflict recorded for entity")

// ErrNoCleanSnapshot indicates a rollback was requested for an entity that
// has no clean payload snapshot to restore.
var ErrNoCleanSnapshot = fmt.Errorf("no clean snapshot to restore")

// Store provides access to the pomosync SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs schema migrations tracked via PRAGMA user_version.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		local_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		remote_id TEXT,
		payload TEXT NOT NULL,
		clean_payload TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		remote_version INTEGER NOT NULL DEFAULT 0,
		sync_state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		enqueued_at DATETIME NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		local_id TEXT PRIMARY KEY,
		remote_version INTEGER NOT NULL,
		remote_payload TEXT NOT NULL,
		remote_updated_at DATETIME NOT NULL,
		detected_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
	CREATE INDEX IF NOT EXISTS idx_entities_sync_state ON entities(sync_state);
	CREATE INDEX IF NOT EXISTS idx_entities_remote_id ON entities(remote_id);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_next_attempt ON sync_queue(next_attempt_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// --- Entity Operations ---

const entityColumns = `local_id, entity_type, remote_id, payload, version, remote_version, sync_state, created_at, updated_at`

type entityScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row entityScanner) (*models.Entity, error) {
	e := &models.Entity{}
	var remoteID sql.NullString
	var payload string

	err := row.Scan(&e.LocalID, &e.Type, &remoteID, &payload, &e.Version, &e.RemoteVersion, &e.SyncState, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		e.RemoteID = remoteID.String
	}
	e.Payload = []byte(payload)
	return e, nil
}

// CreateEntity inserts a new entity in pending-create state and enqueues the
// corresponding create mutation.
func (s *Store) CreateEntity(entityType models.EntityType, payload []byte) (*models.Entity, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	entity := &models.Entity{
		LocalID:   uuid.New().String(),
		Type:      entityType,
		Payload:   payload,
		Version:   1,
		SyncState: models.SyncStatePendingCreate,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.Exec(
		`INSERT INTO entities (local_id, entity_type, payload, version, remote_version, sync_state, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		entity.LocalID, entity.Type, string(payload), entity.Version, entity.SyncState, entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO sync_queue (local_id, entity_type, operation, enqueued_at, attempt_count, next_attempt_at) VALUES (?, ?, ?, ?, 0, ?)`,
		entity.LocalID, entity.Type, models.OperationCreate, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue create: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entity, nil
}

// UpdateEntity replaces the entity payload and bumps its version. The first
// update of a clean entity retains the old payload as the clean snapshot for
// rollback, and the pending mutation collapses into any queue entry already
// present for the entity. Updating with an identical payload is a no-op.
func (s *Store) UpdateEntity(localID string, payload []byte) (*models.Entity, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := scanEntity(tx.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}

	switch entity.SyncState {
	case models.SyncStatePendingDelete:
		return nil, ErrEntityDeleted
	case models.SyncStateConflicted:
		return nil, ErrEntityConflicted
	}

	if bytes.Equal(entity.Payload, payload) {
		return entity, nil
	}

	now := time.Now().UTC()
	entity.Version++
	entity.Payload = append([]byte(nil), payload...)
	entity.UpdatedAt = now

	if entity.SyncState == models.SyncStateClean {
		// First local edit since the last sync: snapshot the clean payload
		// and enqueue an update.
		entity.SyncState = models.SyncStatePendingUpdate
		// clean_payload = payload reads the pre-update column value.
		_, err = tx.Exec(
			`UPDATE entities SET clean_payload = payload, payload = ?, version = ?, sync_state = ?, updated_at = ? WHERE local_id = ?`,
			string(payload), entity.Version, entity.SyncState, now, localID,
		)
		if err != nil {
			return nil, fmt.Errorf("update entity: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO sync_queue (local_id, entity_type, operation, enqueued_at, attempt_count, next_attempt_at) VALUES (?, ?, ?, ?, 0, ?)`,
			localID, entity.Type, models.OperationUpdate, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("enqueue update: %w", err)
		}
	} else {
		// Already pending: the new payload rides the existing queue entry.
		// A pending create keeps its create operation and simply carries the
		// latest payload at dispatch time.
		_, err = tx.Exec(
			`UPDATE entities SET payload = ?, version = ?, updated_at = ? WHERE local_id = ?`,
			string(payload), entity.Version, now, localID,
		)
		if err != nil {
			return nil, fmt.Errorf("update entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entity, nil
}

// DeleteEntity marks the entity for remote deletion. An entity the server has
// never seen is purged outright with no remote call; otherwise the record is
// retained in pending-delete state and the delete supersedes any queued
// create or update. Deleting an already pending-delete entity is a no-op.
func (s *Store) DeleteEntity(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := scanEntity(tx.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return ErrEntityNotFound
	}
	if err != nil {
		return fmt.Errorf("query entity: %w", err)
	}

	now := time.Now().UTC()

	switch entity.SyncState {
	case models.SyncStatePendingDelete:
		return nil
	case models.SyncStatePendingCreate:
		// Never round-tripped: nothing to tell the server.
		if _, err := tx.Exec(`DELETE FROM entities WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("delete entity: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("dequeue create: %w", err)
		}
	default:
		_, err = tx.Exec(
			`UPDATE entities SET sync_state = ?, updated_at = ? WHERE local_id = ?`,
			models.SyncStatePendingDelete, now, localID,
		)
		if err != nil {
			return fmt.Errorf("update entity: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO sync_queue (local_id, entity_type, operation, enqueued_at, attempt_count, next_attempt_at) VALUES (?, ?, ?, ?, 0, ?)
			 ON CONFLICT(local_id) DO UPDATE SET operation = excluded.operation, enqueued_at = excluded.enqueued_at, attempt_count = 0, next_attempt_at = excluded.next_attempt_at`,
			localID, entity.Type, models.OperationDelete, now, now,
		)
		if err != nil {
			return fmt.Errorf("enqueue delete: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM conflicts WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("clear conflict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by local ID. Returns (nil, nil) if absent.
func (s *Store) GetEntity(localID string) (*models.Entity, error) {
	entity, err := scanEntity(s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}
	return entity, nil
}

// ListEntities returns entities of a type, optionally filtered by sync state.
func (s *Store) ListEntities(entityType models.EntityType, states ...models.SyncState) ([]models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ?`
	args := []interface{}{entityType}

	if len(states) > 0 {
		query += ` AND sync_state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, local_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}

// FindByRemoteID retrieves an entity by its server-assigned ID.
// Returns (nil, nil) if absent.
func (s *Store) FindByRemoteID(entityType models.EntityType, remoteID string) (*models.Entity, error) {
	entity, err := scanEntity(s.db.QueryRow(
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND remote_id = ?`,
		entityType, remoteID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}
	return entity, nil
}

// ImportEntity inserts an entity record verbatim, replacing any existing
// record with the same local ID. Used to restore exported records; no queue
// entry is created.
func (s *Store) ImportEntity(e *models.Entity) error {
	var remoteID interface{}
	if e.RemoteID != "" {
		remoteID = e.RemoteID
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO entities (local_id, entity_type, remote_id, payload, version, remote_version, sync_state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.Type, remoteID, string(e.Payload), e.Version, e.RemoteVersion, e.SyncState, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("import entity: %w", err)
	}
	return nil
}

// CountsBySyncState returns the number of entities in each sync state.
func (s *Store) CountsBySyncState() (map[models.SyncState]int, error) {
	rows, err := s.db.Query(`SELECT sync_state, COUNT(*) FROM entities GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncState]int)
	for rows.Next() {
		var state models.SyncState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// --- Queue Operations ---

const queueColumns = `id, local_id, entity_type, operation, enqueued_at, attempt_count, next_attempt_at`

func scanQueueEntry(row entityScanner) (*models.QueueEntry, error) {
	q := &models.QueueEntry{}
	err := row.Scan(&q.ID, &q.LocalID, &q.EntityType, &q.Operation, &q.EnqueuedAt, &q.AttemptCount, &q.NextAttemptAt)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// DueQueueEntries returns up to limit queue entries ready for dispatch at
// now, oldest first, skipping entities in the exclude list (those already
// have a dispatch in flight).
func (s *Store) DueQueueEntries(now time.Time, limit int, exclude []string) ([]models.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE next_attempt_at <= ?`
	args := []interface{}{now.UTC()}

	if len(exclude) > 0 {
		query += ` AND local_id NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// QueueEntries returns the whole queue, oldest first.
func (s *Store) QueueEntries() ([]models.QueueEntry, error) {
	rows, err := s.db.Query(`SELECT ` + queueColumns + ` FROM sync_queue ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// QueueLength returns the number of pending queue entries.
func (s *Store) QueueLength() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// RescheduleQueueEntry records a failed attempt and sets the next retry time.
// The operation guard keeps a retry from clobbering an entry that a newer
// mutation rewrote while the attempt was in flight.
func (s *Store) RescheduleQueueEntry(id int64, operation models.Operation, attemptCount int, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sync_queue SET attempt_count = ?, next_attempt_at = ? WHERE id = ? AND operation = ?`,
		attemptCount, nextAttemptAt.UTC(), id, operation,
	)
	return err
}

// RemoveQueueEntry deletes a queue entry by ID.
func (s *Store) RemoveQueueEntry(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// --- Sync Result Operations ---

// MarkSynced records a successful create or update dispatch. remoteID is the
// server-assigned ID for creates, empty for updates. dispatchedVersion and
// dispatchedPayload identify what was actually sent: if a newer local edit
// landed while the call was in flight, the entity stays pending-update and
// the queue entry is rewound for immediate re-dispatch instead of being
// dropped, so no local edit is silently lost.
func (s *Store) MarkSynced(localID, remoteID string, dispatchedVersion int64, dispatchedPayload []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := scanEntity(tx.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return ErrEntityNotFound
	}
	if err != nil {
		return fmt.Errorf("query entity: %w", err)
	}

	newRemoteVersion := entity.RemoteVersion + 1
	setRemoteID := ""
	if remoteID != "" {
		newRemoteVersion = 1
		setRemoteID = remoteID
	}

	if entity.SyncState == models.SyncStatePendingDelete {
		// A delete superseded this mutation while it was in flight. Record
		// the server's ack so the queued delete can address the record, and
		// leave the delete pending.
		if setRemoteID != "" {
			_, err = tx.Exec(`UPDATE entities SET remote_id = ?, remote_version = ? WHERE local_id = ?`, setRemoteID, newRemoteVersion, localID)
		} else {
			_, err = tx.Exec(`UPDATE entities SET remote_version = ? WHERE local_id = ?`, newRemoteVersion, localID)
		}
		if err != nil {
			return fmt.Errorf("record ack: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}

	if entity.Version == dispatchedVersion {
		if setRemoteID != "" {
			_, err = tx.Exec(
				`UPDATE entities SET remote_id = ?, remote_version = ?, sync_state = ?, clean_payload = NULL WHERE local_id = ?`,
				setRemoteID, newRemoteVersion, models.SyncStateClean, localID,
			)
		} else {
			_, err = tx.Exec(
				`UPDATE entities SET remote_version = ?, sync_state = ?, clean_payload = NULL WHERE local_id = ?`,
				newRemoteVersion, models.SyncStateClean, localID,
			)
		}
		if err != nil {
			return fmt.Errorf("mark clean: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
	} else {
		// The server now holds the dispatched payload; it becomes the clean
		// snapshot for the still-pending newer edit.
		if setRemoteID != "" {
			_, err = tx.Exec(
				`UPDATE entities SET remote_id = ?, remote_version = ?, sync_state = ?, clean_payload = ? WHERE local_id = ?`,
				setRemoteID, newRemoteVersion, models.SyncStatePendingUpdate, string(dispatchedPayload), localID,
			)
		} else {
			_, err = tx.Exec(
				`UPDATE entities SET remote_version = ?, sync_state = ?, clean_payload = ? WHERE local_id = ?`,
				newRemoteVersion, models.SyncStatePendingUpdate, string(dispatchedPayload), localID,
			)
		}
		if err != nil {
			return fmt.Errorf("mark pending update: %w", err)
		}
		now := time.Now().UTC()
		_, err = tx.Exec(
			`UPDATE sync_queue SET operation = ?, attempt_count = 0, next_attempt_at = ? WHERE local_id = ?`,
			models.OperationUpdate, now, localID,
		)
		if err != nil {
			return fmt.Errorf("rewind queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PurgeEntity removes an entity and all its bookkeeping. Used after a
// confirmed remote delete and to roll back a permanently failed create.
func (s *Store) PurgeEntity(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM entities WHERE local_id = ?`,
		`DELETE FROM sync_queue WHERE local_id = ?`,
		`DELETE FROM conflicts WHERE local_id = ?`,
	} {
		if _, err := tx.Exec(q, localID); err != nil {
			return fmt.Errorf("purge entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RollbackUpdate restores the entity to its last clean payload after a
// permanently rejected update. If a delete superseded the update while it was
// in flight, the entity is left pending-delete and nothing is rolled back.
func (s *Store) RollbackUpdate(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cleanPayload sql.NullString
	var syncState models.SyncState
	err = tx.QueryRow(`SELECT clean_payload, sync_state FROM entities WHERE local_id = ?`, localID).Scan(&cleanPayload, &syncState)
	if err == sql.ErrNoRows {
		return ErrEntityNotFound
	}
	if err != nil {
		return fmt.Errorf("query snapshot: %w", err)
	}
	if syncState == models.SyncStatePendingDelete {
		return nil
	}
	if !cleanPayload.Valid {
		return ErrNoCleanSnapshot
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`UPDATE entities SET payload = ?, clean_payload = NULL, sync_state = ?, updated_at = ? WHERE local_id = ?`,
		cleanPayload.String, models.SyncStateClean, now, localID,
	)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RollbackDelete restores a pending-delete entity to clean after the server
// permanently rejected the delete.
func (s *Store) RollbackDelete(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE entities SET sync_state = ?, clean_payload = NULL WHERE local_id = ? AND sync_state = ?`,
		models.SyncStateClean, localID, models.SyncStatePendingDelete,
	)
	if err != nil {
		return fmt.Errorf("restore entity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrEntityNotFound
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Conflict Operations ---

// MarkConflicted records a stale-version rejection: the entity enters the
// conflicted state, the server's view is stored for resolution, and the queue
// entry is dropped so the engine stops retrying. The entity's updated_at is
// left untouched; it timestamps the local edit for last-write-wins.
func (s *Store) MarkConflicted(localID string, c models.Conflict) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`UPDATE entities SET sync_state = ? WHERE local_id = ?`, models.SyncStateConflicted, localID)
	if err != nil {
		return fmt.Errorf("mark conflicted: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrEntityNotFound
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO conflicts (local_id, remote_version, remote_payload, remote_updated_at, detected_at) VALUES (?, ?, ?, ?, ?)`,
		localID, c.RemoteVersion, string(c.RemotePayload), c.RemoteUpdatedAt.UTC(), c.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetConflict retrieves the recorded conflict for an entity.
// Returns (nil, nil) if none is recorded.
func (s *Store) GetConflict(localID string) (*models.Conflict, error) {
	c := &models.Conflict{}
	var payload string
	err := s.db.QueryRow(
		`SELECT local_id, remote_version, remote_payload, remote_updated_at, detected_at FROM conflicts WHERE local_id = ?`,
		localID,
	).Scan(&c.LocalID, &c.RemoteVersion, &payload, &c.RemoteUpdatedAt, &c.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conflict: %w", err)
	}
	c.RemotePayload = []byte(payload)
	return c, nil
}

// Conflicts returns all recorded conflicts, oldest first.
func (s *Store) Conflicts() ([]models.Conflict, error) {
	rows, err := s.db.Query(`SELECT local_id, remote_version, remote_payload, remote_updated_at, detected_at FROM conflicts ORDER BY detected_at, local_id`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		var c models.Conflict
		var payload string
		if err := rows.Scan(&c.LocalID, &c.RemoteVersion, &payload, &c.RemoteUpdatedAt, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.RemotePayload = []byte(payload)
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveKeepLocal resolves a conflict in favor of the local payload: the
// entity re-enters pending-update against the server's current version and
// the update is re-enqueued for immediate dispatch.
func (s *Store) ResolveKeepLocal(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := s.conflictTx(tx, localID)
	if err != nil {
		return err
	}

	entity, err := scanEntity(tx.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return ErrEntityNotFound
	}
	if err != nil {
		return fmt.Errorf("query entity: %w", err)
	}

	now := time.Now().UTC()
	// The server's payload is the last state it acknowledged; keep it as the
	// clean snapshot in case the re-pushed update is permanently rejected.
	_, err = tx.Exec(
		`UPDATE entities SET sync_state = ?, remote_version = ?, clean_payload = ? WHERE local_id = ?`,
		models.SyncStatePendingUpdate, c.RemoteVersion, string(c.RemotePayload), localID,
	)
	if err != nil {
		return fmt.Errorf("mark pending update: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO sync_queue (local_id, entity_type, operation, enqueued_at, attempt_count, next_attempt_at) VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(local_id) DO UPDATE SET operation = excluded.operation, attempt_count = 0, next_attempt_at = excluded.next_attempt_at`,
		localID, entity.Type, models.OperationUpdate, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conflicts WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("clear conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ResolveKeepRemote resolves a conflict in favor of the server: the local
// payload is replaced by the server's and the entity returns to clean.
func (s *Store) ResolveKeepRemote(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := s.conflictTx(tx, localID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := tx.Exec(
		`UPDATE entities SET payload = ?, remote_version = ?, version = version + 1, sync_state = ?, clean_payload = NULL, updated_at = ? WHERE local_id = ?`,
		string(c.RemotePayload), c.RemoteVersion, models.SyncStateClean, now, localID,
	)
	if err != nil {
		return fmt.Errorf("adopt remote payload: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrEntityNotFound
	}

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conflicts WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("clear conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) conflictTx(tx *sql.Tx, localID string) (*models.Conflict, error) {
	c := &models.Conflict{}
	var payload string
	err := tx.QueryRow(
		`SELECT local_id, remote_version, remote_payload, remote_updated_at, detected_at FROM conflicts WHERE local_id = ?`,
		localID,
	).Scan(&c.LocalID, &c.RemoteVersion, &payload, &c.RemoteUpdatedAt, &c.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conflict: %w", err)
	}
	c.RemotePayload = []byte(payload)
	return c, nil
}

// --- Pull Refresh Operations ---

// CreateFromRemote inserts a clean local record for a server object seen for
// the first time during a pull refresh.
func (s *Store) CreateFromRemote(entityType models.EntityType, remoteID string, payload []byte, remoteVersion int64) (*models.Entity, error) {
	now := time.Now().UTC()
	entity := &models.Entity{
		LocalID:       uuid.New().String(),
		Type:          entityType,
		RemoteID:      remoteID,
		Payload:       payload,
		Version:       1,
		RemoteVersion: remoteVersion,
		SyncState:     models.SyncStateClean,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := s.db.Exec(
		`INSERT INTO entities (local_id, entity_type, remote_id, payload, version, remote_version, sync_state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.LocalID, entity.Type, entity.RemoteID, string(payload), entity.Version, entity.RemoteVersion, entity.SyncState, entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert remote entity: %w", err)
	}
	return entity, nil
}

// AdoptRemote replaces a clean entity's payload with a newer server revision.
// Entities with pending local changes or unresolved conflicts are never
// touched; the update is skipped and reported via the return value.
func (s *Store) AdoptRemote(localID string, payload []byte, remoteVersion int64) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE entities SET payload = ?, remote_version = ?, version = version + 1, updated_at = ? WHERE local_id = ? AND sync_state = ?`,
		string(payload), remoteVersion, now, localID, models.SyncStateClean,
	)
	if err != nil {
		return false, fmt.Errorf("adopt remote: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
