// Package sync implements the optimistic sync engine. Mutations are applied
// to the local store first and queued; a worker pool dispatches queued
// mutations to the remote API, retrying transient failures with exponential
// backoff, rolling back permanent rejections, and parking version conflicts
// for resolution.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/remote"
	"github.com/jmendes/pomosync/internal/store"
)

// Config defines the sync engine configuration.
type Config struct {
	// Workers is the maximum number of concurrent dispatches.
	Workers int
	// PollInterval is how often the queue is checked for due entries.
	PollInterval time.Duration
	// RequestTimeout bounds each remote call.
	RequestTimeout time.Duration
	// BackoffBase is the retry delay after the first failed attempt.
	BackoffBase time.Duration
	// BackoffCap is the upper bound on the retry delay.
	BackoffCap time.Duration
	// ConflictWindow is how long a conflict may sit unresolved before
	// last-write-wins resolution is applied automatically. Zero disables
	// automatic resolution.
	ConflictWindow time.Duration
}

// DefaultConfig returns the default sync engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:        4,
		PollInterval:   1 * time.Second,
		RequestTimeout: 10 * time.Second,
		BackoffBase:    1 * time.Second,
		BackoffCap:     60 * time.Second,
		ConflictWindow: 5 * time.Minute,
	}
}

// Engine owns the dispatch loop and the mutation API. All local mutations go
// through the engine so the queue is woken as soon as there is work.
type Engine struct {
	store  *store.Store
	client remote.Client
	config *Config
	logger *slog.Logger
	now    func() time.Time

	mu            stdsync.Mutex
	online        bool
	activeWorkers int
	inflight      map[string]bool
	subscribers   []chan Event
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
	wake   chan struct{}
}

// New creates a sync engine. The engine starts offline; the host reports
// connectivity through SetOnline.
func New(s *store.Store, client remote.Client, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:    s,
		client:   client,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the background dispatch loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.dispatchLoop()
	e.logger.Info("sync engine started", "workers", e.config.Workers)
}

// Stop cancels in-flight dispatches and waits for workers to exit. Queued
// mutations stay in the store and are picked up on the next start.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.closeSubscribers()
	e.logger.Info("sync engine stopped")
}

// Subscribe registers a listener for sync events. Slow subscribers drop
// events rather than block the engine; size the buffer accordingly.
func (e *Engine) Subscribe(buffer int) <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, buffer)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// SetOnline reports connectivity as observed by the host. Coming online
// wakes the dispatch loop so the queue drains immediately.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if !changed {
		return
	}
	if online {
		e.logger.Info("connectivity restored, draining queue")
		e.wakeLoop()
	} else {
		e.logger.Info("connectivity lost, holding queued mutations")
	}
}

// Online reports the last connectivity state set by the host.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// --- Mutation API ---
//
// Mutations return as soon as the local write lands; dispatch to the server
// happens in the background.

// CreateEntity applies a create locally and queues it for dispatch.
func (e *Engine) CreateEntity(entityType models.EntityType, payload []byte) (*models.Entity, error) {
	entity, err := e.store.CreateEntity(entityType, payload)
	if err != nil {
		return nil, err
	}
	e.wakeLoop()
	return entity, nil
}

// UpdateEntity applies an update locally and queues it for dispatch. Repeated
// updates while offline collapse into a single queued mutation.
func (e *Engine) UpdateEntity(localID string, payload []byte) (*models.Entity, error) {
	entity, err := e.store.UpdateEntity(localID, payload)
	if err != nil {
		return nil, err
	}
	e.wakeLoop()
	return entity, nil
}

// DeleteEntity applies a delete locally and queues it for dispatch. An entity
// the server has never seen is removed outright with no remote call.
func (e *Engine) DeleteEntity(localID string) error {
	if err := e.store.DeleteEntity(localID); err != nil {
		return err
	}
	e.wakeLoop()
	return nil
}

// ResolveConflict settles a conflicted entity. Keeping local re-queues the
// local payload as an update against the server's current version; keeping
// remote adopts the server payload and discards the local edit.
func (e *Engine) ResolveConflict(localID string, resolution Resolution) error {
	entity, err := e.store.GetEntity(localID)
	if err != nil {
		return err
	}
	if entity == nil {
		return store.ErrEntityNotFound
	}

	switch resolution {
	case ResolutionKeepLocal:
		err = e.store.ResolveKeepLocal(localID)
	case ResolutionKeepRemote:
		err = e.store.ResolveKeepRemote(localID)
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return err
	}

	e.emit(Event{Type: EventConflictResolved, LocalID: localID, EntityType: entity.Type, Resolution: resolution, At: e.now()})
	if resolution == ResolutionKeepLocal {
		e.wakeLoop()
	}
	return nil
}

// RefreshResult summarizes a pull from the server.
type RefreshResult struct {
	// Imported counts records created locally.
	Imported int
	// Adopted counts clean records updated to the server's copy.
	Adopted int
	// Skipped counts records left untouched because local changes are
	// pending on them.
	Skipped int
}

// Refresh pulls the server's records and folds them into the local store.
// Clean entities adopt newer server copies; entities with pending local
// mutations or open conflicts are left for the dispatch path to settle.
func (e *Engine) Refresh(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult
	for _, entityType := range models.EntityTypes {
		objects, err := e.client.List(ctx, entityType)
		if err != nil {
			return result, fmt.Errorf("list %ss: %w", entityType, err)
		}
		for _, obj := range objects {
			entity, err := e.store.FindByRemoteID(entityType, obj.RemoteID)
			if err != nil {
				return result, err
			}
			if entity == nil {
				if _, err := e.store.CreateFromRemote(entityType, obj.RemoteID, obj.Payload, obj.Version); err != nil {
					return result, fmt.Errorf("import %s %s: %w", entityType, obj.RemoteID, err)
				}
				result.Imported++
				continue
			}
			if obj.Version <= entity.RemoteVersion {
				continue
			}
			adopted, err := e.store.AdoptRemote(entity.LocalID, obj.Payload, obj.Version)
			if err != nil {
				return result, fmt.Errorf("adopt %s %s: %w", entityType, obj.RemoteID, err)
			}
			if adopted {
				result.Adopted++
			} else {
				result.Skipped++
			}
		}
	}
	return result, nil
}

// Flush synchronously dispatches queue entries until nothing is due or ctx is
// done. Entries waiting out a backoff delay are not waited for. One-shot
// commands use it to drain the queue without running the background loop; it
// does not consult the online flag, so attempting while unreachable costs
// each due entry one failed attempt.
func (e *Engine) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := e.store.DueQueueEntries(e.now(), e.config.Workers, e.inflightIDs())
		if err != nil {
			return fmt.Errorf("poll queue: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			if !e.claim(entry.LocalID) {
				continue
			}
			e.processEntry(entry)
			e.release(entry.LocalID)
		}
	}
}

// --- Dispatch Loop ---

// dispatchLoop polls for due queue entries and hands them to workers.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
			e.pollAndDispatch()
		case <-ticker.C:
			e.resolveExpiredConflicts()
			e.pollAndDispatch()
		}
	}
}

// pollAndDispatch claims due queue entries up to the worker limit and starts
// a dispatch for each. At most one dispatch runs per entity at a time; later
// mutations on an entity wait for the in-flight one to settle.
func (e *Engine) pollAndDispatch() {
	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return
	}
	capacity := e.config.Workers - e.activeWorkers
	exclude := make([]string, 0, len(e.inflight))
	for localID := range e.inflight {
		exclude = append(exclude, localID)
	}
	e.mu.Unlock()

	if capacity <= 0 {
		return
	}

	entries, err := e.store.DueQueueEntries(e.now(), capacity, exclude)
	if err != nil {
		e.logger.Error("poll queue", "error", err)
		return
	}

	for _, entry := range entries {
		e.mu.Lock()
		if e.activeWorkers >= e.config.Workers || e.inflight[entry.LocalID] {
			e.mu.Unlock()
			continue
		}
		e.activeWorkers++
		e.inflight[entry.LocalID] = true
		e.mu.Unlock()

		e.wg.Add(1)
		go e.runDispatch(entry)
	}
}

func (e *Engine) runDispatch(entry models.QueueEntry) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.activeWorkers--
		delete(e.inflight, entry.LocalID)
		e.mu.Unlock()
	}()
	e.processEntry(entry)
}

// processEntry performs one remote call for a queue entry and records the
// outcome.
func (e *Engine) processEntry(entry models.QueueEntry) {
	entity, err := e.store.GetEntity(entry.LocalID)
	if err != nil {
		e.logger.Error("load entity for dispatch", "local_id", entry.LocalID, "error", err)
		return
	}
	if entity == nil {
		// Purged after the entry was claimed; drop the orphaned entry.
		if err := e.store.RemoveQueueEntry(entry.ID); err != nil {
			e.logger.Error("drop orphaned queue entry", "local_id", entry.LocalID, "error", err)
		}
		return
	}
	if entity.SyncState == models.SyncStateConflicted {
		// Resolution owns the entity until the user or the LWW fallback
		// settles it.
		return
	}

	// Capture exactly what is sent; a local edit racing the call is detected
	// against these when the result is recorded.
	dispatchedVersion := entity.Version
	dispatchedPayload := entity.Payload

	ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
	defer cancel()

	remoteID := ""
	var callErr error
	switch entry.Operation {
	case models.OperationCreate:
		// The local ID doubles as the idempotency key: retries of the same
		// create carry the same key and the server dedupes them.
		remoteID, callErr = e.client.Create(ctx, entity.Type, dispatchedPayload, entity.LocalID)
	case models.OperationUpdate:
		callErr = e.client.Update(ctx, entity.Type, entity.RemoteID, dispatchedPayload, entity.RemoteVersion)
	case models.OperationDelete:
		callErr = e.client.Delete(ctx, entity.Type, entity.RemoteID)
	default:
		e.logger.Error("unknown queue operation", "local_id", entry.LocalID, "operation", entry.Operation)
		return
	}

	if conflict, ok := remote.AsConflict(callErr); ok {
		e.handleConflict(entry, conflict)
		return
	}
	if callErr == nil {
		e.handleSuccess(entry, remoteID, dispatchedVersion, dispatchedPayload)
		return
	}
	if remote.IsTransient(callErr) {
		e.handleTransient(entry, callErr)
		return
	}
	e.handlePermanent(entry, callErr)
}

func (e *Engine) handleSuccess(entry models.QueueEntry, remoteID string, dispatchedVersion int64, dispatchedPayload []byte) {
	switch entry.Operation {
	case models.OperationDelete:
		if err := e.store.PurgeEntity(entry.LocalID); err != nil {
			e.logger.Error("purge after remote delete", "local_id", entry.LocalID, "error", err)
			return
		}
	default:
		err := e.store.MarkSynced(entry.LocalID, remoteID, dispatchedVersion, dispatchedPayload)
		if errors.Is(err, store.ErrEntityNotFound) && entry.Operation == models.OperationCreate {
			e.deleteOrphanedCreate(entry, remoteID)
			return
		}
		if err != nil {
			e.logger.Error("record sync result", "local_id", entry.LocalID, "error", err)
			return
		}
	}

	e.logger.Debug("mutation synced", "local_id", entry.LocalID, "operation", entry.Operation)
	e.emit(Event{Type: EventMutationSynced, LocalID: entry.LocalID, EntityType: entry.EntityType, Operation: entry.Operation, At: e.now()})
}

// deleteOrphanedCreate removes a record the server accepted after the local
// entity was already purged, so the two sides don't drift apart.
func (e *Engine) deleteOrphanedCreate(entry models.QueueEntry, remoteID string) {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
	defer cancel()

	if err := e.client.Delete(ctx, entry.EntityType, remoteID); err != nil {
		e.logger.Error("delete orphaned create", "remote_id", remoteID, "error", err)
		return
	}
	e.logger.Info("deleted orphaned create", "local_id", entry.LocalID, "remote_id", remoteID)
}

func (e *Engine) handleTransient(entry models.QueueEntry, callErr error) {
	attempts := entry.AttemptCount + 1
	delay := backoffDelay(e.config.BackoffBase, e.config.BackoffCap, attempts)
	if err := e.store.RescheduleQueueEntry(entry.ID, entry.Operation, attempts, e.now().Add(delay)); err != nil {
		e.logger.Error("reschedule mutation", "local_id", entry.LocalID, "error", err)
		return
	}
	e.logger.Warn("mutation attempt failed, will retry",
		"local_id", entry.LocalID,
		"operation", entry.Operation,
		"attempt", attempts,
		"retry_in", delay.Round(time.Millisecond),
		"error", callErr)
}

func (e *Engine) handlePermanent(entry models.QueueEntry, callErr error) {
	var rollbackErr error
	switch entry.Operation {
	case models.OperationCreate:
		rollbackErr = e.store.PurgeEntity(entry.LocalID)
	case models.OperationUpdate:
		rollbackErr = e.store.RollbackUpdate(entry.LocalID)
	case models.OperationDelete:
		rollbackErr = e.store.RollbackDelete(entry.LocalID)
	}
	if rollbackErr != nil {
		e.logger.Error("roll back rejected mutation",
			"local_id", entry.LocalID, "operation", entry.Operation, "error", rollbackErr)
		return
	}

	e.logger.Warn("mutation permanently rejected, rolled back",
		"local_id", entry.LocalID, "operation", entry.Operation, "error", callErr)
	e.emit(Event{Type: EventMutationFailed, LocalID: entry.LocalID, EntityType: entry.EntityType, Operation: entry.Operation, Err: callErr, At: e.now()})
}

func (e *Engine) handleConflict(entry models.QueueEntry, conflict *remote.ConflictError) {
	c := models.Conflict{
		LocalID:         entry.LocalID,
		RemoteVersion:   conflict.RemoteVersion,
		RemotePayload:   conflict.RemotePayload,
		RemoteUpdatedAt: conflict.RemoteUpdatedAt,
		DetectedAt:      e.now(),
	}
	if err := e.store.MarkConflicted(entry.LocalID, c); err != nil {
		e.logger.Error("record conflict", "local_id", entry.LocalID, "error", err)
		return
	}

	e.logger.Warn("conflict detected", "local_id", entry.LocalID, "remote_version", conflict.RemoteVersion)
	e.emit(Event{Type: EventConflictDetected, LocalID: entry.LocalID, EntityType: entry.EntityType, Operation: entry.Operation, At: e.now()})
}

// resolveExpiredConflicts applies last-write-wins to conflicts that have
// waited out the resolution window: whichever side wrote latest survives.
func (e *Engine) resolveExpiredConflicts() {
	if e.config.ConflictWindow <= 0 {
		return
	}
	conflicts, err := e.store.Conflicts()
	if err != nil {
		e.logger.Error("list conflicts", "error", err)
		return
	}

	now := e.now()
	for _, c := range conflicts {
		if now.Sub(c.DetectedAt) < e.config.ConflictWindow {
			continue
		}
		entity, err := e.store.GetEntity(c.LocalID)
		if err != nil {
			e.logger.Error("load conflicted entity", "local_id", c.LocalID, "error", err)
			continue
		}
		if entity == nil {
			continue
		}

		resolution := ResolutionKeepRemote
		if entity.UpdatedAt.After(c.RemoteUpdatedAt) {
			resolution = ResolutionKeepLocal
		}
		if err := e.ResolveConflict(c.LocalID, resolution); err != nil {
			e.logger.Error("auto-resolve conflict", "local_id", c.LocalID, "error", err)
			continue
		}
		e.logger.Info("conflict auto-resolved by last write", "local_id", c.LocalID, "resolution", resolution)
	}
}

// --- Helpers ---

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) claim(localID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[localID] {
		return false
	}
	e.inflight[localID] = true
	return true
}

func (e *Engine) release(localID string) {
	e.mu.Lock()
	delete(e.inflight, localID)
	e.mu.Unlock()
}

func (e *Engine) inflightIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}
