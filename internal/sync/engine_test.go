package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/remote"
	"github.com/jmendes/pomosync/internal/store"
)

// fakeRemote is a scripted Client. Error fields apply to every call of that
// operation until cleared.
type fakeRemote struct {
	mu stdsync.Mutex

	createErr error
	updateErr error
	deleteErr error

	createCalls int
	updateCalls int
	deleteCalls int

	lastCreateKey       string
	lastUpdateRemoteID  string
	lastUpdatePayload   []byte
	lastExpectedVersion int64

	objects map[models.EntityType][]remote.Object

	// onCreate runs during a create call, before the response is returned.
	onCreate func()
}

func (f *fakeRemote) Create(ctx context.Context, entityType models.EntityType, payload []byte, idempotencyKey string) (string, error) {
	f.mu.Lock()
	f.createCalls++
	n := f.createCalls
	f.lastCreateKey = idempotencyKey
	hook := f.onCreate
	err := f.createErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("srv-%d", n), nil
}

func (f *fakeRemote) Update(ctx context.Context, entityType models.EntityType, remoteID string, payload []byte, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	f.lastUpdateRemoteID = remoteID
	f.lastUpdatePayload = append([]byte(nil), payload...)
	f.lastExpectedVersion = expectedVersion
	return f.updateErr
}

func (f *fakeRemote) Delete(ctx context.Context, entityType models.EntityType, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeRemote) List(ctx context.Context, entityType models.EntityType) ([]remote.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[entityType], nil
}

func (f *fakeRemote) counts() (creates, updates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.updateCalls, f.deleteCalls
}

type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestEngine builds an engine over an in-memory store with a controllable
// clock. The clock starts an hour ahead of real time so entries the store
// stamps with the wall clock are already due.
func newTestEngine(t *testing.T, client remote.Client) (*Engine, *store.Store, *fakeClock) {
	t.Helper()
	s, err := store.NewMemory()
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond

	clk := &fakeClock{now: time.Now().UTC().Add(time.Hour)}
	e := New(s, client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = clk.Now
	t.Cleanup(e.Stop)
	return e, s, clk
}

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

func hasEvent(events []Event, eventType EventType, localID string) bool {
	for _, ev := range events {
		if ev.Type == eventType && ev.LocalID == localID {
			return true
		}
	}
	return false
}

// seedSynced creates an entity and flushes it through a successful create.
func seedSynced(t *testing.T, e *Engine, s *store.Store) *models.Entity {
	t.Helper()
	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":"seeded"}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got, err := s.GetEntity(entity.LocalID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.SyncState != models.SyncStateClean {
		t.Fatalf("Seed entity not clean after flush: %s", got.SyncState)
	}
	return got
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateSyncsOnFlush(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	events := e.Subscribe(16)

	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":"a"}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateClean {
		t.Errorf("Expected clean after flush, got %s", got.SyncState)
	}
	if got.RemoteID == "" {
		t.Error("Expected a remote ID after create synced")
	}
	if fake.lastCreateKey != entity.LocalID {
		t.Errorf("Idempotency key = %q, want local ID %q", fake.lastCreateKey, entity.LocalID)
	}
	if !hasEvent(drainEvents(events), EventMutationSynced, entity.LocalID) {
		t.Error("Expected a mutation_synced event")
	}
}

func TestQueueDrainsOnReconnect(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	e.now = time.Now // the live loop schedules against the wall clock
	e.Start()

	var locals []string
	for i := 0; i < 3; i++ {
		entity, err := e.CreateEntity(models.EntityTypeTask, []byte(fmt.Sprintf(`{"title":"t%d"}`, i)))
		if err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}
		locals = append(locals, entity.LocalID)
	}

	// Offline: nothing may reach the server.
	time.Sleep(50 * time.Millisecond)
	if creates, _, _ := fake.counts(); creates != 0 {
		t.Fatalf("Expected no dispatches while offline, got %d", creates)
	}
	n, _ := s.QueueLength()
	if n != 3 {
		t.Fatalf("Expected 3 queued mutations, got %d", n)
	}

	e.SetOnline(true)
	waitFor(t, 2*time.Second, func() bool {
		n, err := s.QueueLength()
		return err == nil && n == 0
	}, "queue did not drain after reconnect")

	for _, localID := range locals {
		got, _ := s.GetEntity(localID)
		if got.SyncState != models.SyncStateClean || got.RemoteID == "" {
			t.Errorf("Entity %s not synced after drain: state=%s remote=%q", localID, got.SyncState, got.RemoteID)
		}
	}
	if creates, _, _ := fake.counts(); creates != 3 {
		t.Errorf("Expected 3 creates, got %d", creates)
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	fake := &fakeRemote{createErr: &remote.TransientError{Err: errors.New("connection refused")}}
	e, s, clk := newTestEngine(t, fake)

	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":"a"}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStatePendingCreate {
		t.Errorf("Entity must stay pending after transient failure, got %s", got.SyncState)
	}
	entries, _ := s.QueueEntries()
	if len(entries) != 1 || entries[0].AttemptCount != 1 {
		t.Fatalf("Expected 1 entry with attempt count 1, got %+v", entries)
	}
	if !entries[0].NextAttemptAt.After(clk.Now()) {
		t.Error("Expected the retry to be scheduled in the future")
	}

	// Not due yet: flushing again must not hit the server.
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if creates, _, _ := fake.counts(); creates != 1 {
		t.Errorf("Expected no retry before the backoff elapses, got %d calls", creates)
	}

	clk.Advance(2 * time.Second)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if creates, _, _ := fake.counts(); creates != 2 {
		t.Errorf("Expected a retry after the backoff elapsed, got %d calls", creates)
	}
}

func TestPermanentCreateFailureRollsBack(t *testing.T) {
	fake := &fakeRemote{createErr: &remote.PermanentError{Status: 422, Err: errors.New("title required")}}
	e, s, _ := newTestEngine(t, fake)
	events := e.Subscribe(16)

	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":""}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, _ := s.GetEntity(entity.LocalID)
	if got != nil {
		t.Errorf("Rejected create must be removed locally, got %+v", got)
	}
	n, _ := s.QueueLength()
	if n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	evs := drainEvents(events)
	if !hasEvent(evs, EventMutationFailed, entity.LocalID) {
		t.Error("Expected a mutation_failed event")
	}
	for _, ev := range evs {
		if ev.Type == EventMutationFailed && ev.Err == nil {
			t.Error("mutation_failed event must carry the rejection error")
		}
	}
}

func TestPermanentUpdateRollsBackToClean(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	entity := seedSynced(t, e, s)

	if _, err := e.UpdateEntity(entity.LocalID, []byte(`{"title":"rejected edit"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	fake.updateErr = &remote.PermanentError{Status: 400, Err: errors.New("bad payload")}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateClean {
		t.Errorf("Expected clean after rollback, got %s", got.SyncState)
	}
	if string(got.Payload) != `{"title":"seeded"}` {
		t.Errorf("Expected the last synced payload restored, got %s", got.Payload)
	}
}

func TestDeleteDispatchesAndPurges(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	entity := seedSynced(t, e, s)

	if err := e.DeleteEntity(entity.LocalID); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if _, _, deletes := fake.counts(); deletes != 1 {
		t.Errorf("Expected 1 delete call, got %d", deletes)
	}
	got, _ := s.GetEntity(entity.LocalID)
	if got != nil {
		t.Errorf("Expected entity purged after remote delete, got %+v", got)
	}
}

func TestDeleteNeverSyncedSkipsRemote(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)

	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":"fleeting"}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if err := e.DeleteEntity(entity.LocalID); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	creates, _, deletes := fake.counts()
	if creates != 0 || deletes != 0 {
		t.Errorf("Expected no remote calls, got creates=%d deletes=%d", creates, deletes)
	}
	got, _ := s.GetEntity(entity.LocalID)
	if got != nil {
		t.Errorf("Expected entity gone, got %+v", got)
	}
}

func TestConflictParksEntity(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	events := e.Subscribe(16)
	entity := seedSynced(t, e, s)

	if _, err := e.UpdateEntity(entity.LocalID, []byte(`{"title":"local edit"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	fake.updateErr = &remote.ConflictError{
		RemoteVersion:   5,
		RemotePayload:   []byte(`{"title":"server edit"}`),
		RemoteUpdatedAt: time.Now().UTC(),
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateConflicted {
		t.Fatalf("Expected conflicted, got %s", got.SyncState)
	}
	if string(got.Payload) != `{"title":"local edit"}` {
		t.Errorf("Conflict must never overwrite the local payload, got %s", got.Payload)
	}
	conflict, _ := s.GetConflict(entity.LocalID)
	if conflict == nil || conflict.RemoteVersion != 5 {
		t.Fatalf("Expected recorded conflict at remote version 5, got %+v", conflict)
	}
	n, _ := s.QueueLength()
	if n != 0 {
		t.Errorf("Conflicted entity must not keep retrying, queue length %d", n)
	}
	if !hasEvent(drainEvents(events), EventConflictDetected, entity.LocalID) {
		t.Error("Expected a conflict_detected event")
	}

	if _, err := e.UpdateEntity(entity.LocalID, []byte(`{"title":"another"}`)); !errors.Is(err, store.ErrEntityConflicted) {
		t.Errorf("Expected ErrEntityConflicted for edits while conflicted, got %v", err)
	}
}

func TestResolveConflictKeepLocal(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	entity := seedSynced(t, e, s)

	if _, err := e.UpdateEntity(entity.LocalID, []byte(`{"title":"local edit"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	fake.updateErr = &remote.ConflictError{
		RemoteVersion:   5,
		RemotePayload:   []byte(`{"title":"server edit"}`),
		RemoteUpdatedAt: time.Now().UTC(),
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	fake.updateErr = nil
	if err := e.ResolveConflict(entity.LocalID, ResolutionKeepLocal); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if fake.lastExpectedVersion != 5 {
		t.Errorf("Re-pushed update must target the server's version, got %d", fake.lastExpectedVersion)
	}
	if string(fake.lastUpdatePayload) != `{"title":"local edit"}` {
		t.Errorf("Expected the local payload re-pushed, got %s", fake.lastUpdatePayload)
	}
	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateClean {
		t.Errorf("Expected clean after re-push, got %s", got.SyncState)
	}
	if string(got.Payload) != `{"title":"local edit"}` {
		t.Errorf("Expected local payload kept, got %s", got.Payload)
	}
}

func TestResolveConflictKeepRemote(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	entity := seedSynced(t, e, s)

	if _, err := e.UpdateEntity(entity.LocalID, []byte(`{"title":"local edit"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	fake.updateErr = &remote.ConflictError{
		RemoteVersion:   5,
		RemotePayload:   []byte(`{"title":"server edit"}`),
		RemoteUpdatedAt: time.Now().UTC(),
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := e.ResolveConflict(entity.LocalID, ResolutionKeepRemote); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateClean {
		t.Errorf("Expected clean after adopting remote, got %s", got.SyncState)
	}
	if string(got.Payload) != `{"title":"server edit"}` {
		t.Errorf("Expected server payload adopted, got %s", got.Payload)
	}
	if got.RemoteVersion != 5 {
		t.Errorf("Expected remote version 5, got %d", got.RemoteVersion)
	}
	n, _ := s.QueueLength()
	if n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestConflictAutoResolvesByLastWrite(t *testing.T) {
	fake := &fakeRemote{}
	e, s, clk := newTestEngine(t, fake)
	events := e.Subscribe(16)

	// Local side is newer: local wins.
	older := seedSynced(t, e, s)
	if _, err := e.UpdateEntity(older.LocalID, []byte(`{"title":"newer local"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	fake.updateErr = &remote.ConflictError{
		RemoteVersion:   5,
		RemotePayload:   []byte(`{"title":"older server"}`),
		RemoteUpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Server side is newer: server wins.
	fake.updateErr = nil
	newer := seedSynced(t, e, s)
	if _, err := e.UpdateEntity(newer.LocalID, []byte(`{"title":"older local"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	fake.updateErr = &remote.ConflictError{
		RemoteVersion:   8,
		RemotePayload:   []byte(`{"title":"newer server"}`),
		RemoteUpdatedAt: time.Now().UTC().Add(time.Hour),
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Within the window nothing moves.
	e.resolveExpiredConflicts()
	conflicts, _ := s.Conflicts()
	if len(conflicts) != 2 {
		t.Fatalf("Expected both conflicts still open, got %d", len(conflicts))
	}

	clk.Advance(e.config.ConflictWindow + time.Second)
	e.resolveExpiredConflicts()

	gotOlder, _ := s.GetEntity(older.LocalID)
	if gotOlder.SyncState != models.SyncStatePendingUpdate {
		t.Errorf("Newer local edit should win and re-queue, got %s", gotOlder.SyncState)
	}
	if string(gotOlder.Payload) != `{"title":"newer local"}` {
		t.Errorf("Expected local payload kept, got %s", gotOlder.Payload)
	}

	gotNewer, _ := s.GetEntity(newer.LocalID)
	if gotNewer.SyncState != models.SyncStateClean {
		t.Errorf("Newer server edit should win, got %s", gotNewer.SyncState)
	}
	if string(gotNewer.Payload) != `{"title":"newer server"}` {
		t.Errorf("Expected server payload adopted, got %s", gotNewer.Payload)
	}

	evs := drainEvents(events)
	if !hasEvent(evs, EventConflictResolved, older.LocalID) || !hasEvent(evs, EventConflictResolved, newer.LocalID) {
		t.Error("Expected conflict_resolved events for both entities")
	}
}

func TestInflightEntityNotRedispatched(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)

	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":"a"}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	if !e.claim(entity.LocalID) {
		t.Fatal("claim failed")
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if creates, _, _ := fake.counts(); creates != 0 {
		t.Errorf("In-flight entity must not be dispatched again, got %d calls", creates)
	}

	e.release(entity.LocalID)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if creates, _, _ := fake.counts(); creates != 1 {
		t.Errorf("Expected dispatch after release, got %d calls", creates)
	}
	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateClean {
		t.Errorf("Expected clean, got %s", got.SyncState)
	}
}

func TestEditRacingCreateIsNotLost(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)

	entity, err := e.CreateEntity(models.EntityTypeTask, []byte(`{"title":"v1"}`))
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	// Edit the entity while its create is on the wire.
	fake.onCreate = func() {
		fake.onCreate = nil
		if _, err := s.UpdateEntity(entity.LocalID, []byte(`{"title":"v2"}`)); err != nil {
			t.Errorf("UpdateEntity during dispatch failed: %v", err)
		}
	}

	// One flush settles both hops: the create lands, the raced edit is
	// detected and re-dispatched as an update.
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	creates, updates, _ := fake.counts()
	if creates != 1 || updates != 1 {
		t.Fatalf("Expected 1 create and 1 update, got %d/%d", creates, updates)
	}
	if string(fake.lastUpdatePayload) != `{"title":"v2"}` {
		t.Errorf("Expected the raced edit pushed, got %s", fake.lastUpdatePayload)
	}
	got, _ := s.GetEntity(entity.LocalID)
	if got.SyncState != models.SyncStateClean {
		t.Errorf("Expected clean after both hops, got %s", got.SyncState)
	}
	if string(got.Payload) != `{"title":"v2"}` {
		t.Errorf("Raced edit must survive, got %s", got.Payload)
	}
}

func TestRefresh(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)

	adopt := seedSynced(t, e, s)
	skip := seedSynced(t, e, s)
	if _, err := e.UpdateEntity(skip.LocalID, []byte(`{"title":"pending edit"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}

	fake.objects = map[models.EntityType][]remote.Object{
		models.EntityTypeTask: {
			{RemoteID: "srv-new", Payload: []byte(`{"title":"from server"}`), Version: 3, UpdatedAt: time.Now().UTC()},
			{RemoteID: adopt.RemoteID, Payload: []byte(`{"title":"server revision"}`), Version: 4, UpdatedAt: time.Now().UTC()},
			{RemoteID: skip.RemoteID, Payload: []byte(`{"title":"server revision"}`), Version: 9, UpdatedAt: time.Now().UTC()},
		},
	}

	result, err := e.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Imported != 1 || result.Adopted != 1 || result.Skipped != 1 {
		t.Errorf("Refresh result = %+v, want 1/1/1", result)
	}

	imported, _ := s.FindByRemoteID(models.EntityTypeTask, "srv-new")
	if imported == nil || imported.SyncState != models.SyncStateClean {
		t.Errorf("Expected imported clean entity, got %+v", imported)
	}

	gotAdopt, _ := s.GetEntity(adopt.LocalID)
	if string(gotAdopt.Payload) != `{"title":"server revision"}` || gotAdopt.RemoteVersion != 4 {
		t.Errorf("Expected adopted server revision, got %s v%d", gotAdopt.Payload, gotAdopt.RemoteVersion)
	}

	gotSkip, _ := s.GetEntity(skip.LocalID)
	if string(gotSkip.Payload) != `{"title":"pending edit"}` {
		t.Errorf("Refresh must not clobber pending local changes, got %s", gotSkip.Payload)
	}
	if gotSkip.SyncState != models.SyncStatePendingUpdate {
		t.Errorf("Expected pending_update preserved, got %s", gotSkip.SyncState)
	}
}

func TestOfflineCollapsedUpdateDispatchesOnce(t *testing.T) {
	fake := &fakeRemote{}
	e, s, _ := newTestEngine(t, fake)
	entity := seedSynced(t, e, s)

	for _, payload := range []string{`{"title":"e1"}`, `{"title":"e2"}`, `{"title":"e3"}`} {
		if _, err := e.UpdateEntity(entity.LocalID, []byte(payload)); err != nil {
			t.Fatalf("UpdateEntity failed: %v", err)
		}
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if _, updates, _ := fake.counts(); updates != 1 {
		t.Errorf("Collapsed edits must dispatch once, got %d update calls", updates)
	}
	if string(fake.lastUpdatePayload) != `{"title":"e3"}` {
		t.Errorf("Expected the final payload dispatched, got %s", fake.lastUpdatePayload)
	}
}
