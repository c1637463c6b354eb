package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/queue"
	"github.com/haidar038/digifarm-sub002/internal/store"
	"github.com/haidar038/digifarm-sub002/internal/transport"
)

// fakeTransport scripts remote behavior for engine tests.
type fakeTransport struct {
	createFn func(t farm.Type, payload json.RawMessage) (*transport.Remote, error)
	updateFn func(t farm.Type, id string, payload json.RawMessage, base int64) (*transport.Remote, error)
	deleteFn func(t farm.Type, id string) error
	fetchFn  func(t farm.Type) ([]*transport.Remote, error)
}

func (f *fakeTransport) Create(ctx context.Context, t farm.Type, payload json.RawMessage, idemKey string) (*transport.Remote, error) {
	if f.createFn != nil {
		return f.createFn(t, payload)
	}
	return &transport.Remote{Type: t, Version: 1, UpdatedAt: time.Now(), Payload: payload}, nil
}

func (f *fakeTransport) Update(ctx context.Context, t farm.Type, id string, payload json.RawMessage, base int64) (*transport.Remote, error) {
	if f.updateFn != nil {
		return f.updateFn(t, id, payload, base)
	}
	return &transport.Remote{Type: t, ID: id, Version: base + 1, UpdatedAt: time.Now(), Payload: payload}, nil
}

func (f *fakeTransport) Delete(ctx context.Context, t farm.Type, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(t, id)
	}
	return nil
}

func (f *fakeTransport) FetchAll(ctx context.Context, t farm.Type) ([]*transport.Remote, error) {
	if f.fetchFn != nil {
		return f.fetchFn(t)
	}
	return nil, nil
}

func testEngine(t *testing.T, ft *fakeTransport) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	e, err := New(db, Options{
		Transport: ft,
		Drain:     queue.DrainConfig{Logger: quiet},
		Logger:    quiet,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func landRec(id, name string) *farm.Record {
	return &farm.Record{
		Type: farm.TypeLand,
		ID:   id,
		Land: &farm.Land{Name: name},
	}
}

func TestPutQueuesCreate(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	rec := landRec("", "North field")
	if err := e.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Put did not assign an id")
	}

	got, err := e.Get(ctx, farm.TypeLand, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Dirty {
		t.Error("local create should be dirty")
	}

	n, err := e.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}

	state, err := e.RecordStatus(ctx, farm.TypeLand, rec.ID)
	if err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if state != SyncStatePending {
		t.Errorf("RecordStatus = %s, want pending", state)
	}
}

func TestPutUnchangedIsNoOp(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	rec := landRec("l1", "field")
	if err := e.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Put(ctx, landRec("l1", "field")); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := e.Get(ctx, farm.TypeLand, "l1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LocalVersion != 1 {
		t.Errorf("LocalVersion = %d, want 1 (unchanged put must not bump)", got.LocalVersion)
	}
	n, _ := e.PendingCount(ctx)
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

func TestDeleteOfUnsentCreateLeavesNoTrace(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	rec := landRec("l1", "short lived")
	if err := e.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Delete(ctx, farm.TypeLand, "l1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := e.Get(ctx, farm.TypeLand, "l1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	n, _ := e.PendingCount(ctx)
	if n != 0 {
		t.Errorf("PendingCount = %d, want 0 (create and delete cancel out)", n)
	}
}

func TestPutOnTombstonedRecordRejected(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	// A synced record arrives from the server, then is deleted locally.
	applied, err := e.ApplyRemote(ctx, &transport.Remote{
		Type: farm.TypeLand, ID: "l1", Version: 1, UpdatedAt: time.Now(),
		Payload: json.RawMessage(`{"name":"field"}`),
	})
	if err != nil || !applied {
		t.Fatalf("ApplyRemote: applied=%v err=%v", applied, err)
	}
	if err := e.Delete(ctx, farm.TypeLand, "l1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	err = e.Put(ctx, landRec("l1", "resurrection"))
	if !errors.Is(err, ErrRecordDeleted) {
		t.Errorf("Put on tombstone = %v, want ErrRecordDeleted", err)
	}
}

func TestApplyRemoteSkipsDirtyRows(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	if err := e.Put(ctx, landRec("l1", "local edit")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	applied, err := e.ApplyRemote(ctx, &transport.Remote{
		Type: farm.TypeLand, ID: "l1", Version: 4, UpdatedAt: time.Now(),
		Payload: json.RawMessage(`{"name":"server copy"}`),
	})
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if applied {
		t.Error("ApplyRemote overwrote a dirty record")
	}
	got, _ := e.Get(ctx, farm.TypeLand, "l1")
	if got.Land.Name != "local edit" {
		t.Errorf("local edit lost: %q", got.Land.Name)
	}
}

func TestSyncConfirmsAndAdvancesLastSync(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	if err := e.Put(ctx, landRec("l1", "field")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !e.LastSync().IsZero() {
		t.Error("LastSync should be zero before first drain")
	}

	res, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Confirmed != 1 {
		t.Errorf("Confirmed = %d, want 1", res.Confirmed)
	}
	if e.LastSync().IsZero() {
		t.Error("LastSync should advance after a clean drain")
	}

	state, err := e.RecordStatus(ctx, farm.TypeLand, "l1")
	if err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if state != SyncStateSynced {
		t.Errorf("RecordStatus = %s, want synced", state)
	}
}

func TestSyncTransientKeepsLastSync(t *testing.T) {
	ft := &fakeTransport{
		createFn: func(farm.Type, json.RawMessage) (*transport.Remote, error) {
			return nil, &transport.TransientError{Op: "create", Err: errors.New("offline")}
		},
	}
	e := testEngine(t, ft)
	ctx := context.Background()

	if err := e.Put(ctx, landRec("l1", "field")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Transient {
		t.Fatal("expected transient result")
	}
	if !e.LastSync().IsZero() {
		t.Error("LastSync must not advance on a transient failure")
	}
}

func conflictOnUpdate() *fakeTransport {
	return &fakeTransport{
		updateFn: func(typ farm.Type, id string, payload json.RawMessage, base int64) (*transport.Remote, error) {
			return nil, &transport.ConflictError{
				RecordType:      typ,
				RecordID:        id,
				BaseVersion:     base,
				RemoteVersion:   6,
				RemoteUpdatedAt: time.Now(),
				RemotePayload:   json.RawMessage(`{"name":"their edit"}`),
			}
		},
	}
}

func surfaceConflict(t *testing.T, e *Engine) string {
	t.Helper()
	ctx := context.Background()

	applied, err := e.ApplyRemote(ctx, &transport.Remote{
		Type: farm.TypeLand, ID: "l1", Version: 2, UpdatedAt: time.Now(),
		Payload: json.RawMessage(`{"name":"original"}`),
	})
	if err != nil || !applied {
		t.Fatalf("ApplyRemote: applied=%v err=%v", applied, err)
	}
	if err := e.Put(ctx, landRec("l1", "my edit")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Conflicts != 1 {
		t.Fatalf("Conflicts = %d, want 1", res.Conflicts)
	}

	conflicts, err := e.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("stored %d conflicts, want 1", len(conflicts))
	}
	return conflicts[0].OpID
}

func TestResolveAcceptRemote(t *testing.T) {
	e := testEngine(t, conflictOnUpdate())
	ctx := context.Background()

	opID := surfaceConflict(t, e)
	if err := e.Resolve(ctx, opID, ResolutionAcceptRemote); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err := e.Get(ctx, farm.TypeLand, "l1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Land.Name != "their edit" {
		t.Errorf("Name = %q, want the remote copy", got.Land.Name)
	}
	if got.Dirty {
		t.Error("record should be clean after accepting remote")
	}
	if got.RemoteVersion != 6 {
		t.Errorf("RemoteVersion = %d, want 6", got.RemoteVersion)
	}

	n, _ := e.PendingCount(ctx)
	if n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
	conflicts, _ := e.Conflicts(ctx)
	if len(conflicts) != 0 {
		t.Errorf("conflict survived resolution")
	}
}

func TestResolveAcceptLocalRequeues(t *testing.T) {
	e := testEngine(t, conflictOnUpdate())
	ctx := context.Background()

	opID := surfaceConflict(t, e)
	if err := e.Resolve(ctx, opID, ResolutionAcceptLocal); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ops, err := queue.List(ctx, e.db.Conn(), queue.StateQueued)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("queued ops = %d, want the reinstated edit", len(ops))
	}
	if ops[0].BaseVersion != 6 {
		t.Errorf("BaseVersion = %d, want the conflicting remote version 6", ops[0].BaseVersion)
	}
}

func TestSubscribeReceivesRecordEvents(t *testing.T) {
	e := testEngine(t, &fakeTransport{})
	ctx := context.Background()

	events, cancel := e.Subscribe(8)
	defer cancel()

	if err := e.Put(ctx, landRec("l1", "field")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventRecordUpdated {
			t.Errorf("event type = %s, want %s", ev.Type, EventRecordUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestFullFetchFillsMirror(t *testing.T) {
	ft := &fakeTransport{
		fetchFn: func(typ farm.Type) ([]*transport.Remote, error) {
			if typ != farm.TypeLand {
				return nil, nil
			}
			return []*transport.Remote{
				{Type: typ, ID: "l1", Version: 1, UpdatedAt: time.Now(), Payload: json.RawMessage(`{"name":"a"}`)},
				{Type: typ, ID: "l2", Version: 3, UpdatedAt: time.Now(), Payload: json.RawMessage(`{"name":"b"}`)},
			}, nil
		},
	}
	e := testEngine(t, ft)
	ctx := context.Background()

	if err := e.FullFetch(ctx); err != nil {
		t.Fatalf("FullFetch: %v", err)
	}
	recs, err := e.List(ctx, farm.TypeLand)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("mirror has %d lands, want 2", len(recs))
	}
}
