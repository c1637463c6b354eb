package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func mustEnqueue(t *testing.T, db *store.DB, op *Operation) EnqueueResult {
	t.Helper()
	res, err := Enqueue(context.Background(), db.Conn(), op)
	if err != nil {
		t.Fatalf("Enqueue %s %s %s: %v", op.Kind, op.RecordType, op.RecordID, err)
	}
	return res
}

func queuedOps(t *testing.T, db *store.DB) []*Operation {
	t.Helper()
	ops, err := List(context.Background(), db.Conn())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return ops
}

func TestEnqueueAppendsInOrder(t *testing.T) {
	db := testDB(t)

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindCreate,
		Payload: json.RawMessage(`{"name":"a"}`),
	})
	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l2", Kind: KindCreate,
		Payload: json.RawMessage(`{"name":"b"}`),
	})

	ops := queuedOps(t, db)
	if len(ops) != 2 {
		t.Fatalf("queue has %d ops, want 2", len(ops))
	}
	if ops[0].RecordID != "l1" || ops[1].RecordID != "l2" {
		t.Errorf("queue order = %s, %s; want l1, l2", ops[0].RecordID, ops[1].RecordID)
	}
	if ops[0].State != StateQueued {
		t.Errorf("state = %s, want %s", ops[0].State, StateQueued)
	}
}

func TestUpdateAfterCreateMergesIntoCreate(t *testing.T) {
	db := testDB(t)

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindCreate,
		Payload: json.RawMessage(`{"name":"a","area_ha":1}`),
	})
	res := mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"b"}`),
	})
	if res != Coalesced {
		t.Fatalf("result = %v, want Coalesced", res)
	}

	ops := queuedOps(t, db)
	if len(ops) != 1 {
		t.Fatalf("queue has %d ops, want 1", len(ops))
	}
	if ops[0].Kind != KindCreate {
		t.Errorf("kind = %s, want create", ops[0].Kind)
	}

	var got map[string]any
	if err := json.Unmarshal(ops[0].Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := map[string]any{"name": "b", "area_ha": float64(1)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merged payload = %v, want %v", got, want)
	}
}

func TestUpdateAfterUpdateKeepsEarliestBase(t *testing.T) {
	db := testDB(t)

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"b"}`), BaseVersion: 3,
	})
	res := mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"location":"hill"}`), BaseVersion: 9,
	})
	if res != Coalesced {
		t.Fatalf("result = %v, want Coalesced", res)
	}

	ops := queuedOps(t, db)
	if len(ops) != 1 {
		t.Fatalf("queue has %d ops, want 1", len(ops))
	}
	if ops[0].BaseVersion != 3 {
		t.Errorf("base version = %d, want the earliest (3)", ops[0].BaseVersion)
	}

	var got map[string]any
	if err := json.Unmarshal(ops[0].Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["name"] != "b" || got["location"] != "hill" {
		t.Errorf("merged payload = %v", got)
	}
}

func TestDeleteReplacesQueuedUpdate(t *testing.T) {
	db := testDB(t)

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"b"}`), BaseVersion: 2,
	})
	res := mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindDelete, BaseVersion: 2,
	})
	if res != Coalesced {
		t.Fatalf("result = %v, want Coalesced", res)
	}

	ops := queuedOps(t, db)
	if len(ops) != 1 {
		t.Fatalf("queue has %d ops, want 1", len(ops))
	}
	if ops[0].Kind != KindDelete {
		t.Errorf("kind = %s, want delete", ops[0].Kind)
	}
	if ops[0].Payload != nil {
		t.Errorf("delete kept a payload: %s", ops[0].Payload)
	}
}

func TestDeleteSuppressesUnsentCreate(t *testing.T) {
	db := testDB(t)

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindCreate,
		Payload: json.RawMessage(`{"name":"a"}`),
	})
	res := mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindDelete,
	})
	if res != Suppressed {
		t.Fatalf("result = %v, want Suppressed", res)
	}
	if ops := queuedOps(t, db); len(ops) != 0 {
		t.Errorf("queue has %d ops after suppression, want 0", len(ops))
	}
}

func TestUpdateAfterDeleteRejected(t *testing.T) {
	db := testDB(t)

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindDelete, BaseVersion: 1,
	})
	_, err := Enqueue(context.Background(), db.Conn(), &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"b"}`),
	})
	if !errors.Is(err, ErrRecordDeleted) {
		t.Errorf("err = %v, want ErrRecordDeleted", err)
	}
}

func TestCoalescingSkipsNonQueuedStates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"first"}`), BaseVersion: 1,
	})

	// Simulate the drain taking the op in flight.
	ops := queuedOps(t, db)
	if _, err := db.Conn().ExecContext(ctx,
		`UPDATE pending_ops SET state = ? WHERE op_id = ?`, StateInFlight, ops[0].OpID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}

	res := mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"second"}`), BaseVersion: 1,
	})
	if res != Appended {
		t.Errorf("result = %v, want Appended behind the in-flight op", res)
	}
	if ops := queuedOps(t, db); len(ops) != 2 {
		t.Errorf("queue has %d ops, want 2", len(ops))
	}
}

func TestRecoverRequeuesInFlight(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "l1", Kind: KindCreate,
		Payload: json.RawMessage(`{"name":"a"}`),
	})
	ops := queuedOps(t, db)
	if _, err := db.Conn().ExecContext(ctx,
		`UPDATE pending_ops SET state = ? WHERE op_id = ?`, StateInFlight, ops[0].OpID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}

	n, err := Recover(ctx, db.Conn())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("Recover returned %d, want 1", n)
	}
	ops = queuedOps(t, db)
	if ops[0].State != StateQueued {
		t.Errorf("state after recover = %s, want queued", ops[0].State)
	}
}

func TestRemapRecordIDRewritesPayloadReferences(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeProduction, RecordID: "p1", Kind: KindCreate,
		Payload: json.RawMessage(`{"land_id":"tmp-land","commodity":"rice"}`),
	})
	mustEnqueue(t, db, &Operation{
		RecordType: farm.TypeLand, RecordID: "tmp-land", Kind: KindUpdate,
		Payload: json.RawMessage(`{"name":"x"}`), BaseVersion: 1,
	})

	if err := RemapRecordID(ctx, db.Conn(), farm.TypeLand, "tmp-land", "srv-9"); err != nil {
		t.Fatalf("RemapRecordID: %v", err)
	}

	ops := queuedOps(t, db)
	var sawRemappedOp, sawRewrittenRef bool
	for _, op := range ops {
		if op.RecordType == farm.TypeLand && op.RecordID == "srv-9" {
			sawRemappedOp = true
		}
		if op.RecordType == farm.TypeProduction {
			var body map[string]any
			if err := json.Unmarshal(op.Payload, &body); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if body["land_id"] == "srv-9" {
				sawRewrittenRef = true
			}
		}
	}
	if !sawRemappedOp {
		t.Error("queued op on the record itself was not remapped")
	}
	if !sawRewrittenRef {
		t.Error("payload reference in another record's op was not rewritten")
	}
}

func TestMergePayloads(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		overlay string
		want    map[string]any
	}{
		{
			name:    "overlay wins on shared fields",
			base:    `{"name":"a","area_ha":2}`,
			overlay: `{"name":"b"}`,
			want:    map[string]any{"name": "b", "area_ha": float64(2)},
		},
		{
			name:    "disjoint fields union",
			base:    `{"name":"a"}`,
			overlay: `{"location":"hill"}`,
			want:    map[string]any{"name": "a", "location": "hill"},
		},
		{
			name:    "overlay null clears a field",
			base:    `{"name":"a","soil_type":"clay"}`,
			overlay: `{"soil_type":null}`,
			want:    map[string]any{"name": "a", "soil_type": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergePayloads(json.RawMessage(tt.base), json.RawMessage(tt.overlay))
			if err != nil {
				t.Fatalf("MergePayloads: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(merged, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("merged = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiffPayloads(t *testing.T) {
	before := json.RawMessage(`{"name":"a","area_ha":2,"location":"hill"}`)
	after := json.RawMessage(`{"name":"a","area_ha":3,"location":"hill"}`)

	diff, err := DiffPayloads(before, after)
	if err != nil {
		t.Fatalf("DiffPayloads: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(diff, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{"area_ha": float64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diff = %v, want %v", got, want)
	}

	// Identical payloads diff to an empty object.
	diff, err = DiffPayloads(before, before)
	if err != nil {
		t.Fatalf("DiffPayloads identical: %v", err)
	}
	if string(diff) != "{}" {
		t.Errorf("identical diff = %s, want {}", diff)
	}
}
