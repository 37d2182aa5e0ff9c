package document

import (
	"reflect"
	"sync"
	"testing"

	"github.com/synckit-dev/syncserver/internal/clock"
)

func TestStore_GetOrCreate(t *testing.T) {
	store := NewStore(StoreOptions{})

	a := store.GetOrCreate("doc-1")
	b := store.GetOrCreate("doc-1")
	if a != b {
		t.Error("GetOrCreate returned distinct documents for the same id")
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}

	store.GetOrCreate("doc-2")
	if store.Len() != 2 {
		t.Errorf("Len = %d, want 2", store.Len())
	}
}

func TestStore_HydratesOnFirstReference(t *testing.T) {
	calls := 0
	loader := func(documentID string) (map[string]FieldCell, clock.VectorClock, int64, bool) {
		calls++
		if documentID != "doc-1" {
			return nil, nil, 0, false
		}
		return map[string]FieldCell{
			"title": {Value: "persisted", ClientID: "A", Clock: 5, Timestamp: 4000},
		}, clock.VectorClock{"A": 5}, 4000, true
	}

	store := NewStore(StoreOptions{Loader: loader})

	state, vc := store.Snapshot("doc-1")
	if state["title"] != "persisted" {
		t.Errorf("title = %v, want persisted", state["title"])
	}
	if vc.Get("A") != 5 {
		t.Errorf("A counter = %d, want 5", vc.Get("A"))
	}

	// Subsequent references reuse the resident document.
	store.Snapshot("doc-1")
	store.ApplyDelta("doc-1", "d1", "A", 5000, map[string]interface{}{"title": "live"}, nil)
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}

	// Hydrated metadata participates in LWW: the writer's counter continues
	// from the persisted clock.
	state, vc = store.Snapshot("doc-1")
	if state["title"] != "live" {
		t.Errorf("title = %v, want live", state["title"])
	}
	if vc.Get("A") != 6 {
		t.Errorf("A counter = %d, want 6", vc.Get("A"))
	}
}

func TestStore_HydratedCellBeatsStaleWrite(t *testing.T) {
	loader := func(string) (map[string]FieldCell, clock.VectorClock, int64, bool) {
		return map[string]FieldCell{
			"title": {Value: "persisted", ClientID: "A", Clock: 2, Timestamp: 5000},
		}, clock.VectorClock{"A": 2}, 5000, true
	}
	store := NewStore(StoreOptions{Loader: loader})

	// A write older than the persisted cell is rejected.
	res := store.ApplyDelta("doc-1", "d1", "B", 4000, map[string]interface{}{"title": "stale"}, nil)
	if res.Results[0].Accepted {
		t.Error("stale write beat the hydrated cell")
	}
	state, _ := store.Snapshot("doc-1")
	if state["title"] != "persisted" {
		t.Errorf("title = %v, want persisted", state["title"])
	}
}

func TestStore_ConcurrentGetOrCreateHydratesOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	loader := func(string) (map[string]FieldCell, clock.VectorClock, int64, bool) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, nil, 0, false
	}
	store := NewStore(StoreOptions{Loader: loader})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.GetOrCreate("doc-1")
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestStore_SnapshotCallbackOnCompaction(t *testing.T) {
	var gotDoc string
	var gotCells map[string]FieldCell
	var gotClock clock.VectorClock

	store := NewStore(StoreOptions{
		SnapshotThreshold: 4,
		OnSnapshot: func(documentID string, cells map[string]FieldCell, vc clock.VectorClock) {
			gotDoc = documentID
			gotCells = cells
			gotClock = vc
		},
	})

	for i := 0; i < 5; i++ {
		store.ApplyDelta("doc-1", "d", "A", int64(1000+i), map[string]interface{}{"n": i}, nil)
	}

	if gotDoc != "doc-1" {
		t.Fatalf("snapshot callback doc = %q, want doc-1", gotDoc)
	}
	if gotCells["n"].Value != 4 {
		t.Errorf("snapshot cell n = %v, want 4", gotCells["n"].Value)
	}
	if gotClock.Get("A") != 5 {
		t.Errorf("snapshot clock A = %d, want 5", gotClock.Get("A"))
	}
}

func TestStore_UnsubscribeAll(t *testing.T) {
	store := NewStore(StoreOptions{})
	store.Subscribe("doc-1", "conn-1")
	store.Subscribe("doc-2", "conn-1")
	store.Subscribe("doc-2", "conn-2")

	affected := store.UnsubscribeAll("conn-1")
	if len(affected) != 2 {
		t.Fatalf("affected = %v, want two documents", affected)
	}

	for _, docID := range []string{"doc-1", "doc-2"} {
		for _, sub := range store.Subscribers(docID) {
			if sub == "conn-1" {
				t.Errorf("conn-1 still subscribed to %s", docID)
			}
		}
	}
	if subs := store.Subscribers("doc-2"); len(subs) != 1 || subs[0] != "conn-2" {
		t.Errorf("doc-2 subscribers = %v, want [conn-2]", subs)
	}
}

func TestStore_UnsubscribeDoesNotCreate(t *testing.T) {
	store := NewStore(StoreOptions{})
	store.Unsubscribe("ghost", "conn-1")
	if store.Len() != 0 {
		t.Error("Unsubscribe materialized a document")
	}
	if subs := store.Subscribers("ghost"); subs != nil {
		t.Errorf("Subscribers(ghost) = %v, want nil", subs)
	}
}

func TestStore_MergeClockAndDeltasSince(t *testing.T) {
	store := NewStore(StoreOptions{})
	store.ApplyDelta("doc-1", "d1", "A", 1000, map[string]interface{}{"x": 1}, nil)

	merged := store.MergeClock("doc-1", clock.VectorClock{"B": 7})
	if merged.Get("B") != 7 || merged.Get("A") != 1 {
		t.Errorf("merged clock = %v, want {A:1 B:7}", merged)
	}

	missing := store.DeltasSince("doc-1", clock.VectorClock{"B": 7})
	if len(missing) != 1 || missing[0].ID != "d1" {
		t.Fatalf("DeltasSince = %+v, want [d1]", missing)
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore(StoreOptions{})
	store.ApplyDelta("doc-1", "d1", "A", 1000, map[string]interface{}{"x": 1}, nil)

	store.Delete("doc-1")
	if store.Len() != 0 {
		t.Errorf("Len = %d after delete, want 0", store.Len())
	}

	// Recreating starts from scratch.
	state, vc := store.Snapshot("doc-1")
	if len(state) != 0 || len(vc) != 0 {
		t.Errorf("recreated doc not empty: state=%v clock=%v", state, vc)
	}
}

func TestStore_ApplyDeltaResultCarriesCells(t *testing.T) {
	store := NewStore(StoreOptions{})
	res := store.ApplyDelta("doc-1", "d1", "A", 1000, map[string]interface{}{"title": "Hello"}, nil)

	want := map[string]FieldCell{
		"title": {Value: "Hello", ClientID: "A", Clock: 1, Timestamp: 1000},
	}
	if !reflect.DeepEqual(res.Cells, want) {
		t.Errorf("Cells = %+v, want %+v", res.Cells, want)
	}
	if !reflect.DeepEqual(res.State, map[string]interface{}{"title": "Hello"}) {
		t.Errorf("State = %v, want {title:Hello}", res.State)
	}
}
