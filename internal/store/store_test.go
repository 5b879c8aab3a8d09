package store

import (
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// backends returns one store per supported backend so every test runs
// against both.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := OpenRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("OpenRedis failed: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  rs,
	}
}

func TestInsertGetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			coll := s.Collection(CollRequest)
			doc := map[string]any{"id": "req-1", "type": "experiment", "created_at": 12.0}
			if err := coll.Insert(doc); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			got, err := coll.Get(Filter{"id": "req-1"})
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got == nil || got["type"] != "experiment" {
				t.Fatalf("unexpected document %v", got)
			}
			if got["_id"] != "req-1" {
				t.Errorf("_id should be synthesized from id, got %v", got["_id"])
			}

			if err := coll.Insert(doc); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("second insert should be a duplicate, got %v", err)
			}

			n, err := coll.Delete(Filter{"id": "req-1"})
			if err != nil || n != 1 {
				t.Fatalf("Delete = %d, %v", n, err)
			}
			if got, _ := coll.Get(Filter{"id": "req-1"}); got != nil {
				t.Fatal("document should be gone")
			}
		})
	}
}

func TestUpsertByDottedKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			coll := s.Collection(CollNode)
			node := map[string]any{
				"systemSettings": map[string]any{"ID": "LBNL-Q", "type": "QNode"},
			}
			if err := coll.Upsert(Filter{"systemSettings.ID": "LBNL-Q"}, node); err != nil {
				t.Fatalf("Upsert insert failed: %v", err)
			}

			node["systemSettings"].(map[string]any)["type"] = "QRouter"
			if err := coll.Upsert(Filter{"systemSettings.ID": "LBNL-Q"}, node); err != nil {
				t.Fatalf("Upsert replace failed: %v", err)
			}

			docs, err := coll.Find(Filter{"systemSettings.ID": "LBNL-Q"}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(docs) != 1 {
				t.Fatalf("upsert must not duplicate, found %d docs", len(docs))
			}
			if got := lookupField(docs[0], "systemSettings.type"); got != "QRouter" {
				t.Errorf("unexpected type %v", got)
			}
		})
	}
}

func TestMonitorHistoryMode(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			coll := s.Collection(CollMonitor)
			for i := 0; i < 3; i++ {
				ev := map[string]any{
					"id": "LBNL-Q", "eventType": "agentState",
					"ts": float64(100 + i), "value": "IN_SPEC",
				}
				if err := coll.Insert(ev); err != nil {
					t.Fatalf("history insert %d failed: %v", i, err)
				}
			}
			docs, err := coll.Find(Filter{"id": "LBNL-Q"}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(docs) != 3 {
				t.Fatalf("history mode should keep all events, found %d", len(docs))
			}

			latest, err := coll.Find(Filter{"id": "LBNL-Q"}, &Options{Limit: 1, SortBy: "ts", SortDesc: true})
			if err != nil || len(latest) != 1 {
				t.Fatalf("latest lookup failed: %v", err)
			}
			if latest[0]["ts"] != float64(102) {
				t.Errorf("expected most recent event, got ts=%v", latest[0]["ts"])
			}
		})
	}
}

func TestUpdateCounts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			coll := s.Collection(CollCalibration)
			for _, id := range []string{"cal-1", "cal-2"} {
				if err := coll.Insert(map[string]any{"id": id, "phase": "Initialized"}); err != nil {
					t.Fatal(err)
				}
			}
			n, err := coll.Update(Filter{"phase": "Initialized"}, "phase", "Calibrating")
			if err != nil || n != 2 {
				t.Fatalf("Update = %d, %v", n, err)
			}
			ok, err := coll.Exist(Filter{"phase": "Calibrating"})
			if err != nil || !ok {
				t.Fatalf("Exist = %v, %v", ok, err)
			}
		})
	}
}

func TestOpenRejectsNonDocumentBackends(t *testing.T) {
	if _, err := Open("postgresql://localhost/quantnet"); !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
	s, err := Open("mem://")
	if err != nil || s == nil {
		t.Fatalf("mem:// should open, got %v", err)
	}
}
