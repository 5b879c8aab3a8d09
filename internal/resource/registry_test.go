package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/model"
)

func testNode(id string, t model.NodeType) *model.Node {
	return &model.Node{SystemSettings: model.SystemSettings{ID: id, Type: t}}
}

func newRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return NewRegistry(st, logging.Noop()), st
}

func TestRegisterAssignsUUIDOnce(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, testNode("LBNL-Q", model.NodeTypeQNode))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if first.SystemSettings.UUID == "" {
		t.Fatal("expected a uuid on first registration")
	}

	second, err := reg.Register(ctx, testNode("LBNL-Q", model.NodeTypeQNode))
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if second.SystemSettings.UUID != first.SystemSettings.UUID {
		t.Fatalf("uuid changed across re-registration: %q vs %q",
			second.SystemSettings.UUID, first.SystemSettings.UUID)
	}

	nodes, err := reg.FindNodes(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("re-registration duplicated the node: %d records", len(nodes))
	}
}

func TestRegisterRejectsUUIDCollision(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, testNode("UCB-Q", model.NodeTypeQNode)); err != nil {
		t.Fatal(err)
	}
	clash := testNode("UCB-Q", model.NodeTypeQNode)
	clash.SystemSettings.UUID = "some-other-instance"
	if _, err := reg.Register(ctx, clash); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegisterRejectsMalformedNode(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, &model.Node{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := reg.Register(ctx, testNode("no-type", "")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing type, got %v", err)
	}
}

func TestGetNodesFailsFast(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, testNode("LBNL-Q", model.NodeTypeQNode)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetNodes("LBNL-Q", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	nodes, err := reg.GetNodes("LBNL-Q")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].LogicalID() != "LBNL-Q" {
		t.Fatalf("unexpected nodes %v", nodes)
	}
}

func TestDeregisterSoftDeletes(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, testNode("LBNL-BSM", model.NodeTypeBSMNode)); err != nil {
		t.Fatal(err)
	}
	reg.ClearDirty()
	if err := reg.Deregister(ctx, "LBNL-BSM"); err != nil {
		t.Fatal(err)
	}
	if !reg.Dirty() {
		t.Fatal("deregister should mark the topology dirty")
	}
	if _, err := reg.GetNodes("LBNL-BSM"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deregistered node should not resolve, got %v", err)
	}

	// The record stays in the store with deleted=true.
	doc, err := st.Collection(store.CollNode).Get(store.Filter{"systemSettings.ID": "LBNL-BSM"})
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil || doc["deleted"] != true {
		t.Fatalf("expected a soft-deleted record, got %v", doc)
	}
}

func TestGetStateReadsLatestEvent(t *testing.T) {
	reg, st := newRegistry(t)
	monitor := st.Collection(store.CollMonitor)

	state, err := reg.GetState("LBNL-Q")
	if err != nil {
		t.Fatal(err)
	}
	if state != "" {
		t.Fatalf("expected empty state before any event, got %q", state)
	}

	events := []map[string]any{
		{"id": "LBNL-Q", "rid": "LBNL-Q", "eventType": "agentState", "value": StateOutOfSpec, "ts": 100},
		{"id": "LBNL-Q", "rid": "LBNL-Q", "eventType": "agentState", "value": StateInSpec, "ts": 200},
		{"id": "UCB-Q", "rid": "UCB-Q", "eventType": "agentState", "value": StateOutOfSpec, "ts": 300},
	}
	for _, ev := range events {
		if err := monitor.Insert(ev); err != nil {
			t.Fatal(err)
		}
	}

	state, err = reg.GetState("LBNL-Q")
	if err != nil {
		t.Fatal(err)
	}
	if state != StateInSpec {
		t.Fatalf("expected latest state %q, got %q", StateInSpec, state)
	}
}

func TestTopologySummaryAndFull(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	n := testNode("LBNL-Q", model.NodeTypeQNode)
	n.Channels = []model.Channel{{
		ID:        "q-out-0",
		Type:      model.ChannelTypeQuantum,
		Direction: model.DirectionOut,
		Neighbor:  &model.Neighbor{SystemRef: "LBNL-BSM", ChannelRef: "q-in-0"},
	}}
	n.QuantumSettings = map[string]any{"wavelength": 1536.0}
	if _, err := reg.Register(ctx, n); err != nil {
		t.Fatal(err)
	}

	summary, err := reg.Topology(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary) != 1 {
		t.Fatalf("expected one node, got %d", len(summary))
	}
	if _, ok := summary[0]["quantumSettings"]; ok {
		t.Fatal("summary form should not carry settings")
	}
	channels, ok := summary[0]["channels"].([]map[string]any)
	if !ok || len(channels) != 1 {
		t.Fatalf("unexpected channels %v", summary[0]["channels"])
	}

	full, err := reg.Topology(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := full[0]["quantumSettings"]; !ok {
		t.Fatal("full form should carry settings")
	}
}
