package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/resource"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/model"
)

// link wires a bidirectional channel pair between two nodes.
func link(a, b *model.Node, channelType string) {
	out := model.Channel{
		ID:        a.LogicalID() + "->" + b.LogicalID(),
		Type:      channelType,
		Direction: model.DirectionOut,
		Neighbor:  &model.Neighbor{SystemRef: b.LogicalID(), ChannelRef: b.LogicalID() + "<-" + a.LogicalID()},
	}
	in := model.Channel{
		ID:        b.LogicalID() + "<-" + a.LogicalID(),
		Type:      channelType,
		Direction: model.DirectionIn,
	}
	a.Channels = append(a.Channels, out)
	b.Channels = append(b.Channels, in)
}

// biLink wires channels in both directions.
func biLink(a, b *model.Node, channelType string) {
	link(a, b, channelType)
	link(b, a, channelType)
}

func node(id string, t model.NodeType) *model.Node {
	return &model.Node{SystemSettings: model.SystemSettings{ID: id, Type: t}}
}

func engineWith(t *testing.T, nodes ...*model.Node) *Engine {
	t.Helper()
	reg := resource.NewRegistry(store.NewMemory(), logging.Noop())
	for _, n := range nodes {
		if _, err := reg.Register(context.Background(), n); err != nil {
			t.Fatalf("registering %s: %v", n.LogicalID(), err)
		}
	}
	return NewEngine(reg, logging.Noop(), nil)
}

// bsmChain builds LBNL-Q — LBNL-BSM — UCB-Q with quantum links.
func bsmChain() (*model.Node, *model.Node, *model.Node) {
	q1 := node("LBNL-Q", model.NodeTypeQNode)
	bsm := node("LBNL-BSM", model.NodeTypeBSMNode)
	q2 := node("UCB-Q", model.NodeTypeQNode)
	biLink(q1, bsm, model.ChannelTypeQuantum)
	biLink(bsm, q2, model.ChannelTypeQuantum)
	return q1, bsm, q2
}

func TestEntanglementAllShortest(t *testing.T) {
	q1, bsm, q2 := bsmChain()
	eng := engineWith(t, q1, bsm, q2)

	paths, err := eng.FindPaths(context.Background(), "LBNL-Q", "UCB-Q", ModeEntanglement, AllShortest)
	if err != nil {
		t.Fatalf("FindPaths failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected exactly one path, got %d", len(paths))
	}
	got := paths[0].LogicalIDs()
	want := []string{"LBNL-Q", "LBNL-BSM", "UCB-Q"}
	if len(got) != len(want) {
		t.Fatalf("unexpected hop count: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hop %d: got %q want %q (full %v)", i, got[i], want[i], got)
		}
	}
}

func TestTrivialPath(t *testing.T) {
	q1, bsm, q2 := bsmChain()
	eng := engineWith(t, q1, bsm, q2)

	paths, err := eng.FindPaths(context.Background(), "LBNL-Q", "LBNL-Q", ModeEntanglement, Shortest)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0].Len() != 1 || paths[0].Hops[0].LogicalID() != "LBNL-Q" {
		t.Fatalf("expected the trivial single-node path, got %v", paths)
	}
}

func TestUnknownNodeIsInvalidArgument(t *testing.T) {
	q1, bsm, q2 := bsmChain()
	eng := engineWith(t, q1, bsm, q2)

	_, err := eng.FindPaths(context.Background(), "LBNL-Q", "ghost", ModeEntanglement, Shortest)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestNoPath(t *testing.T) {
	q1, bsm, q2 := bsmChain()
	isolated := node("SLAC-Q", model.NodeTypeQNode)
	eng := engineWith(t, q1, bsm, q2, isolated)

	_, err := eng.FindPaths(context.Background(), "LBNL-Q", "SLAC-Q", ModeEntanglement, Shortest)
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("expected no path, got %v", err)
	}
}

func TestClassicalLinksDoNotCarryEntanglement(t *testing.T) {
	q1 := node("LBNL-Q", model.NodeTypeQNode)
	bsm := node("LBNL-BSM", model.NodeTypeBSMNode)
	q2 := node("UCB-Q", model.NodeTypeQNode)
	biLink(q1, bsm, model.ChannelTypeQuantum)
	biLink(bsm, q2, model.ChannelTypeClassical)
	eng := engineWith(t, q1, bsm, q2)

	if _, err := eng.FindPaths(context.Background(), "LBNL-Q", "UCB-Q", ModeEntanglement, Shortest); !errors.Is(err, ErrNoPath) {
		t.Fatalf("classical link must not appear in the entanglement graph, got %v", err)
	}
}

func TestInvalidChannelPairIsSkipped(t *testing.T) {
	q1 := node("LBNL-Q", model.NodeTypeQNode)
	bsm := node("LBNL-BSM", model.NodeTypeBSMNode)
	// Out channel referencing a channel that does not exist on the remote.
	q1.Channels = append(q1.Channels, model.Channel{
		ID:        "dangling",
		Type:      model.ChannelTypeQuantum,
		Direction: model.DirectionOut,
		Neighbor:  &model.Neighbor{SystemRef: "LBNL-BSM", ChannelRef: "missing"},
	})
	eng := engineWith(t, q1, bsm)

	paths, err := eng.FindPaths(context.Background(), "LBNL-Q", "LBNL-BSM", ModePhysical, Shortest)
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("edge with no matching in channel must not materialize, got %v %v", paths, err)
	}
}

func TestInteriorRouterFilter(t *testing.T) {
	// q1 - bsm1 - qmid - bsm2 - q2: qmid is a plain QNode, so the two-link
	// entanglement route through it must be rejected.
	q1 := node("LBNL-Q", model.NodeTypeQNode)
	bsm1 := node("BSM-1", model.NodeTypeBSMNode)
	qmid := node("MID-Q", model.NodeTypeQNode)
	bsm2 := node("BSM-2", model.NodeTypeBSMNode)
	q2 := node("UCB-Q", model.NodeTypeQNode)
	biLink(q1, bsm1, model.ChannelTypeQuantum)
	biLink(bsm1, qmid, model.ChannelTypeQuantum)
	biLink(qmid, bsm2, model.ChannelTypeQuantum)
	biLink(bsm2, q2, model.ChannelTypeQuantum)
	eng := engineWith(t, q1, bsm1, qmid, bsm2, q2)

	if _, err := eng.FindPaths(context.Background(), "LBNL-Q", "UCB-Q", ModeEntanglement, AllSimplePaths); !errors.Is(err, ErrNoPath) {
		t.Fatalf("interior QNode must be filtered, got %v", err)
	}

	// With a repeater in the middle the same shape routes fine.
	q1b := node("LBNL-Q", model.NodeTypeQNode)
	bsm1b := node("BSM-1", model.NodeTypeBSMNode)
	rep := node("MID-R", model.NodeTypeQRepeater)
	bsm2b := node("BSM-2", model.NodeTypeBSMNode)
	q2b := node("UCB-Q", model.NodeTypeQNode)
	biLink(q1b, bsm1b, model.ChannelTypeQuantum)
	biLink(bsm1b, rep, model.ChannelTypeQuantum)
	biLink(rep, bsm2b, model.ChannelTypeQuantum)
	biLink(bsm2b, q2b, model.ChannelTypeQuantum)
	eng2 := engineWith(t, q1b, bsm1b, rep, bsm2b, q2b)

	paths, err := eng2.FindPaths(context.Background(), "LBNL-Q", "UCB-Q", ModeEntanglement, AllSimplePaths)
	if err != nil {
		t.Fatalf("repeater route should pass: %v", err)
	}
	want := []string{"LBNL-Q", "BSM-1", "MID-R", "BSM-2", "UCB-Q"}
	found := false
	for _, p := range paths {
		ids := p.LogicalIDs()
		if len(ids) == len(want) {
			match := true
			for i := range want {
				if ids[i] != want[i] {
					match = false
					break
				}
			}
			if match {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected expanded route %v, got %v", want, paths)
	}
}

func TestParallelBSMLinksYieldDistinctPaths(t *testing.T) {
	// Two BSMs between the same pair of QNodes: two parallel entanglement
	// links, so AllSimplePaths returns two distinct physical expansions.
	q1 := node("LBNL-Q", model.NodeTypeQNode)
	bsmA := node("BSM-A", model.NodeTypeBSMNode)
	bsmB := node("BSM-B", model.NodeTypeBSMNode)
	q2 := node("UCB-Q", model.NodeTypeQNode)
	biLink(q1, bsmA, model.ChannelTypeQuantum)
	biLink(bsmA, q2, model.ChannelTypeQuantum)
	biLink(q1, bsmB, model.ChannelTypeQuantum)
	biLink(bsmB, q2, model.ChannelTypeQuantum)
	eng := engineWith(t, q1, bsmA, bsmB, q2)

	paths, err := eng.FindPaths(context.Background(), "LBNL-Q", "UCB-Q", ModeEntanglement, AllSimplePaths)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected two parallel expansions, got %d: %v", len(paths), paths)
	}
}

func TestRebuildOnlyWhenDirty(t *testing.T) {
	q1, bsm, q2 := bsmChain()
	reg := resource.NewRegistry(store.NewMemory(), logging.Noop())
	for _, n := range []*model.Node{q1, bsm, q2} {
		if _, err := reg.Register(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	eng := NewEngine(reg, logging.Noop(), nil)

	if _, err := eng.FindPaths(context.Background(), "LBNL-Q", "UCB-Q", ModeEntanglement, Shortest); err != nil {
		t.Fatal(err)
	}
	if reg.Dirty() {
		t.Fatal("first query should clear the dirty flag")
	}

	// A new registration re-dirties; the next query must see the node.
	q3 := node("SLAC-Q", model.NodeTypeQNode)
	bsm2 := node("SLAC-BSM", model.NodeTypeBSMNode)
	biLink(q2, bsm2, model.ChannelTypeQuantum)
	biLink(bsm2, q3, model.ChannelTypeQuantum)
	for _, n := range []*model.Node{q2, bsm2, q3} {
		if _, err := reg.Register(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	paths, err := eng.FindPaths(context.Background(), "UCB-Q", "SLAC-Q", ModeEntanglement, Shortest)
	if err != nil {
		t.Fatalf("expected a route over the extended topology: %v", err)
	}
	if paths[0].Len() != 3 {
		t.Fatalf("unexpected route %v", paths[0].LogicalIDs())
	}
}
