// Package topology builds the directed multigraph of physical links from
// registered nodes, derives the entanglement-link graph, and answers path
// queries for the router.
package topology

import (
	"context"
	"sort"
	"strings"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/model"
)

// physEdge is one validated out→in channel pair.
type physEdge struct {
	from        string
	to          string
	channelType string
	outChannel  string
	inChannel   string
}

// entEdge connects two entanglement-capable nodes through a BSM-mediated
// quantum path. Seq is the full physical node sequence from A to B.
type entEdge struct {
	a   string
	b   string
	seq []string
}

// graph is one built snapshot of the physical topology plus its derived
// entanglement-link graph.
type graph struct {
	nodes map[string]*model.Node
	// out-adjacency of the physical multigraph
	adj map[string][]physEdge
	// undirected adjacency of the entanglement-link graph
	entAdj map[string][]entEdge
}

// buildGraph materializes the physical multigraph from node documents. An
// out channel only becomes an edge when the referenced remote channel
// exists and has direction in; anything else is logged and skipped.
func buildGraph(ctx context.Context, nodes []*model.Node, log logging.Logger) *graph {
	g := &graph{
		nodes:  make(map[string]*model.Node, len(nodes)),
		adj:    make(map[string][]physEdge),
		entAdj: make(map[string][]entEdge),
	}
	for _, n := range nodes {
		g.nodes[n.LogicalID()] = n
	}

	for _, n := range nodes {
		for _, ch := range n.Channels {
			if ch.Direction != model.DirectionOut || ch.Neighbor == nil {
				continue
			}
			remote, ok := g.nodes[ch.Neighbor.SystemRef]
			if !ok {
				log.Warn(ctx, "skipping channel to unknown node",
					logging.String("node", n.LogicalID()),
					logging.String("channel", ch.ID),
					logging.String("remote", ch.Neighbor.SystemRef))
				continue
			}
			in, ok := findChannel(remote, ch.Neighbor.ChannelRef)
			if !ok || in.Direction != model.DirectionIn {
				log.Warn(ctx, "skipping channel without matching in endpoint",
					logging.String("node", n.LogicalID()),
					logging.String("channel", ch.ID),
					logging.String("remote", remote.LogicalID()))
				continue
			}
			g.adj[n.LogicalID()] = append(g.adj[n.LogicalID()], physEdge{
				from:        n.LogicalID(),
				to:          remote.LogicalID(),
				channelType: ch.Type,
				outChannel:  ch.ID,
				inChannel:   in.ID,
			})
		}
	}

	g.deriveEntanglement()
	return g
}

func findChannel(n *model.Node, channelID string) (model.Channel, bool) {
	for _, ch := range n.Channels {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return model.Channel{}, false
}

// quantumNeighbors returns the undirected quantum-subgraph neighbors of id.
func (g *graph) quantumNeighbors(id string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(peer string) {
		if !seen[peer] {
			seen[peer] = true
			out = append(out, peer)
		}
	}
	for _, e := range g.adj[id] {
		if e.channelType == model.ChannelTypeQuantum {
			add(e.to)
		}
	}
	for from, edges := range g.adj {
		for _, e := range edges {
			if e.to == id && e.channelType == model.ChannelTypeQuantum {
				add(from)
			}
		}
	}
	sort.Strings(out)
	return out
}

// deriveEntanglement builds the entanglement-link graph: for every BSM
// node, every pair of entanglement-capable leaves reachable through its
// quantum subtree (interior hops BSM-only) yields one edge per distinct
// physical path. Chained BSMs reach both leaves through either end, so
// edges are deduplicated by their canonical physical sequence.
func (g *graph) deriveEntanglement() {
	dedup := map[string]bool{}

	for id, n := range g.nodes {
		if n.Type() != model.NodeTypeBSMNode {
			continue
		}
		// Simple quantum paths from the BSM to entanglement-capable
		// leaves, passing only through other BSM nodes.
		arms := g.bsmArms(id)

		for i := 0; i < len(arms); i++ {
			for j := 0; j < len(arms); j++ {
				if i == j {
					continue
				}
				left, right := arms[i], arms[j]
				leafL := left[len(left)-1]
				leafR := right[len(right)-1]
				if leafL == leafR || !nodesDisjointExceptRoot(left, right) {
					continue
				}
				seq := joinArms(left, right)
				key := canonicalKey(seq)
				if dedup[key] {
					continue
				}
				dedup[key] = true
				e := entEdge{a: seq[0], b: seq[len(seq)-1], seq: seq}
				g.entAdj[e.a] = append(g.entAdj[e.a], e)
				g.entAdj[e.b] = append(g.entAdj[e.b], e)
			}
		}
	}
}

// bsmArms enumerates simple quantum paths from the BSM root to
// entanglement-capable leaves. Each arm includes the root as its first
// element. Depth is bounded by the node count, so traversal terminates.
func (g *graph) bsmArms(root string) [][]string {
	var arms [][]string
	maxDepth := len(g.nodes)

	var walk func(path []string)
	walk = func(path []string) {
		cur := path[len(path)-1]
		for _, next := range g.quantumNeighbors(cur) {
			if containsNode(path, next) || len(path) >= maxDepth {
				continue
			}
			node, ok := g.nodes[next]
			if !ok {
				continue
			}
			branch := append(append([]string(nil), path...), next)
			if node.Type().EntanglementCapable() {
				arms = append(arms, branch)
				continue
			}
			if node.Type() == model.NodeTypeBSMNode {
				walk(branch)
			}
		}
	}
	walk([]string{root})
	return arms
}

func containsNode(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

// nodesDisjointExceptRoot reports whether two arms share only their root.
func nodesDisjointExceptRoot(a, b []string) bool {
	seen := map[string]bool{}
	for _, id := range a[1:] {
		seen[id] = true
	}
	for _, id := range b[1:] {
		if seen[id] {
			return false
		}
	}
	return true
}

// joinArms concatenates reversed left with right, sharing the root once.
func joinArms(left, right []string) []string {
	seq := make([]string, 0, len(left)+len(right)-1)
	for i := len(left) - 1; i >= 0; i-- {
		seq = append(seq, left[i])
	}
	seq = append(seq, right[1:]...)
	return seq
}

// canonicalKey orients a sequence so both directions hash identically.
func canonicalKey(seq []string) string {
	rev := make([]string, len(seq))
	for i, id := range seq {
		rev[len(seq)-1-i] = id
	}
	fwd := strings.Join(seq, "|")
	bwd := strings.Join(rev, "|")
	if bwd < fwd {
		return bwd
	}
	return fwd
}

// entNeighborEdges returns edges incident to id oriented away from it.
func (g *graph) entNeighborEdges(id string) []entEdge {
	edges := g.entAdj[id]
	out := make([]entEdge, 0, len(edges))
	for _, e := range edges {
		if e.a == id {
			out = append(out, e)
			continue
		}
		// flip so seq runs id -> other end
		rev := make([]string, len(e.seq))
		for i, n := range e.seq {
			rev[len(e.seq)-1-i] = n
		}
		out = append(out, entEdge{a: e.b, b: e.a, seq: rev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].b < out[j].b })
	return out
}
