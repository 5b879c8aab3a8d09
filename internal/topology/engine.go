package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/model"
)

var (
	// ErrNoPath is returned when the graph yields no route.
	ErrNoPath = errors.New("topology: no path")
	// ErrInvalidArgument is returned for unknown endpoints or modes.
	ErrInvalidArgument = errors.New("topology: invalid argument")
)

// Mode selects which graph a path query runs on.
type Mode string

const (
	ModePhysical     Mode = "physical"
	ModeEntanglement Mode = "entanglement"
)

// Algorithm selects the route enumeration strategy.
type Algorithm string

const (
	Shortest       Algorithm = "Shortest"
	AllShortest    Algorithm = "AllShortest"
	AllSimplePaths Algorithm = "AllSimplePaths"
)

// NodeSource feeds the engine with registered nodes and signals staleness;
// the resource registry satisfies it.
type NodeSource interface {
	FindNodes(filter store.Filter) ([]*model.Node, error)
	Dirty() bool
	ClearDirty()
}

// Engine owns the topology graph and the derived entanglement-link graph,
// rebuilding lazily when the node source reports changes.
type Engine struct {
	source  NodeSource
	log     logging.Logger
	metrics *observability.ControllerCollector

	mu    sync.Mutex
	snap  *graph
	built bool
}

// NewEngine builds a routing engine over the node source. metrics may be
// nil.
func NewEngine(source NodeSource, log logging.Logger, metrics *observability.ControllerCollector) *Engine {
	if log == nil {
		log = logging.Noop()
	}
	return &Engine{source: source, log: log, metrics: metrics}
}

// FindPaths answers a path query between two logical IDs.
//
// In entanglement mode the query runs on the entanglement-link graph and
// every hop is expanded back to its physical node sequence; paths whose
// interior carries a non-router entanglement-capable device are rejected.
func (e *Engine) FindPaths(ctx context.Context, src, dst string, mode Mode, algorithm Algorithm) ([]*model.Path, error) {
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if _, ok := g.nodes[src]; !ok {
		return nil, fmt.Errorf("%w: unknown node %q", ErrInvalidArgument, src)
	}
	if _, ok := g.nodes[dst]; !ok {
		return nil, fmt.Errorf("%w: unknown node %q", ErrInvalidArgument, dst)
	}

	if src == dst {
		return []*model.Path{{Hops: []*model.Node{g.nodes[src]}}}, nil
	}

	var sequences [][]string
	switch mode {
	case ModePhysical:
		sequences, err = physicalRoutes(g, src, dst, algorithm)
	case ModeEntanglement:
		sequences, err = entanglementRoutes(g, src, dst, algorithm)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, mode)
	}
	if err != nil {
		return nil, err
	}
	if len(sequences) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s (%s)", ErrNoPath, src, dst, mode)
	}

	paths := make([]*model.Path, 0, len(sequences))
	for _, seq := range sequences {
		hops := make([]*model.Node, 0, len(seq))
		for _, id := range seq {
			hops = append(hops, g.nodes[id])
		}
		paths = append(paths, &model.Path{Hops: hops})
	}
	return paths, nil
}

// snapshot returns the current graph, rebuilding when the source is dirty.
func (e *Engine) snapshot(ctx context.Context) (*graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.built && !e.source.Dirty() {
		return e.snap, nil
	}
	nodes, err := e.source.FindNodes(nil)
	if err != nil {
		return nil, fmt.Errorf("topology: loading nodes: %w", err)
	}
	e.snap = buildGraph(ctx, nodes, e.log)
	e.built = true
	e.source.ClearDirty()
	if e.metrics != nil {
		e.metrics.TopologyRebuilds.Inc()
	}
	e.log.Debug(ctx, "topology rebuilt",
		logging.Int("nodes", len(e.snap.nodes)),
		logging.Int("entanglement_links", countEntEdges(e.snap)))
	return e.snap, nil
}

func countEntEdges(g *graph) int {
	n := 0
	for _, edges := range g.entAdj {
		n += len(edges)
	}
	return n / 2
}

// physicalRoutes runs the algorithm on the directed physical multigraph.
func physicalRoutes(g *graph, src, dst string, algorithm Algorithm) ([][]string, error) {
	neighbors := func(id string) []string {
		seen := map[string]bool{}
		var out []string
		for _, e := range g.adj[id] {
			if !seen[e.to] {
				seen[e.to] = true
				out = append(out, e.to)
			}
		}
		return out
	}
	return enumerate(neighbors, src, dst, algorithm, len(g.nodes))
}

// entanglementRoutes runs the algorithm on the entanglement-link graph,
// filters by the interior-router rule, and expands logical hops back to
// physical sequences.
func entanglementRoutes(g *graph, src, dst string, algorithm Algorithm) ([][]string, error) {
	if !g.nodes[src].Type().EntanglementCapable() {
		return nil, fmt.Errorf("%w: %q is not entanglement capable", ErrInvalidArgument, src)
	}
	if !g.nodes[dst].Type().EntanglementCapable() {
		return nil, fmt.Errorf("%w: %q is not entanglement capable", ErrInvalidArgument, dst)
	}

	neighbors := func(id string) []string {
		seen := map[string]bool{}
		var out []string
		for _, e := range g.entNeighborEdges(id) {
			if !seen[e.b] {
				seen[e.b] = true
				out = append(out, e.b)
			}
		}
		return out
	}
	logical, err := enumerate(neighbors, src, dst, algorithm, len(g.entAdj))
	if err != nil {
		return nil, err
	}

	dedup := map[string]bool{}
	var out [][]string
	for _, route := range logical {
		if !interiorsAreRouters(g, route) {
			continue
		}
		for _, seq := range expandRoute(g, route) {
			if !interiorsAreRouters(g, seq) {
				continue
			}
			key := strings.Join(seq, "|")
			if dedup[key] {
				continue
			}
			dedup[key] = true
			out = append(out, seq)
		}
	}
	return out, nil
}

// interiorsAreRouters rejects sequences whose interior hops include an
// entanglement-capable device that is not a router. Endpoints are exempt;
// non-entanglement interiors (BSMs) pass.
func interiorsAreRouters(g *graph, seq []string) bool {
	for _, id := range seq[1 : len(seq)-1] {
		t := g.nodes[id].Type()
		if t.EntanglementCapable() && !t.Router() {
			return false
		}
	}
	return true
}

// expandRoute replaces each logical hop with its physical sequences. Every
// parallel edge between two hops yields its own expansion.
func expandRoute(g *graph, route []string) [][]string {
	expansions := [][]string{{route[0]}}
	for i := 0; i < len(route)-1; i++ {
		from, to := route[i], route[i+1]
		var segs [][]string
		for _, e := range g.entNeighborEdges(from) {
			if e.b == to {
				segs = append(segs, e.seq)
			}
		}
		var next [][]string
		for _, prefix := range expansions {
			for _, seg := range segs {
				ext := append(append([]string(nil), prefix...), seg[1:]...)
				next = append(next, ext)
			}
		}
		expansions = next
	}
	return expansions
}

// enumerate runs the requested algorithm over an abstract neighbor
// function. Depth is bounded by the vertex count.
func enumerate(neighbors func(string) []string, src, dst string, algorithm Algorithm, order int) ([][]string, error) {
	switch algorithm {
	case Shortest:
		routes := shortestPaths(neighbors, src, dst, true)
		return routes, nil
	case AllShortest:
		return shortestPaths(neighbors, src, dst, false), nil
	case AllSimplePaths:
		return simplePaths(neighbors, src, dst, order), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidArgument, algorithm)
	}
}

// shortestPaths runs a BFS that tracks every parent at the minimum depth.
// With firstOnly it returns a single minimum-hop route; otherwise all
// minimum-hop routes, deduplicated by node sequence.
func shortestPaths(neighbors func(string) []string, src, dst string, firstOnly bool) [][]string {
	depth := map[string]int{src: 0}
	parents := map[string][]string{}
	frontier := []string{src}
	found := -1

	for len(frontier) > 0 && found < 0 {
		var next []string
		for _, cur := range frontier {
			for _, peer := range neighbors(cur) {
				d, seen := depth[peer]
				switch {
				case !seen:
					depth[peer] = depth[cur] + 1
					parents[peer] = []string{cur}
					next = append(next, peer)
				case d == depth[cur]+1:
					parents[peer] = append(parents[peer], cur)
				}
				if peer == dst {
					found = depth[peer]
				}
			}
		}
		frontier = next
	}
	if found < 0 {
		return nil
	}

	var routes [][]string
	var unwind func(id string, suffix []string)
	unwind = func(id string, suffix []string) {
		route := append([]string{id}, suffix...)
		if id == src {
			routes = append(routes, route)
			return
		}
		for _, p := range parents[id] {
			unwind(p, route)
		}
	}
	unwind(dst, nil)

	dedup := map[string]bool{}
	var out [][]string
	for _, r := range routes {
		key := strings.Join(r, "|")
		if dedup[key] {
			continue
		}
		dedup[key] = true
		out = append(out, r)
		if firstOnly {
			break
		}
	}
	return out
}

// simplePaths enumerates all simple routes with a DFS bounded by the
// vertex count.
func simplePaths(neighbors func(string) []string, src, dst string, order int) [][]string {
	var out [][]string
	var walk func(path []string)
	walk = func(path []string) {
		cur := path[len(path)-1]
		if cur == dst {
			out = append(out, append([]string(nil), path...))
			return
		}
		if len(path) >= order {
			return
		}
		for _, peer := range neighbors(cur) {
			if containsNode(path, peer) {
				continue
			}
			walk(append(path, peer))
		}
	}
	walk([]string{src})
	return out
}
