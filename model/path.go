package model

// Path is an ordered sequence of node hops produced by the routing engine.
// A dense path embeds full Node objects; a sparse path carries only logical
// IDs and is what crosses the wire and the store.
type Path struct {
	Hops []*Node
}

// NodeGetter resolves logical IDs to full node objects; the resource
// registry satisfies it.
type NodeGetter interface {
	GetNodes(logicalIDs ...string) ([]*Node, error)
}

// LogicalIDs extracts the sparse form of the path.
func (p *Path) LogicalIDs() []string {
	if p == nil || p.Hops == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Hops))
	for _, hop := range p.Hops {
		ids = append(ids, hop.LogicalID())
	}
	return ids
}

// Len returns the number of hops.
func (p *Path) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Hops)
}

// PathFromLogicalIDs materializes a dense path from sparse logical IDs.
// With a nil getter the hops are stubbed with ID-only nodes.
func PathFromLogicalIDs(ids []string, getter NodeGetter) (*Path, error) {
	if ids == nil {
		return &Path{}, nil
	}
	if getter == nil {
		hops := make([]*Node, 0, len(ids))
		for _, id := range ids {
			hops = append(hops, &Node{SystemSettings: SystemSettings{ID: id}})
		}
		return &Path{Hops: hops}, nil
	}
	nodes, err := getter.GetNodes(ids...)
	if err != nil {
		return nil, err
	}
	return &Path{Hops: nodes}, nil
}
