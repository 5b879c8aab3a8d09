package plugin

import (
	"context"
	"errors"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/internal/topology"
)

func init() {
	RegisterFactory("PathFinder", func(s *Services) (Plugin, error) {
		return &pathFinderPlugin{s: s}, nil
	})
}

// pathFinderPlugin is the routing singleton: a thin RPC surface over the
// topology engine.
type pathFinderPlugin struct {
	s *Services
}

func (p *pathFinderPlugin) Name() string { return "PathFinder" }
func (p *pathFinderPlugin) Type() Type   { return TypeRouting }

func (p *pathFinderPlugin) ServerCommands() map[string]broker.Handler {
	return map[string]broker.Handler{"findPath": p.findPath}
}

func (p *pathFinderPlugin) MsgCommands() map[string]broker.MsgHandler { return nil }
func (p *pathFinderPlugin) Start(ctx context.Context) error           { return nil }
func (p *pathFinderPlugin) Stop() error                               { return nil }

func (p *pathFinderPlugin) findPath(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	src, _ := req.Payload["src"].(string)
	dst, _ := req.Payload["dst"].(string)
	if src == "" || dst == "" {
		return &broker.Response{Status: status.New(status.InvalidArgument, "findPath needs src and dst")}, nil
	}

	mode := topology.ModeEntanglement
	if m, ok := req.Payload["mode"].(string); ok && m != "" {
		mode = topology.Mode(m)
	}
	algorithm := topology.AllShortest
	if a, ok := req.Payload["algorithm"].(string); ok && a != "" {
		algorithm = topology.Algorithm(a)
	}

	paths, err := p.s.Router.FindPaths(ctx, src, dst, mode, algorithm)
	switch {
	case errors.Is(err, topology.ErrInvalidArgument):
		return &broker.Response{Status: status.New(status.InvalidArgument, err.Error())}, nil
	case errors.Is(err, topology.ErrNoPath):
		return &broker.Response{Status: status.New(status.NotFound, err.Error())}, nil
	case err != nil:
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}

	out := make([]any, 0, len(paths))
	for _, path := range paths {
		ids := path.LogicalIDs()
		hops := make([]any, 0, len(ids))
		for _, id := range ids {
			hops = append(hops, id)
		}
		out = append(out, hops)
	}
	return &broker.Response{
		Status:  status.New(status.OK, ""),
		Payload: map[string]any{"paths": out},
	}, nil
}
