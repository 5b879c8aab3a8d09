package plugin

import (
	"context"
	"errors"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/resource"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/model"
)

func init() {
	RegisterFactory("agentRegister", func(s *Services) (Plugin, error) {
		return &registerPlugin{s: s}, nil
	})
}

// registerPlugin serves the node lifecycle surface agents speak at startup:
// register, deregister, update and getinfo.
type registerPlugin struct {
	s *Services
}

func (p *registerPlugin) Name() string { return "agentRegister" }
func (p *registerPlugin) Type() Type   { return TypeProtocol }

func (p *registerPlugin) ServerCommands() map[string]broker.Handler {
	return map[string]broker.Handler{
		"register":   p.register,
		"deregister": p.deregister,
		"update":     p.register,
		"getinfo":    p.getinfo,
	}
}

func (p *registerPlugin) MsgCommands() map[string]broker.MsgHandler { return nil }
func (p *registerPlugin) Start(ctx context.Context) error           { return nil }
func (p *registerPlugin) Stop() error                               { return nil }

func (p *registerPlugin) register(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	node, err := model.NodeFromDoc(req.Payload)
	if err != nil {
		return &broker.Response{Status: status.New(status.InvalidArgument, err.Error())}, nil
	}
	registered, err := p.s.Resources.Register(ctx, node)
	switch {
	case errors.Is(err, resource.ErrInvalidArgument):
		return &broker.Response{Status: status.New(status.InvalidArgument, err.Error())}, nil
	case errors.Is(err, store.ErrDuplicate):
		return &broker.Response{Status: status.New(status.InvalidArgument, err.Error())}, nil
	case err != nil:
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	p.updateNodeGauge()
	return &broker.Response{
		Status:  status.New(status.OK, ""),
		Payload: map[string]any{"uuid": registered.SystemSettings.UUID},
	}, nil
}

// updateNodeGauge refreshes the registered-node gauge after membership
// changes. Soft-deleted nodes stay out of FindNodes and so out of the count.
func (p *registerPlugin) updateNodeGauge() {
	if p.s.Metrics == nil {
		return
	}
	nodes, err := p.s.Resources.FindNodes(nil)
	if err != nil {
		return
	}
	p.s.Metrics.RegisteredNodes.Set(float64(len(nodes)))
}

func (p *registerPlugin) deregister(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	id, _ := req.Payload["ID"].(string)
	if id == "" {
		return &broker.Response{Status: status.New(status.InvalidArgument, "missing ID")}, nil
	}
	if err := p.s.Resources.Deregister(ctx, id); err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return &broker.Response{Status: status.New(status.NotFound, err.Error())}, nil
		}
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	p.updateNodeGauge()
	return &broker.Response{Status: status.New(status.OK, "")}, nil
}

// getinfo answers topology and node queries over the registry.
func (p *registerPlugin) getinfo(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	kind, _ := req.Payload["type"].(string)
	switch kind {
	case "topology":
		full, _ := req.Payload["full"].(bool)
		nodes, err := p.s.Resources.Topology(full)
		if err != nil {
			return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
		}
		return &broker.Response{
			Status:  status.New(status.OK, ""),
			Payload: map[string]any{"nodes": nodes},
		}, nil

	case "node":
		id, _ := req.Payload["ID"].(string)
		nodes, err := p.s.Resources.GetNodes(id)
		if err != nil {
			if errors.Is(err, resource.ErrNotFound) {
				return &broker.Response{Status: status.New(status.NotFound, err.Error())}, nil
			}
			return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
		}
		doc, err := nodes[0].Doc()
		if err != nil {
			return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
		}
		state, err := p.s.Resources.GetState(id)
		if err != nil {
			p.s.Log.Warn(ctx, "reading agent state failed", logging.String("node", id), logging.Err(err))
		}
		doc["agentState"] = state
		return &broker.Response{Status: status.New(status.OK, ""), Payload: doc}, nil

	default:
		return &broker.Response{Status: status.New(status.InvalidArgument, "unknown getinfo type")}, nil
	}
}
