package plugin

import (
	"context"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/request"
	"github.com/quantnet-project/quantnet-controller/internal/status"
)

func init() {
	RegisterFactory("agentSimulation", func(s *Services) (Plugin, error) {
		return &simulationPlugin{s: s, requests: s.Requests(request.KindSimulation)}, nil
	})
}

// simulationPlugin records simulation requests; they have no executor and
// complete immediately.
type simulationPlugin struct {
	s        *Services
	requests *request.Registry
}

func (p *simulationPlugin) Name() string { return "agentSimulation" }
func (p *simulationPlugin) Type() Type   { return TypeProtocol }

func (p *simulationPlugin) ServerCommands() map[string]broker.Handler {
	return map[string]broker.Handler{"agentSimulation": p.handle}
}

func (p *simulationPlugin) MsgCommands() map[string]broker.MsgHandler { return nil }
func (p *simulationPlugin) Start(ctx context.Context) error           { return nil }
func (p *simulationPlugin) Stop() error                               { return nil }

func (p *simulationPlugin) handle(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	id, _ := req.Payload["requestId"].(string)
	r, err := p.requests.NewRequest(req.Payload, nil, id, nil)
	if err != nil {
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	if _, err := p.requests.ExecImmediate(ctx, r, true); err != nil {
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	return &broker.Response{
		Status:  status.New(status.OK, ""),
		Payload: map[string]any{"requestId": r.ID, "status": r.Status().Doc()},
	}, nil
}
