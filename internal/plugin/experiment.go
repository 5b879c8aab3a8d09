package plugin

import (
	"context"
	"fmt"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/request"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/internal/topology"
)

func init() {
	RegisterFactory("agentExperiment", func(s *Services) (Plugin, error) {
		return newExperimentPlugin(s), nil
	})
}

// experimentPlugin serves the client-facing agentExperiment RPC: submit
// builds a Request over a routed path and schedules it without blocking;
// get returns the current status and result.
type experimentPlugin struct {
	s        *Services
	requests *request.Registry
}

func newExperimentPlugin(s *Services) *experimentPlugin {
	p := &experimentPlugin{s: s, requests: s.Requests(request.KindExperiment)}
	p.requests.SetExecutor(func(ctx context.Context, req *request.Request) (any, error) {
		return s.Translate.StartExperiment(ctx, req, p.publishResult(req.ID))
	})
	return p
}

func (p *experimentPlugin) Name() string { return "agentExperiment" }
func (p *experimentPlugin) Type() Type   { return TypeProtocol }

func (p *experimentPlugin) ServerCommands() map[string]broker.Handler {
	return map[string]broker.Handler{"agentExperiment": p.handle}
}

func (p *experimentPlugin) MsgCommands() map[string]broker.MsgHandler { return nil }
func (p *experimentPlugin) Start(ctx context.Context) error           { return nil }
func (p *experimentPlugin) Stop() error                               { return nil }

func (p *experimentPlugin) handle(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	switch kind, _ := req.Payload["type"].(string); kind {
	case "submit":
		return p.submit(ctx, req)
	case "get":
		return p.get(ctx, req)
	default:
		return &broker.Response{Status: status.New(status.InvalidArgument, "unknown agentExperiment type")}, nil
	}
}

func (p *experimentPlugin) submit(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	expName, _ := req.Payload["expName"].(string)
	if expName == "" {
		return &broker.Response{Status: status.New(status.InvalidArgument, "missing expName")}, nil
	}

	path, err := p.resolvePath(ctx, req.Payload)
	if err != nil {
		return &broker.Response{Status: status.New(status.InvalidArgument, err.Error())}, nil
	}

	id, _ := req.Payload["requestId"].(string)
	r, err := p.requests.NewRequest(req.Payload, map[string]any{
		"expName": expName,
		"path":    path,
	}, id, nil)
	if err != nil {
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	if _, err := p.requests.Schedule(ctx, r, false); err != nil {
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}

	return &broker.Response{
		Status:  status.New(status.OK, ""),
		Payload: map[string]any{"requestId": r.ID, "phase": "queued"},
	}, nil
}

func (p *experimentPlugin) get(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	id, _ := req.Payload["requestId"].(string)
	r, err := p.requests.GetRequest(id)
	if err != nil {
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	if r == nil {
		return &broker.Response{Status: status.New(status.NotFound, "unknown request "+id)}, nil
	}
	payload := map[string]any{"requestId": r.ID, "status": r.Status().Doc()}
	if res := r.Result(); res != nil {
		payload["result"] = res
	}
	return &broker.Response{Status: status.New(status.OK, ""), Payload: payload}, nil
}

// resolvePath returns the request's logical path: either the explicit
// path parameter, or a route the router finds between src and dst.
func (p *experimentPlugin) resolvePath(ctx context.Context, payload map[string]any) ([]string, error) {
	if raw, ok := payload["path"].([]any); ok && len(raw) > 0 {
		ids := make([]string, 0, len(raw))
		for _, item := range raw {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string path hop %v", item)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	src, _ := payload["src"].(string)
	dst, _ := payload["dst"].(string)
	if src == "" || dst == "" {
		return nil, fmt.Errorf("need a path or src and dst")
	}
	paths, err := p.s.Router.FindPaths(ctx, src, dst, topology.ModeEntanglement, topology.Shortest)
	if err != nil {
		return nil, err
	}
	return paths[0].LogicalIDs(), nil
}

// publishResult surfaces per-agent results on the request's own topic.
func (p *experimentPlugin) publishResult(requestID string) func(key string, result any) {
	topic := "experiment-" + requestID
	return func(key string, result any) {
		payload := map[string]any{"requestId": requestID, key: result}
		if err := p.s.Msg.Publish(context.Background(), topic, payload); err != nil {
			p.s.Log.Warn(context.Background(), "publishing result failed",
				logging.String("topic", topic), logging.Err(err))
		}
	}
}
