package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/request"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/internal/store"
)

// Calibration run phases, in order.
const (
	PhaseInitialized = "Initialized"
	PhaseCalibrating = "Calibrating"
	PhaseCleanup     = "Cleanup"
	PhaseDone        = "Done"
	PhaseFailed      = "Failed"
)

const calibrationStepTimeout = 5 * time.Second

func init() {
	RegisterFactory("agentCalibration", func(s *Services) (Plugin, error) {
		return newCalibrationPlugin(s), nil
	})
}

// calibrationPlugin drives two-agent calibration runs through their phase
// machine, publishing every transition on the run's own topic and keeping
// the Calibration collection current.
type calibrationPlugin struct {
	s        *Services
	requests *request.Registry
	runs     store.Collection
	blobs    store.Collection
}

func newCalibrationPlugin(s *Services) *calibrationPlugin {
	p := &calibrationPlugin{
		s:        s,
		requests: s.Requests(request.KindCalibration),
		runs:     s.Store.Collection(store.CollCalibration),
		blobs:    s.Store.Collection(store.CollBlob),
	}
	p.requests.SetExecutor(p.run)
	return p
}

func (p *calibrationPlugin) Name() string { return "agentCalibration" }
func (p *calibrationPlugin) Type() Type   { return TypeProtocol }

func (p *calibrationPlugin) ServerCommands() map[string]broker.Handler {
	return map[string]broker.Handler{"agentCalibration": p.handle}
}

func (p *calibrationPlugin) MsgCommands() map[string]broker.MsgHandler { return nil }
func (p *calibrationPlugin) Start(ctx context.Context) error           { return nil }
func (p *calibrationPlugin) Stop() error                               { return nil }

func (p *calibrationPlugin) handle(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	switch kind, _ := req.Payload["type"].(string); kind {
	case "submit":
		return p.submit(ctx, req)
	case "get":
		return p.get(ctx, req)
	default:
		return &broker.Response{Status: status.New(status.InvalidArgument, "unknown agentCalibration type")}, nil
	}
}

func (p *calibrationPlugin) submit(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	src, _ := req.Payload["src"].(string)
	dst, _ := req.Payload["dst"].(string)
	if src == "" || dst == "" {
		return &broker.Response{Status: status.New(status.InvalidArgument, "calibration needs src and dst")}, nil
	}
	if _, err := p.s.Resources.GetNodes(src, dst); err != nil {
		return &broker.Response{Status: status.New(status.NotFound, err.Error())}, nil
	}

	id, _ := req.Payload["requestId"].(string)
	r, err := p.requests.NewRequest(req.Payload, map[string]any{"src": src, "dst": dst}, id, nil)
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

func (p *calibrationPlugin) get(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	id, _ := req.Payload["requestId"].(string)
	doc, err := p.runs.Get(store.Filter{"id": id})
	if err != nil {
		return &broker.Response{Status: status.New(status.Failed, err.Error())}, nil
	}
	if doc == nil {
		return &broker.Response{Status: status.New(status.NotFound, "unknown calibration "+id)}, nil
	}
	return &broker.Response{Status: status.New(status.OK, ""), Payload: doc}, nil
}

// run executes the phase machine: Initialized (srcInit/dstInit) →
// Calibrating (generation/calibration) → Cleanup (cleanUp on both) →
// Done. Any step failure runs cleanup best-effort and fails the run.
func (p *calibrationPlugin) run(ctx context.Context, req *request.Request) (any, error) {
	src, _ := req.Parameters["src"].(string)
	dst, _ := req.Parameters["dst"].(string)
	log := logging.WithRequest(ctx, p.s.Log)

	steps := map[string]map[string]any{}
	fail := func(step string, err error) (any, error) {
		p.cleanupBestEffort(ctx, req.ID, src, dst)
		p.setPhase(ctx, req.ID, src, dst, PhaseFailed)
		return nil, fmt.Errorf("calibration step %s: %w", step, err)
	}

	p.setPhase(ctx, req.ID, src, dst, PhaseInitialized)
	if out, err := p.step(ctx, req.ID, "calibration.srcInit", src); err != nil {
		return fail("srcInit", err)
	} else {
		steps["srcInit"] = out
	}
	if out, err := p.step(ctx, req.ID, "calibration.dstInit", dst); err != nil {
		return fail("dstInit", err)
	} else {
		steps["dstInit"] = out
	}

	p.setPhase(ctx, req.ID, src, dst, PhaseCalibrating)
	if out, err := p.step(ctx, req.ID, "calibration.generation", src); err != nil {
		return fail("generation", err)
	} else {
		steps["generation"] = out
	}
	if out, err := p.step(ctx, req.ID, "calibration.calibration", dst); err != nil {
		return fail("calibration", err)
	} else {
		steps["calibration"] = out
	}

	p.setPhase(ctx, req.ID, src, dst, PhaseCleanup)
	p.cleanupBestEffort(ctx, req.ID, src, dst)

	p.setPhase(ctx, req.ID, src, dst, PhaseDone)
	req.SetResult(map[string]any{"src": src, "dst": dst, "phase": PhaseDone})

	// Raw step payloads can be large; they go to the blob collection
	// instead of the request record.
	if err := p.blobs.Upsert(store.Filter{"id": req.ID}, map[string]any{
		"id": req.ID, "kind": "calibration", "steps": steps,
	}); err != nil {
		log.Warn(ctx, "persisting calibration blob failed", logging.Err(err))
	}
	return status.OK, nil
}

func (p *calibrationPlugin) step(ctx context.Context, requestID, method, agentID string) (map[string]any, error) {
	payload := map[string]any{"cal_id": requestID}
	resp, err := p.s.RPC.Call(ctx, method, payload, p.s.Config.MQ.AgentTopic(agentID), calibrationStepTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, agentID, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s on %s: %s", method, agentID, resp.Status.Value)
	}
	return resp.Payload, nil
}

func (p *calibrationPlugin) cleanupBestEffort(ctx context.Context, requestID string, agents ...string) {
	for _, agentID := range agents {
		if _, err := p.step(ctx, requestID, "calibration.cleanUp", agentID); err != nil {
			p.s.Log.Warn(ctx, "calibration cleanup failed",
				logging.String("request", requestID),
				logging.String("agent", agentID),
				logging.Err(err))
		}
	}
}

// setPhase persists the run's phase and publishes the transition on the
// calibration-<id> topic.
func (p *calibrationPlugin) setPhase(ctx context.Context, requestID, src, dst, phase string) {
	doc := map[string]any{
		"id": requestID, "src": src, "dst": dst,
		"phase": phase, "ts": time.Now().UnixMilli(),
	}
	if err := p.runs.Upsert(store.Filter{"id": requestID}, doc); err != nil {
		p.s.Log.Error(ctx, "persisting calibration phase failed",
			logging.String("request", requestID), logging.Err(err))
	}
	if err := p.s.Msg.Publish(ctx, "calibration-"+requestID, doc); err != nil {
		p.s.Log.Warn(ctx, "publishing calibration phase failed",
			logging.String("request", requestID), logging.Err(err))
	}
}
