package translator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/request"
	"github.com/quantnet-project/quantnet-controller/internal/resource"
	"github.com/quantnet-project/quantnet-controller/internal/scheduler"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/model"
)

// Agent readiness polling.
const (
	defaultReadyPoll    = 5 * time.Second
	defaultReadyTimeout = 60 * time.Second
)

var (
	// ErrUnknownExperiment is returned for experiment names outside the
	// loaded catalogue.
	ErrUnknownExperiment = errors.New("translator: unknown experiment")
	// ErrRoleMismatch is returned when a path cannot staff every role.
	ErrRoleMismatch = errors.New("translator: path cannot staff experiment roles")
	// ErrAgentNotReady is returned when an agent never reaches IN_SPEC.
	ErrAgentNotReady = errors.New("translator: agent not ready")
)

// ResultFunc receives per-agent results as they are aggregated; the key is
// the agent's logical ID, or "error" for a run-level failure.
type ResultFunc func(key string, result any)

// Translator maps logical experiments to scheduled multi-agent work.
type Translator struct {
	defs     *Definitions
	registry *resource.Registry
	sched    *scheduler.Scheduler
	log      logging.Logger

	// allocMu serializes slot discovery and reservation across concurrent
	// experiments of the same kind so two requests cannot claim the same
	// starting slot. It does not span submission or result collection.
	allocMu sync.Mutex

	readyPoll    time.Duration
	readyTimeout time.Duration
}

// New builds a translator over the loaded definitions.
func New(defs *Definitions, registry *resource.Registry, sched *scheduler.Scheduler, log logging.Logger) *Translator {
	if log == nil {
		log = logging.Noop()
	}
	return &Translator{
		defs:         defs,
		registry:     registry,
		sched:        sched,
		log:          log,
		readyPoll:    defaultReadyPoll,
		readyTimeout: defaultReadyTimeout,
	}
}

// GetExperimentClass resolves a definition by name.
func (t *Translator) GetExperimentClass(name string) (*model.ExperimentDef, bool) {
	return t.defs.Get(name)
}

// MatchAgentsToExperiment staffs each role of the experiment with path
// hops: optical switches are skipped, then every role takes the first
// remaining hop of its type, in role order. All roles must match.
func (t *Translator) MatchAgentsToExperiment(exp *model.ExperimentDef, path *model.Path) ([]string, error) {
	pool := make([]*model.Node, 0, path.Len())
	for _, hop := range path.Hops {
		if hop.Type() == model.NodeTypeOpticalSwitch {
			continue
		}
		pool = append(pool, hop)
	}

	agents := make([]string, 0, len(exp.AgentSequences))
	for _, role := range exp.AgentSequences {
		matched := -1
		for i, hop := range pool {
			if hop.Type() == role.RoleType {
				matched = i
				break
			}
		}
		if matched < 0 {
			return nil, fmt.Errorf("%w: no %s hop left for role %q in %v",
				ErrRoleMismatch, role.RoleType, role.Name, path.LogicalIDs())
		}
		agents = append(agents, pool[matched].LogicalID())
		pool = append(pool[:matched], pool[matched+1:]...)
	}
	return agents, nil
}

// WaitForAgentReady polls the agent's monitored state until it reports
// IN_SPEC or the readiness budget expires.
func (t *Translator) WaitForAgentReady(ctx context.Context, agentID string) error {
	deadline := time.Now().Add(t.readyTimeout)
	for {
		state, err := t.registry.GetState(agentID)
		if err != nil {
			return err
		}
		if state == resource.StateInSpec {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s last reported %q", ErrAgentNotReady, agentID, state)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.readyPoll):
		}
	}
}

// StartExperiment runs one experiment request end to end: resolve the
// definition, staff the path, wait for readiness, allocate a common slot
// window, submit, and aggregate results. The returned value feeds the
// executor return-code normalization.
func (t *Translator) StartExperiment(ctx context.Context, req *request.Request, onResult ResultFunc) (any, error) {
	if onResult == nil {
		onResult = func(string, any) {}
	}
	ctx, span := observability.StartSpan(ctx, "translator.startExperiment",
		attribute.String("request", req.ID))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	fail := func(failErr error) {
		req.AddResult("error", failErr.Error())
		onResult("error", failErr.Error())
	}

	expName, _ := req.Parameters["expName"].(string)
	exp, ok := t.defs.Get(expName)
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownExperiment, expName)
		fail(err)
		return nil, err
	}

	path, err := t.resolvePath(req.Parameters["path"])
	if err != nil {
		fail(err)
		return nil, err
	}

	agents, err := t.MatchAgentsToExperiment(exp, path)
	if err != nil {
		fail(err)
		return nil, err
	}
	log := logging.WithRequest(ctx, t.log).With(logging.Any("agents", agents))
	log.Info(ctx, "experiment staffed", logging.String("experiment", expName))

	for _, agentID := range agents {
		if err = t.WaitForAgentReady(ctx, agentID); err != nil {
			fail(err)
			return nil, err
		}
	}

	expParams, _ := req.Payload["parameters"].(map[string]any)
	startTime, start, alloc, err := t.allocateWindow(ctx, agents, exp, expParams)
	if err != nil {
		fail(err)
		return nil, err
	}
	log.Info(ctx, "slot window allocated", logging.Int("start", start))

	results, err := t.sched.Allocate(ctx, req.ID, "experiment", startTime, alloc)
	if err != nil {
		fail(err)
		return nil, err
	}

	for agentID, result := range results {
		req.AddResult(agentID, result)
		onResult(agentID, result)
	}
	return status.OK, nil
}

// allocateWindow serializes timeslot discovery and selection under the
// per-kind lock. It returns the wall-clock base of the schedule window, the
// chosen start slot, and per-agent sequence allocations: every sequence of
// an agent's role consumes the prefix of the agent's remaining slots.
func (t *Translator) allocateWindow(ctx context.Context, agents []string, exp *model.ExperimentDef, expParams map[string]any) (time.Time, int, map[string][]scheduler.SeqAlloc, error) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	startTime := t.sched.StartTime()
	availabilities, err := t.sched.GetTimeslots(ctx, agents, startTime)
	if err != nil {
		return time.Time{}, 0, nil, err
	}
	start, contiguous, err := t.sched.FindCommonSlot(agents, availabilities, exp)
	if err != nil {
		return time.Time{}, 0, nil, err
	}

	alloc := make(map[string][]scheduler.SeqAlloc, len(agents))
	for i, agentID := range agents {
		remaining := contiguous[agentID]
		role := exp.AgentSequences[i]
		seqs := make([]scheduler.SeqAlloc, 0, len(role.Sequences))
		for _, seq := range role.Sequences {
			n := seq.NumSlots(t.sched.SlotSize())
			if n > len(remaining) {
				n = len(remaining)
			}
			seqs = append(seqs, scheduler.SeqAlloc{
				ExpName:    seq.Name,
				ClassName:  seq.ClassName,
				Parameters: expParams,
				Slots:      remaining[:n],
			})
			remaining = remaining[n:]
		}
		alloc[agentID] = seqs
	}
	return startTime, start, alloc, nil
}

// resolvePath materializes the request's path parameter, a list of logical
// IDs, into a dense path.
func (t *Translator) resolvePath(raw any) (*model.Path, error) {
	var ids []string
	switch v := raw.(type) {
	case []string:
		ids = v
	case []any:
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("translator: non-string path hop %v", item)
			}
			ids = append(ids, id)
		}
	default:
		return nil, fmt.Errorf("translator: request has no usable path parameter")
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("translator: empty path")
	}
	return model.PathFromLogicalIDs(ids, t.registry)
}
