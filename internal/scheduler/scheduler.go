package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/model"
)

// RPC timeouts at the agent boundary.
const (
	getScheduleTimeout = 5 * time.Second
	submitTimeout      = 5 * time.Second
	getResultTimeout   = 600 * time.Second
	cancelTimeout      = 5 * time.Second
)

var (
	// ErrResourceExhausted is returned when no common slot window fits.
	ErrResourceExhausted = errors.New("scheduler: no common slot window")
	// ErrAgentFailure is returned when an agent RPC fails during a fan-out.
	ErrAgentFailure = errors.New("scheduler: agent call failed")
)

// TopicFunc maps an agent's logical ID to its RPC topic.
type TopicFunc func(agentID string) string

// Scheduler fans RPCs out to agents and reconciles their slot availability.
type Scheduler struct {
	rpc      broker.RPCClient
	topicFor TopicFunc
	log      logging.Logger
	metrics  *observability.ControllerCollector

	gracePeriod time.Duration
	slotSize    time.Duration
	maxSlots    int
}

// New builds a scheduler over the given RPC client. metrics may be nil.
func New(rpc broker.RPCClient, topicFor TopicFunc, gracePeriod, slotSize time.Duration, maxSlots int, log logging.Logger, metrics *observability.ControllerCollector) *Scheduler {
	if log == nil {
		log = logging.Noop()
	}
	return &Scheduler{
		rpc:         rpc,
		topicFor:    topicFor,
		log:         log,
		metrics:     metrics,
		gracePeriod: gracePeriod,
		slotSize:    slotSize,
		maxSlots:    maxSlots,
	}
}

// SlotSize returns the configured slot duration.
func (s *Scheduler) SlotSize() time.Duration { return s.slotSize }

// MaxSlots returns the schedule window width in slots.
func (s *Scheduler) MaxSlots() int { return s.maxSlots }

// StartTime returns now plus the grace period, clamped to the schedule
// window so a misconfigured grace period cannot push past every slot.
func (s *Scheduler) StartTime() time.Time {
	grace := s.gracePeriod
	if window := s.slotSize * time.Duration(s.maxSlots); grace > window {
		grace = window
	}
	return time.Now().Add(grace)
}

// GetTimeslots asks every agent for its availability mask concurrently.
// Any agent failure, transport error or non-OK status, fails the call.
func (s *Scheduler) GetTimeslots(ctx context.Context, agentIDs []string, startTime time.Time) (map[string]*Bitmap, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.getTimeslots",
		attribute.Int("agents", len(agentIDs)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	payload := map[string]any{
		"startTime": startTime.UnixMilli(),
		"slotSize":  s.slotSize.Milliseconds(),
		"numSlots":  s.maxSlots,
	}

	var mu sync.Mutex
	out := make(map[string]*Bitmap, len(agentIDs))

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			begin := time.Now()
			resp, callErr := s.rpc.Call(gctx, "scheduler.getSchedule", payload, s.topicFor(agentID), getScheduleTimeout)
			s.observe("scheduler.getSchedule", begin, callErr)
			if callErr != nil {
				return fmt.Errorf("%w: getSchedule on %s: %v", ErrAgentFailure, agentID, callErr)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: getSchedule on %s: %s", ErrAgentFailure, agentID, resp.Status.Value)
			}
			mask, _ := resp.Payload["timeslots"].(string)
			bitmap, parseErr := ParseHex(mask, s.maxSlots)
			if parseErr != nil {
				return fmt.Errorf("%w: getSchedule on %s: %v", ErrAgentFailure, agentID, parseErr)
			}
			mu.Lock()
			out[agentID] = bitmap
			mu.Unlock()
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindCommonSlot intersects the agents' availability and picks the lowest
// starting slot where the experiment's widest agent requirement fits.
// agentIDs are aligned with exp.AgentSequences in role order. Returns the
// start slot and the contiguous per-agent slot allocations.
func (s *Scheduler) FindCommonSlot(agentIDs []string, availabilities map[string]*Bitmap, exp *model.ExperimentDef) (int, map[string][]int, error) {
	if len(agentIDs) == 0 || len(agentIDs) != len(exp.AgentSequences) {
		return 0, nil, fmt.Errorf("scheduler: %d agents for %d roles", len(agentIDs), len(exp.AgentSequences))
	}

	maskLen := exp.MaxSlotCount(s.slotSize)
	common := availabilities[agentIDs[0]]
	if common == nil {
		return 0, nil, fmt.Errorf("scheduler: no availability for %s", agentIDs[0])
	}
	for _, agentID := range agentIDs[1:] {
		b := availabilities[agentID]
		if b == nil {
			return 0, nil, fmt.Errorf("scheduler: no availability for %s", agentID)
		}
		common = common.And(b)
	}

	start := common.FindRun(maskLen)
	if start < 0 {
		if s.metrics != nil {
			s.metrics.SlotAllocFailures.Inc()
		}
		return 0, nil, fmt.Errorf("%w: %d contiguous slots for %d agents", ErrResourceExhausted, maskLen, len(agentIDs))
	}

	alloc := make(map[string][]int, len(agentIDs))
	for i, agentID := range agentIDs {
		count := exp.AgentSequences[i].SlotCount(s.slotSize)
		slots := make([]int, 0, count)
		for slot := start; slot < start+count; slot++ {
			slots = append(slots, slot)
		}
		alloc[agentID] = slots
	}
	return start, alloc, nil
}

// SeqAlloc is one sequence's share of an agent's slot window: the sequence
// identity and parameters next to the slots it runs in. This is the wire
// shape agents consume.
type SeqAlloc struct {
	ExpName    string
	ClassName  string
	Parameters map[string]any
	Slots      []int
}

func (a SeqAlloc) doc() map[string]any {
	params := a.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"expName":    a.ExpName,
		"className":  a.ClassName,
		"parameters": params,
		"timeSlot":   a.Slots,
	}
}

// Allocate submits the experiment to every allocated agent and awaits the
// results. startTime is the wall-clock base of slot 0. Any submit failure
// cancels every agent, submitted or not, since cancel is idempotent and the
// fan-out context may have aborted sibling submits mid-flight; getResult
// accepts OK and QUEUED as progress.
func (s *Scheduler) Allocate(ctx context.Context, requestID, kind string, startTime time.Time, allocations map[string][]SeqAlloc) (map[string]map[string]any, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.allocate",
		attribute.String("request", requestID), attribute.Int("agents", len(allocations)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	agentIDs := make([]string, 0, len(allocations))
	for agentID := range allocations {
		agentIDs = append(agentIDs, agentID)
	}
	sort.Strings(agentIDs)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			seqs := allocations[agentID]
			seqDocs := make([]any, 0, len(seqs))
			for _, seq := range seqs {
				seqDocs = append(seqDocs, seq.doc())
			}
			payload := map[string]any{
				"type":         "submit",
				"exp_id":       requestID,
				"timeslotBase": startTime.UnixMilli(),
				"allocations":  seqDocs,
			}
			begin := time.Now()
			resp, callErr := s.rpc.Call(gctx, kind+".submit", payload, s.topicFor(agentID), submitTimeout)
			s.observe(kind+".submit", begin, callErr)
			if callErr != nil {
				return fmt.Errorf("%w: submit on %s: %v", ErrAgentFailure, agentID, callErr)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: submit on %s: %s", ErrAgentFailure, agentID, resp.Status.Value)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		s.Cancel(ctx, requestID, agentIDs)
		return nil, err
	}

	results := make(map[string]map[string]any, len(agentIDs))
	g, gctx = errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			// Agents take "expid" here, unlike submit and cancel.
			payload := map[string]any{"type": "get", "expid": requestID}
			begin := time.Now()
			resp, callErr := s.rpc.Call(gctx, kind+".getResult", payload, s.topicFor(agentID), getResultTimeout)
			s.observe(kind+".getResult", begin, callErr)
			if callErr != nil {
				return fmt.Errorf("%w: getResult on %s: %v", ErrAgentFailure, agentID, callErr)
			}
			code := status.Code(resp.Status.Code)
			if code != status.OK && code != status.Queued {
				return fmt.Errorf("%w: getResult on %s: %s", ErrAgentFailure, agentID, resp.Status.Value)
			}
			mu.Lock()
			if resp.Payload != nil {
				results[agentID] = resp.Payload
			} else {
				results[agentID] = map[string]any{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		s.Cancel(ctx, requestID, agentIDs)
		return nil, err
	}
	return results, nil
}

// Cancel fans out experiment.cancel to the agents, best-effort: failures
// are logged and swallowed. Agents that no longer know the request treat
// the cancel as a no-op, so repeating a cancel is safe.
func (s *Scheduler) Cancel(ctx context.Context, requestID string, agentIDs []string) {
	var wg sync.WaitGroup
	for _, agentID := range agentIDs {
		agentID := agentID
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := map[string]any{"exp_id": requestID}
			begin := time.Now()
			resp, err := s.rpc.Call(ctx, "experiment.cancel", payload, s.topicFor(agentID), cancelTimeout)
			s.observe("experiment.cancel", begin, err)
			switch {
			case err != nil:
				s.log.Warn(ctx, "cancel failed",
					logging.String("request", requestID),
					logging.String("agent", agentID),
					logging.Err(err))
			case !resp.OK():
				s.log.Warn(ctx, "cancel rejected",
					logging.String("request", requestID),
					logging.String("agent", agentID),
					logging.String("status", resp.Status.Value))
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) observe(method string, begin time.Time, err error) {
	if s.metrics == nil {
		return
	}
	kind := ""
	if err != nil {
		var rpcErr *broker.RPCError
		if errors.As(err, &rpcErr) {
			kind = rpcErr.Kind.String()
		} else {
			kind = "remote"
		}
	}
	s.metrics.ObserveFanout(method, begin, kind)
}
