// Package resource persists node descriptors registered by agents and
// serves them back to routing, translation and the wire handlers. It owns
// the topology-dirty flag the routing engine rebuilds from.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/model"
)

var (
	// ErrNotFound is returned when a logical ID resolves to no node.
	ErrNotFound = errors.New("resource: node not found")
	// ErrInvalidArgument is returned for malformed node payloads.
	ErrInvalidArgument = errors.New("resource: invalid node payload")
)

// AgentState values reported by agents through monitoring events.
const (
	StateInSpec    = "IN_SPEC"
	StateOutOfSpec = "OUT_OF_SPEC"
)

// Registry is the resource registry: node documents keyed by logical ID,
// plus the most recent monitoring state per agent.
type Registry struct {
	nodes   store.Collection
	monitor store.Collection
	log     logging.Logger

	dirty atomic.Bool
}

// NewRegistry builds a registry over the given store.
func NewRegistry(st store.Store, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	r := &Registry{
		nodes:   st.Collection(store.CollNode),
		monitor: st.Collection(store.CollMonitor),
		log:     log,
	}
	// Anything persisted before this process started still needs a graph.
	r.dirty.Store(true)
	return r
}

// Register upserts a node document keyed by its logical ID and marks the
// topology dirty. A node registering for the first time is assigned an
// instance UUID; re-registration keeps the existing one.
func (r *Registry) Register(ctx context.Context, node *model.Node) (*model.Node, error) {
	if node == nil || node.LogicalID() == "" {
		return nil, fmt.Errorf("%w: missing systemSettings.ID", ErrInvalidArgument)
	}
	if node.Type() == "" {
		return nil, fmt.Errorf("%w: node %q has no type", ErrInvalidArgument, node.LogicalID())
	}

	existing, err := r.lookup(node.LogicalID())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	switch {
	case existing != nil:
		if node.SystemSettings.UUID != "" && node.SystemSettings.UUID != existing.SystemSettings.UUID {
			return nil, fmt.Errorf("%w: node %q re-registered with a different uuid", store.ErrDuplicate, node.LogicalID())
		}
		node.SystemSettings.UUID = existing.SystemSettings.UUID
	case node.SystemSettings.UUID == "":
		node.SystemSettings.UUID = uuid.NewString()
	}
	node.Deleted = false

	doc, err := node.Doc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := r.nodes.Upsert(store.Filter{"systemSettings.ID": node.LogicalID()}, doc); err != nil {
		return nil, fmt.Errorf("resource: persisting node %q: %w", node.LogicalID(), err)
	}

	r.dirty.Store(true)
	r.log.Info(ctx, "node registered",
		logging.String("node", node.LogicalID()),
		logging.String("type", string(node.Type())))
	return node, nil
}

// Deregister soft-deletes the node. The record stays in the store so that
// history and monitoring lookups keep working.
func (r *Registry) Deregister(ctx context.Context, logicalID string) error {
	n, err := r.lookup(logicalID)
	if err != nil {
		return err
	}
	if _, err := r.nodes.Update(store.Filter{"systemSettings.ID": n.LogicalID()}, "deleted", true); err != nil {
		return fmt.Errorf("resource: deregistering node %q: %w", logicalID, err)
	}
	r.dirty.Store(true)
	r.log.Info(ctx, "node deregistered", logging.String("node", logicalID))
	return nil
}

// FindNodes returns all live nodes matching the filter.
func (r *Registry) FindNodes(filter store.Filter) ([]*model.Node, error) {
	docs, err := r.nodes.Find(filter, nil)
	if err != nil {
		return nil, fmt.Errorf("resource: finding nodes: %w", err)
	}
	nodes := make([]*model.Node, 0, len(docs))
	for _, doc := range docs {
		n, err := model.NodeFromDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("resource: decoding node document: %w", err)
		}
		if n.Deleted {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetNodes resolves logical IDs to nodes, failing fast on the first id that
// is missing or deregistered.
func (r *Registry) GetNodes(logicalIDs ...string) ([]*model.Node, error) {
	nodes := make([]*model.Node, 0, len(logicalIDs))
	for _, id := range logicalIDs {
		n, err := r.lookup(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetState returns the most recent agentState monitoring value for the
// agent, or "" when no event has been recorded.
func (r *Registry) GetState(logicalID string) (string, error) {
	docs, err := r.monitor.Find(
		store.Filter{"eventType": "agentState", "rid": logicalID},
		&store.Options{SortBy: "ts", SortDesc: true, Limit: 1},
	)
	if err != nil {
		return "", fmt.Errorf("resource: reading state of %q: %w", logicalID, err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	state, _ := docs[0]["value"].(string)
	return state, nil
}

// GetExpResults returns the experimentResult monitoring events recorded for
// a request, newest first.
func (r *Registry) GetExpResults(requestID string) ([]map[string]any, error) {
	docs, err := r.monitor.Find(
		store.Filter{"eventType": "experimentResult", "rid": requestID},
		&store.Options{SortBy: "ts", SortDesc: true},
	)
	if err != nil {
		return nil, fmt.Errorf("resource: reading results of %q: %w", requestID, err)
	}
	return docs, nil
}

// Topology serializes the registered nodes. The summary form carries only
// identity and channel wiring; the full form returns complete documents.
func (r *Registry) Topology(full bool) ([]map[string]any, error) {
	nodes, err := r.FindNodes(nil)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if full {
			doc, err := n.Doc()
			if err != nil {
				return nil, err
			}
			delete(doc, "_id")
			out = append(out, doc)
			continue
		}
		channels := make([]map[string]any, 0, len(n.Channels))
		for _, ch := range n.Channels {
			entry := map[string]any{
				"ID":        ch.ID,
				"type":      ch.Type,
				"direction": string(ch.Direction),
			}
			if ch.Neighbor != nil {
				entry["neighbor"] = map[string]any{
					"systemRef":  ch.Neighbor.SystemRef,
					"channelRef": ch.Neighbor.ChannelRef,
				}
			}
			channels = append(channels, entry)
		}
		out = append(out, map[string]any{
			"ID":       n.LogicalID(),
			"type":     string(n.Type()),
			"channels": channels,
		})
	}
	return out, nil
}

// Dirty reports whether the topology changed since the last ClearDirty.
func (r *Registry) Dirty() bool { return r.dirty.Load() }

// ClearDirty acknowledges a topology rebuild.
func (r *Registry) ClearDirty() { r.dirty.Store(false) }

func (r *Registry) lookup(logicalID string) (*model.Node, error) {
	doc, err := r.nodes.Get(store.Filter{"systemSettings.ID": logicalID})
	if err != nil {
		return nil, fmt.Errorf("resource: reading node %q: %w", logicalID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, logicalID)
	}
	n, err := model.NodeFromDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("resource: decoding node %q: %w", logicalID, err)
	}
	if n.Deleted {
		return nil, fmt.Errorf("%w: %q (deregistered)", ErrNotFound, logicalID)
	}
	return n, nil
}
