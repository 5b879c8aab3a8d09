// Package request owns the live Request objects of the controller: typed
// per-(schema, kind) registries that persist, deduplicate and drive each
// request through its lifecycle state machine.
package request

import (
	"sync"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/status"
)

// Kind classifies what a request asks the controller to do.
type Kind string

const (
	KindExperiment  Kind = "Experiment"
	KindCalibration Kind = "Calibration"
	KindSimulation  Kind = "Simulation"
	KindProtocol    Kind = "Protocol"
)

// ErrorEntry is one appended failure record.
type ErrorEntry struct {
	TS      int64  `json:"ts"`
	Message string `json:"error"`
}

// Request is the persisted, stateful record of an externally submitted job.
// The zero status means Created; the code then advances monotonically
// through Queued and Running to a terminal OK or Failed.
type Request struct {
	mu sync.Mutex

	ID         string
	Kind       Kind
	Parameters map[string]any
	Payload    map[string]any
	Errors     []ErrorEntry
	CreatedAt  time.Time
	UpdatedAt  time.Time

	result map[string]any

	status status.Status

	// custom executor for Protocol requests; never persisted
	exec ExecFunc
}

// lifecycleRank orders status codes along the request state machine.
// Everything outside the closed lifecycle set counts as Created.
func lifecycleRank(c status.Code) int {
	switch c {
	case status.Queued:
		return 1
	case status.Running:
		return 2
	case status.OK, status.Failed:
		return 3
	default:
		return 0
	}
}

// Status returns a copy of the current status.
func (r *Request) Status() status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Terminal reports whether the request reached OK or Failed.
func (r *Request) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return status.Code(r.status.Code).Terminal()
}

// advance moves the status forward. Backward transitions are dropped; once
// terminal, updates only append to the error list. It reports whether the
// status actually changed.
func (r *Request) advance(code status.Code, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := status.Code(r.status.Code)
	if cur.Terminal() || lifecycleRank(code) <= lifecycleRank(cur) {
		if message != "" {
			r.Errors = append(r.Errors, ErrorEntry{TS: time.Now().UnixMilli(), Message: message})
			r.UpdatedAt = time.Now()
		}
		return false
	}

	r.status = status.New(code, message)
	if code == status.Failed && message != "" {
		r.status.Reason = message
		r.Errors = append(r.Errors, ErrorEntry{TS: time.Now().UnixMilli(), Message: message})
	}
	r.UpdatedAt = time.Now()
	return true
}

// AppendError records a failure without touching the status.
func (r *Request) AppendError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, ErrorEntry{TS: time.Now().UnixMilli(), Message: message})
	r.UpdatedAt = time.Now()
}

// SetResult replaces the opaque result map.
func (r *Request) SetResult(result map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	r.UpdatedAt = time.Now()
}

// AddResult merges one keyed entry into the result map. Experiment runs
// call this per agent, and with the "error" key when a run fails.
func (r *Request) AddResult(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		r.result = make(map[string]any)
	}
	r.result[key] = value
	r.UpdatedAt = time.Now()
}

// Result returns a shallow copy of the result map, nil if empty.
func (r *Request) Result() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.result) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.result))
	for k, v := range r.result {
		out[k] = v
	}
	return out
}

// Doc renders the request for the store.
func (r *Request) Doc() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := make([]any, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, map[string]any{"ts": e.TS, "error": e.Message})
	}
	doc := map[string]any{
		"id":        r.ID,
		"kind":      string(r.Kind),
		"status":    r.status.Doc(),
		"errors":    errs,
		"createdAt": r.CreatedAt.UnixMilli(),
		"updatedAt": r.UpdatedAt.UnixMilli(),
	}
	if r.Parameters != nil {
		doc["parameters"] = r.Parameters
	}
	if r.Payload != nil {
		doc["payload"] = r.Payload
	}
	if r.result != nil {
		doc["result"] = r.result
	}
	return doc
}

// FromDoc reconstructs a request from its persisted form.
func FromDoc(doc map[string]any) *Request {
	r := &Request{}
	r.ID, _ = doc["id"].(string)
	if k, ok := doc["kind"].(string); ok {
		r.Kind = Kind(k)
	}
	r.Parameters, _ = doc["parameters"].(map[string]any)
	r.Payload, _ = doc["payload"].(map[string]any)
	r.result, _ = doc["result"].(map[string]any)
	r.status = status.FromDoc(doc["status"])
	if raw, ok := doc["errors"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			entry := ErrorEntry{}
			if ts, ok := m["ts"].(float64); ok {
				entry.TS = int64(ts)
			}
			entry.Message, _ = m["error"].(string)
			r.Errors = append(r.Errors, entry)
		}
	}
	if ts, ok := doc["createdAt"].(float64); ok {
		r.CreatedAt = time.UnixMilli(int64(ts))
	}
	if ts, ok := doc["updatedAt"].(float64); ok {
		r.UpdatedAt = time.UnixMilli(int64(ts))
	}
	return r
}
