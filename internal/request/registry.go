package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/internal/store"
)

// completionPoll is the interval completion handles re-check status at.
const completionPoll = 100 * time.Millisecond

// ExecFunc runs one request to completion and returns a value for
// status.Normalize: a Code, bool, int, string, or nil.
type ExecFunc func(ctx context.Context, req *Request) (any, error)

// core is the process-wide shared state of one (schema, kind) registry:
// the active-request map, the persistence handle and the FIFO queue. Every
// Registry view constructed for the same key shares one core.
type core struct {
	mu     sync.Mutex
	active map[string]*Request
	coll   store.Collection
	log    logging.Logger

	queue     chan *Request
	startOnce sync.Once

	execMu sync.Mutex
	exec   ExecFunc

	metrics *observability.ControllerCollector
}

var (
	coresMu sync.Mutex
	cores   = map[string]*core{}
)

// Registry is a view over the singleton core of one (schema, kind).
type Registry struct {
	schema string
	kind   Kind
	c      *core
}

// NewRegistry returns the registry for (schema, kind), creating the shared
// core on first use. Later calls ignore the store and logger arguments and
// hand back a view over the existing core.
func NewRegistry(schema string, kind Kind, st store.Store, log logging.Logger, metrics *observability.ControllerCollector) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	key := schema + "/" + string(kind)

	coresMu.Lock()
	defer coresMu.Unlock()
	c, ok := cores[key]
	if !ok {
		c = &core{
			active:  make(map[string]*Request),
			coll:    st.Collection(store.CollRequest),
			log:     log.With(logging.String("schema", schema), logging.String("kind", string(kind))),
			queue:   make(chan *Request, 256),
			metrics: metrics,
		}
		cores[key] = c
	}
	return &Registry{schema: schema, kind: kind, c: c}
}

// ResetRegistries drops every shared core. Only tests call this.
func ResetRegistries() {
	coresMu.Lock()
	defer coresMu.Unlock()
	cores = map[string]*core{}
}

// SetExecutor installs the executor that runs requests of this kind.
func (r *Registry) SetExecutor(fn ExecFunc) {
	r.c.execMu.Lock()
	defer r.c.execMu.Unlock()
	r.c.exec = fn
}

// NewRequest builds a request, persists its initial Created state and
// inserts it into the active map. An explicit id that already exists does
// not create a second record; the existing request is returned instead.
func (r *Registry) NewRequest(payload, parameters map[string]any, id string, exec ExecFunc) (*Request, error) {
	if id != "" {
		if existing, err := r.GetRequest(id); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	} else {
		id = uuid.NewString()
	}

	now := time.Now()
	req := &Request{
		ID:         id,
		Kind:       r.kind,
		Parameters: parameters,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		status:     status.New(status.Unknown, ""),
		exec:       exec,
	}
	req.status.Value = "CREATED"

	if err := r.c.coll.Insert(req.Doc()); err != nil {
		return nil, fmt.Errorf("request: persisting %s: %w", id, err)
	}

	r.c.mu.Lock()
	r.c.active[id] = req
	active := len(r.c.active)
	r.c.mu.Unlock()
	if r.c.metrics != nil {
		r.c.metrics.ActiveRequests.Set(float64(active))
	}
	return req, nil
}

// GetRequest reads a request from the active map, falling back to the
// store. A missing id yields (nil, nil).
func (r *Registry) GetRequest(id string) (*Request, error) {
	r.c.mu.Lock()
	if req, ok := r.c.active[id]; ok {
		r.c.mu.Unlock()
		return req, nil
	}
	r.c.mu.Unlock()

	doc, err := r.c.coll.Get(store.Filter{"id": id})
	if err != nil {
		return nil, fmt.Errorf("request: reading %s: %w", id, err)
	}
	if doc == nil {
		return nil, nil
	}
	return FromDoc(doc), nil
}

// FindRequests delegates to the store, swapping in the live object for any
// id still in the active map.
func (r *Registry) FindRequests(filter store.Filter, opts *store.Options) ([]*Request, error) {
	docs, err := r.c.coll.Find(filter, opts)
	if err != nil {
		return nil, fmt.Errorf("request: finding requests: %w", err)
	}
	out := make([]*Request, 0, len(docs))
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	for _, doc := range docs {
		id, _ := doc["id"].(string)
		if live, ok := r.c.active[id]; ok {
			out = append(out, live)
			continue
		}
		out = append(out, FromDoc(doc))
	}
	return out, nil
}

// GetAllActiveRequests returns the live requests, unordered.
func (r *Registry) GetAllActiveRequests() []*Request {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	out := make([]*Request, 0, len(r.c.active))
	for _, req := range r.c.active {
		out = append(out, req)
	}
	return out
}

// Delete removes the request from the active map and the store. It reports
// whether the store removed at least one record.
func (r *Registry) Delete(id string) (bool, error) {
	r.c.mu.Lock()
	delete(r.c.active, id)
	active := len(r.c.active)
	r.c.mu.Unlock()
	if r.c.metrics != nil {
		r.c.metrics.ActiveRequests.Set(float64(active))
	}

	n, err := r.c.coll.Delete(store.Filter{"id": id})
	if err != nil {
		return false, fmt.Errorf("request: deleting %s: %w", id, err)
	}
	return n > 0, nil
}

// Handle resolves when a scheduled request reaches a terminal status.
type Handle struct {
	req *Request
}

// Wait polls until the request is terminal or the context ends.
func (h *Handle) Wait(ctx context.Context) (status.Status, error) {
	ticker := time.NewTicker(completionPoll)
	defer ticker.Stop()
	for {
		if h.req.Terminal() {
			return h.req.Status(), nil
		}
		select {
		case <-ctx.Done():
			return h.req.Status(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Request returns the underlying request.
func (h *Handle) Request() *Request { return h.req }

// Schedule marks the request Queued, enqueues it behind earlier requests of
// the same kind and returns a completion handle. With blocking it waits for
// the terminal status inline.
func (r *Registry) Schedule(ctx context.Context, req *Request, blocking bool) (*Handle, error) {
	r.transition(ctx, req, status.Queued, "")
	r.c.startOnce.Do(func() { go r.worker() })

	select {
	case r.c.queue <- req:
	default:
		r.fail(ctx, req, "request queue is full")
		return nil, fmt.Errorf("request: queue full, %s rejected", req.ID)
	}

	h := &Handle{req: req}
	if blocking {
		if _, err := h.Wait(ctx); err != nil {
			return h, err
		}
	}
	return h, nil
}

// ExecImmediate runs the request through the executor without queueing.
func (r *Registry) ExecImmediate(ctx context.Context, req *Request, blocking bool) (*Handle, error) {
	r.transition(ctx, req, status.Queued, "")
	h := &Handle{req: req}
	if blocking {
		r.run(ctx, req)
		return h, nil
	}
	go r.run(context.Background(), req)
	return h, nil
}

// worker drains the FIFO queue one request at a time, giving each kind
// cooperative single-threaded execution.
func (r *Registry) worker() {
	for req := range r.c.queue {
		r.run(context.Background(), req)
	}
}

// run drives one request through Running to its terminal status, applying
// the return-code normalization to whatever the executor handed back.
func (r *Registry) run(ctx context.Context, req *Request) {
	ctx = logging.ContextWithRequestID(ctx, req.ID)
	log := logging.WithRequest(ctx, r.c.log)

	r.transition(ctx, req, status.Running, "")

	exec := req.exec
	if exec == nil {
		r.c.execMu.Lock()
		exec = r.c.exec
		r.c.execMu.Unlock()
	}
	if exec == nil {
		// No executor for this kind: trivially successful.
		r.finish(ctx, req, status.OK, "")
		return
	}

	rc, err := exec(ctx, req)
	if err != nil {
		log.Error(ctx, "request executor failed", logging.Err(err))
		r.finish(ctx, req, status.Failed, err.Error())
		return
	}
	code := status.Normalize(rc)
	if code.Terminal() {
		msg := ""
		if code == status.Failed {
			msg = fmt.Sprintf("executor returned %v", rc)
		}
		r.finish(ctx, req, code, msg)
		return
	}
	// Non-terminal normalized codes (QUEUED, RUNNING) leave the request
	// in flight; the executor is expected to have scheduled a follow-up.
	log.Debug(ctx, "executor returned non-terminal code", logging.String("code", code.String()))
}

func (r *Registry) transition(ctx context.Context, req *Request, code status.Code, msg string) {
	if req.advance(code, msg) {
		r.persist(ctx, req)
	}
}

// Finish moves the request to a terminal status and persists it. Exposed
// for executors that complete requests asynchronously.
func (r *Registry) Finish(ctx context.Context, req *Request, code status.Code, msg string) {
	r.finish(ctx, req, code, msg)
}

func (r *Registry) finish(ctx context.Context, req *Request, code status.Code, msg string) {
	if !req.advance(code, msg) {
		return
	}
	r.persist(ctx, req)

	r.c.mu.Lock()
	delete(r.c.active, req.ID)
	active := len(r.c.active)
	r.c.mu.Unlock()
	if r.c.metrics != nil {
		r.c.metrics.ActiveRequests.Set(float64(active))
		r.c.metrics.ObserveRequestTerminal(string(req.Kind), code.String())
		if req.Kind == KindExperiment {
			r.c.metrics.ExperimentDuration.Observe(time.Since(req.CreatedAt).Seconds())
		}
	}
	r.c.log.Info(ctx, "request finished",
		logging.String("request", req.ID),
		logging.String("status", code.String()))
}

func (r *Registry) fail(ctx context.Context, req *Request, msg string) {
	r.finish(ctx, req, status.Failed, msg)
}

// persist upserts the request document; every status change goes through
// here so the store always holds the last persisted state.
func (r *Registry) persist(ctx context.Context, req *Request) {
	if err := r.c.coll.Upsert(store.Filter{"id": req.ID}, req.Doc()); err != nil {
		r.c.log.Error(ctx, "persisting request failed",
			logging.String("request", req.ID), logging.Err(err))
	}
}
