package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantnet-project/quantnet-controller/internal/status"
)

// Bus is an in-process broker used by tests and single-process runs. RPC
// topics map to registered servers; pub/sub topics fan out synchronously to
// subscribers.
type Bus struct {
	mu      sync.RWMutex
	servers map[string]*busServer   // topic -> server
	subs    map[string][]MsgHandler // topic -> handlers
}

// NewBus returns an empty in-process broker.
func NewBus() *Bus {
	return &Bus{
		servers: make(map[string]*busServer),
		subs:    make(map[string][]MsgHandler),
	}
}

// RPCClient returns a client that dispatches against servers on this bus.
func (b *Bus) RPCClient() RPCClient { return &busClient{bus: b} }

// RPCServer returns a server listening on the given topic.
func (b *Bus) RPCServer(topic string) RPCServer {
	b.mu.Lock()
	defer b.mu.Unlock()
	srv, ok := b.servers[topic]
	if !ok {
		srv = &busServer{handlers: make(map[string]Handler)}
		b.servers[topic] = srv
	}
	return srv
}

// MsgClient returns a publisher on this bus.
func (b *Bus) MsgClient() MsgClient { return &busMsg{bus: b} }

// MsgServer returns a subscriber registry on this bus.
func (b *Bus) MsgServer() MsgServer { return &busMsg{bus: b} }

type busServer struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func (s *busServer) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *busServer) Start(ctx context.Context) error { return nil }
func (s *busServer) Stop() error                     { return nil }

func (s *busServer) dispatch(ctx context.Context, req *Request) (*Response, error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return &Response{Status: status.New(status.NotFound, "unknown method "+req.Method)}, nil
	}
	return h(ctx, req)
}

type busClient struct {
	bus *Bus
}

func (c *busClient) Call(ctx context.Context, method string, payload map[string]any, topic string, timeout time.Duration) (*Response, error) {
	c.bus.mu.RLock()
	srv, ok := c.bus.servers[topic]
	c.bus.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Kind: ErrorTransport, Err: errNoServer(topic)}
	}

	req := &Request{ID: uuid.NewString(), Method: method, Payload: payload}
	// Round-trip through JSON so payload types match the wire adapters.
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, &RPCError{Kind: ErrorDecode, Err: err}
	}
	req = &Request{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, &RPCError{Kind: ErrorDecode, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := srv.dispatch(callCtx, req)
		done <- result{resp, err}
	}()

	select {
	case <-callCtx.Done():
		return nil, &RPCError{Kind: ErrorTimeout, Err: callCtx.Err()}
	case r := <-done:
		if r.err != nil {
			return nil, &RPCError{Kind: ErrorRemote, Err: r.err}
		}
		// Round-trip through the wire codec so tests exercise it.
		raw, err := r.resp.Encode()
		if err != nil {
			return nil, &RPCError{Kind: ErrorDecode, Err: err}
		}
		return DecodeResponse(raw)
	}
}

func (c *busClient) Close() error { return nil }

type errNoServer string

func (e errNoServer) Error() string { return "no rpc server on topic " + string(e) }

type busMsg struct {
	bus *Bus
}

func (m *busMsg) Publish(ctx context.Context, topic string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	payload = nil
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	m.bus.mu.RLock()
	handlers := append([]MsgHandler(nil), m.bus.subs[topic]...)
	m.bus.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, topic, payload)
	}
	return nil
}

func (m *busMsg) Subscribe(topic string, h MsgHandler) error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	m.bus.subs[topic] = append(m.bus.subs[topic], h)
	return nil
}

func (m *busMsg) Start(ctx context.Context) error { return nil }
func (m *busMsg) Stop() error                     { return nil }
func (m *busMsg) Close() error                    { return nil }
