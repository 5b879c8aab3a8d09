// Package broker defines the message-broker adapter surface the controller
// speaks through: RPC with correlation identifiers and fire-and-forget
// pub/sub topics. The wire format is JSON. Two adapters exist: a Redis
// pub/sub adapter for deployments and an in-process bus for tests.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/status"
)

// Request is the wire-level RPC request envelope.
type Request struct {
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Payload map[string]any `json:"payload,omitempty"`
	Status  *status.Status `json:"status,omitempty"`
	ReplyTo string         `json:"replyTo,omitempty"`
}

// Response is the wire-level RPC response envelope. Raw preserves fields
// outside the envelope (agent results carry free-form keys).
type Response struct {
	Status  status.Status  `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
	Raw     map[string]any `json:"-"`
}

// OK reports whether the response carries an OK status.
func (r *Response) OK() bool {
	return r != nil && r.Status.Code == int(status.OK)
}

// Encode renders the response for the wire, merging Raw fields under the
// envelope.
func (r *Response) Encode() ([]byte, error) {
	doc := map[string]any{"status": r.Status.Doc()}
	if r.Payload != nil {
		doc["payload"] = r.Payload
	}
	for k, v := range r.Raw {
		if k == "status" || k == "payload" {
			continue
		}
		doc[k] = v
	}
	return json.Marshal(doc)
}

// DecodeResponse parses a wire response.
func DecodeResponse(raw []byte) (*Response, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &RPCError{Kind: ErrorDecode, Err: err}
	}
	resp := &Response{
		Status: status.FromDoc(doc["status"]),
		Raw:    doc,
	}
	if p, ok := doc["payload"].(map[string]any); ok {
		resp.Payload = p
	}
	return resp, nil
}

// ErrorKind classifies RPC failures.
type ErrorKind int

const (
	ErrorTimeout ErrorKind = iota
	ErrorTransport
	ErrorRemote
	ErrorDecode
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTimeout:
		return "timeout"
	case ErrorTransport:
		return "transport"
	case ErrorRemote:
		return "remote"
	case ErrorDecode:
		return "decode"
	}
	return "unknown"
}

// RPCError is the typed failure of a single RPC call.
type RPCError struct {
	Kind   ErrorKind
	Status *status.Status // set for ErrorRemote
	Err    error
}

func (e *RPCError) Error() string {
	if e.Status != nil {
		return fmt.Sprintf("rpc %s error: %s: %s", e.Kind, e.Status.Value, e.Status.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("rpc %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("rpc %s error", e.Kind)
}

func (e *RPCError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an RPC timeout.
func IsTimeout(err error) bool {
	var rpcErr *RPCError
	if ok := asRPCError(err, &rpcErr); ok {
		return rpcErr.Kind == ErrorTimeout
	}
	return false
}

func asRPCError(err error, target **RPCError) bool {
	for err != nil {
		if e, ok := err.(*RPCError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Handler answers one RPC method.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// MsgHandler consumes one pub/sub message.
type MsgHandler func(ctx context.Context, topic string, payload map[string]any)

// RPCClient issues correlated request/response calls over the broker.
type RPCClient interface {
	// Call sends method+payload to the topic and waits up to timeout for
	// the correlated response.
	Call(ctx context.Context, method string, payload map[string]any, topic string, timeout time.Duration) (*Response, error)
	Close() error
}

// RPCServer serves RPC methods on one listening topic.
type RPCServer interface {
	Handle(method string, h Handler)
	Start(ctx context.Context) error
	Stop() error
}

// MsgClient publishes to pub/sub topics.
type MsgClient interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
	Close() error
}

// MsgServer subscribes handlers to pub/sub topics.
type MsgServer interface {
	Subscribe(topic string, h MsgHandler) error
	Start(ctx context.Context) error
	Stop() error
}
