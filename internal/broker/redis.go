package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/status"
)

const replyTopicPrefix = "reply/"

// Connect dials the broker with a bounded exponential retry budget. A
// broker that stays unreachable is a startup failure.
func Connect(addr string, log logging.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn(ctx, "broker not reachable, retrying", logging.String("addr", addr), logging.Err(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: connecting to %s: %w", addr, err)
	}
	return client, nil
}

// redisRPCClient issues calls over Redis pub/sub with per-call reply
// topics; the request id doubles as the correlation id.
type redisRPCClient struct {
	client *redis.Client
	name   string
	log    logging.Logger
}

// NewRedisRPCClient wraps an established Redis connection as an RPCClient.
func NewRedisRPCClient(client *redis.Client, name string, log logging.Logger) RPCClient {
	return &redisRPCClient{client: client, name: name, log: log}
}

func (c *redisRPCClient) Call(ctx context.Context, method string, payload map[string]any, topic string, timeout time.Duration) (*Response, error) {
	req := &Request{
		ID:      uuid.NewString(),
		Method:  method,
		Payload: payload,
	}
	req.ReplyTo = replyTopicPrefix + req.ID

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, &RPCError{Kind: ErrorDecode, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe to the reply topic before publishing so the response
	// cannot race the subscription.
	sub := c.client.Subscribe(callCtx, req.ReplyTo)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(callCtx); err != nil {
		return nil, &RPCError{Kind: ErrorTransport, Err: err}
	}

	if err := c.client.Publish(callCtx, topic, raw).Err(); err != nil {
		return nil, &RPCError{Kind: ErrorTransport, Err: err}
	}

	select {
	case <-callCtx.Done():
		return nil, &RPCError{Kind: ErrorTimeout, Err: callCtx.Err()}
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, &RPCError{Kind: ErrorTransport, Err: fmt.Errorf("reply channel closed")}
		}
		return DecodeResponse([]byte(msg.Payload))
	}
}

func (c *redisRPCClient) Close() error { return nil }

// redisRPCServer answers RPC requests arriving on one topic.
type redisRPCServer struct {
	client *redis.Client
	topic  string
	log    logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	sub      *redis.PubSub
	cancel   context.CancelFunc
}

// NewRedisRPCServer wraps an established Redis connection as an RPCServer
// listening on the given topic.
func NewRedisRPCServer(client *redis.Client, topic string, log logging.Logger) RPCServer {
	return &redisRPCServer{
		client:   client,
		topic:    topic,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

func (s *redisRPCServer) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *redisRPCServer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sub = s.client.Subscribe(runCtx, s.topic)
	if _, err := s.sub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("broker: subscribing rpc topic %s: %w", s.topic, err)
	}

	go func() {
		for msg := range s.sub.Channel() {
			s.serveOne(runCtx, []byte(msg.Payload))
		}
	}()
	return nil
}

func (s *redisRPCServer) serveOne(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.log.Warn(ctx, "dropping undecodable rpc request", logging.Err(err))
		return
	}
	if req.ReplyTo == "" {
		s.log.Warn(ctx, "dropping rpc request without reply topic", logging.String("method", req.Method))
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	go func() {
		var resp *Response
		if !ok {
			resp = &Response{Status: status.New(status.NotFound, "unknown method "+req.Method)}
		} else {
			var err error
			resp, err = h(ctx, &req)
			if err != nil {
				resp = &Response{Status: status.New(status.Failed, err.Error())}
			}
		}
		if resp.Raw == nil {
			resp.Raw = map[string]any{}
		}
		resp.Raw["id"] = req.ID

		encoded, err := resp.Encode()
		if err != nil {
			s.log.Error(ctx, "encoding rpc response failed", logging.String("method", req.Method), logging.Err(err))
			return
		}
		if err := s.client.Publish(ctx, req.ReplyTo, encoded).Err(); err != nil {
			s.log.Error(ctx, "publishing rpc response failed", logging.String("method", req.Method), logging.Err(err))
		}
	}()
}

func (s *redisRPCServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		return s.sub.Close()
	}
	return nil
}

// redisMsgClient publishes JSON payloads to pub/sub topics.
type redisMsgClient struct {
	client *redis.Client
}

// NewRedisMsgClient wraps an established Redis connection as a MsgClient.
func NewRedisMsgClient(client *redis.Client) MsgClient {
	return &redisMsgClient{client: client}
}

func (c *redisMsgClient) Publish(ctx context.Context, topic string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: encoding message: %w", err)
	}
	if err := c.client.Publish(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("broker: publishing to %s: %w", topic, err)
	}
	return nil
}

func (c *redisMsgClient) Close() error { return nil }

// redisMsgServer dispatches pub/sub messages to subscribed handlers.
type redisMsgServer struct {
	client *redis.Client
	log    logging.Logger

	mu       sync.RWMutex
	handlers map[string][]MsgHandler
	sub      *redis.PubSub
	cancel   context.CancelFunc
}

// NewRedisMsgServer wraps an established Redis connection as a MsgServer.
func NewRedisMsgServer(client *redis.Client, log logging.Logger) MsgServer {
	return &redisMsgServer{
		client:   client,
		log:      log,
		handlers: make(map[string][]MsgHandler),
	}
}

func (s *redisMsgServer) Subscribe(topic string, h MsgHandler) error {
	s.mu.Lock()
	s.handlers[topic] = append(s.handlers[topic], h)
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		// Already running; attach the new topic to the live subscription.
		return sub.Subscribe(context.Background(), topic)
	}
	return nil
}

func (s *redisMsgServer) Start(ctx context.Context) error {
	s.mu.RLock()
	topics := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		topics = append(topics, t)
	}
	s.mu.RUnlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sub = s.client.Subscribe(runCtx, topics...)
	if len(topics) > 0 {
		if _, err := s.sub.Receive(ctx); err != nil {
			cancel()
			return fmt.Errorf("broker: subscribing msg topics: %w", err)
		}
	}

	go func() {
		for msg := range s.sub.Channel() {
			var payload map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				s.log.Warn(runCtx, "dropping undecodable message", logging.String("topic", msg.Channel), logging.Err(err))
				continue
			}
			s.mu.RLock()
			handlers := append([]MsgHandler(nil), s.handlers[msg.Channel]...)
			s.mu.RUnlock()
			for _, h := range handlers {
				h(runCtx, msg.Channel, payload)
			}
		}
	}()
	return nil
}

func (s *redisMsgServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		return s.sub.Close()
	}
	return nil
}
