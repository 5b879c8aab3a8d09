package broker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/status"
)

func redisPair(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRPCRoundTrip(t *testing.T) {
	client := redisPair(t)
	log := logging.Noop()

	srv := NewRedisRPCServer(client, "rpc/LBNL-Q", log)
	srv.Handle("scheduler.getSchedule", func(ctx context.Context, req *Request) (*Response, error) {
		if req.Payload["numSlots"] != float64(500) {
			t.Errorf("unexpected payload %v", req.Payload)
		}
		return &Response{
			Status:  status.New(status.OK, ""),
			Payload: map[string]any{"timeslots": "ffff"},
		}, nil
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	rpc := NewRedisRPCClient(client, "controller", log)
	resp, err := rpc.Call(context.Background(), "scheduler.getSchedule",
		map[string]any{"numSlots": 500}, "rpc/LBNL-Q", 2*time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("unexpected status %+v", resp.Status)
	}
	if resp.Payload["timeslots"] != "ffff" {
		t.Fatalf("unexpected payload %v", resp.Payload)
	}
}

func TestRedisRPCUnknownMethod(t *testing.T) {
	client := redisPair(t)
	log := logging.Noop()

	srv := NewRedisRPCServer(client, "rpc/agent", log)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Stop() }()

	rpc := NewRedisRPCClient(client, "controller", log)
	resp, err := rpc.Call(context.Background(), "nope", nil, "rpc/agent", 2*time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Status.Code != int(status.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %+v", resp.Status)
	}
}

func TestRedisRPCTimeout(t *testing.T) {
	client := redisPair(t)
	rpc := NewRedisRPCClient(client, "controller", logging.Noop())

	_, err := rpc.Call(context.Background(), "experiment.submit", nil, "rpc/silent", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestRedisPubSub(t *testing.T) {
	client := redisPair(t)
	log := logging.Noop()

	received := make(chan map[string]any, 1)
	msgSrv := NewRedisMsgServer(client, log)
	if err := msgSrv.Subscribe("monitoring", func(ctx context.Context, topic string, payload map[string]any) {
		received <- payload
	}); err != nil {
		t.Fatal(err)
	}
	if err := msgSrv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = msgSrv.Stop() }()

	msgClient := NewRedisMsgClient(client)
	if err := msgClient.Publish(context.Background(), "monitoring",
		map[string]any{"eventType": "agentState", "rid": "LBNL-Q"}); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-received:
		if payload["rid"] != "LBNL-Q" {
			t.Fatalf("unexpected payload %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestBusRPC(t *testing.T) {
	bus := NewBus()
	srv := bus.RPCServer("rpc/agent-1")
	srv.Handle("experiment.cancel", func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: status.New(status.OK, "")}, nil
	})

	resp, err := bus.RPCClient().Call(context.Background(), "experiment.cancel",
		map[string]any{"exp_id": "e1"}, "rpc/agent-1", time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("unexpected status %+v", resp.Status)
	}

	if _, err := bus.RPCClient().Call(context.Background(), "x", nil, "rpc/missing", time.Second); err == nil {
		t.Fatal("call to unknown topic should fail")
	}
}

func TestResponseCodecPreservesRawFields(t *testing.T) {
	resp := &Response{
		Status:  status.New(status.OK, ""),
		Payload: map[string]any{"fidelity": 0.93},
		Raw:     map[string]any{"agentId": "UCB-Q"},
	}
	raw, err := resp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Raw["agentId"] != "UCB-Q" {
		t.Fatalf("raw field lost: %v", decoded.Raw)
	}
	if decoded.Payload["fidelity"] != 0.93 {
		t.Fatalf("payload lost: %v", decoded.Payload)
	}
}

func TestDecodeResponseError(t *testing.T) {
	_, err := DecodeResponse([]byte("{not json"))
	var rpcErr *RPCError
	if !asRPCError(err, &rpcErr) || rpcErr.Kind != ErrorDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
	if !strings.Contains(err.Error(), "decode") {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}
