package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/config"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/request"
	"github.com/quantnet-project/quantnet-controller/internal/status"
	"github.com/quantnet-project/quantnet-controller/internal/store"
)

const testDefs = `
experiments:
  - name: Simple Experiment
    agent_sequences:
      - name: src
        role_type: QNode
        sequences:
          - name: egp-src
            class_name: EGPSourceSequence
            duration: 10s
      - name: dst
        role_type: QNode
        sequences:
          - name: egp-dst
            class_name: EGPDestSequence
            duration: 10s
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "exp_defs.yaml")
	if err := os.WriteFile(path, []byte(testDefs), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.ExperimentDef.Path = path
	return cfg
}

func busTransport(bus *broker.Bus, cfg config.Config) *Transport {
	return &Transport{
		RPCClient: bus.RPCClient(),
		RPCServer: bus.RPCServer(cfg.MQ.RPCServerTopic),
		MsgClient: bus.MsgClient(),
		MsgServer: bus.MsgServer(),
	}
}

func newController(t *testing.T) (*Controller, *broker.Bus, config.Config) {
	t.Helper()
	request.ResetRegistries()
	t.Cleanup(request.ResetRegistries)

	cfg := testConfig(t)
	bus := broker.NewBus()
	c, err := New(context.Background(), cfg, logging.Noop(), store.NewMemory(), busTransport(bus, cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, bus, cfg
}

func TestStartBindsPluginCommands(t *testing.T) {
	c, bus, cfg := newController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if got := len(c.Plugins()); got != 7 {
		t.Fatalf("expected 7 active plugins, got %d", got)
	}

	// A protocol command answers on the controller's RPC topic.
	resp, err := bus.RPCClient().Call(context.Background(), "register", map[string]any{
		"systemSettings": map[string]any{"ID": "LBNL-Q", "type": "QNode"},
	}, cfg.MQ.RPCServerTopic, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Fatalf("register over the wire failed: %+v", resp)
	}
	if id, _ := resp.Payload["uuid"].(string); id == "" {
		t.Fatalf("register must answer with the assigned uuid: %v", resp.Payload)
	}
}

func TestKeepaliveIsPersisted(t *testing.T) {
	c, bus, _ := newController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := bus.MsgClient().Publish(context.Background(), "keepalive", map[string]any{
		"id": "LBNL-Q", "ts": 1234,
	}); err != nil {
		t.Fatal(err)
	}
	// Malformed keepalives and broadcasts are absorbed.
	if err := bus.MsgClient().Publish(context.Background(), "keepalive", map[string]any{"noise": true}); err != nil {
		t.Fatal(err)
	}
	if err := bus.MsgClient().Publish(context.Background(), "broadcast", map[string]any{"msg": "maintenance window"}); err != nil {
		t.Fatal(err)
	}

	doc, err := c.Services().Store.Collection(store.CollPingPong).Get(store.Filter{"id": "LBNL-Q"})
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil || doc["ts"] != float64(1234) {
		t.Fatalf("keepalive not persisted: %v", doc)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestMonitoringEventsFlowIntoState(t *testing.T) {
	c, bus, cfg := newController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	resp, err := bus.RPCClient().Call(context.Background(), "register", map[string]any{
		"systemSettings": map[string]any{"ID": "UCB-Q", "type": "QNode"},
	}, cfg.MQ.RPCServerTopic, time.Second)
	if err != nil || !resp.OK() {
		t.Fatalf("register failed: %v %+v", err, resp)
	}

	if err := bus.MsgClient().Publish(context.Background(), "monitoring", map[string]any{
		"eventType": "agentState", "rid": "UCB-Q", "value": "IN_SPEC",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err = bus.RPCClient().Call(context.Background(), "getinfo", map[string]any{
		"type": "node", "ID": "UCB-Q",
	}, cfg.MQ.RPCServerTopic, time.Second)
	if err != nil || !resp.OK() {
		t.Fatalf("getinfo failed: %v %+v", err, resp)
	}
	if resp.Payload["agentState"] != "IN_SPEC" {
		t.Fatalf("monitoring event did not reach state lookup: %v", resp.Payload)
	}
}

func TestUnknownMethodIsNotFound(t *testing.T) {
	c, bus, cfg := newController(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	resp, err := bus.RPCClient().Call(context.Background(), "selfdestruct", nil, cfg.MQ.RPCServerTopic, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if status.Code(resp.Status.Code) != status.NotFound {
		t.Fatalf("unknown method must be NOT_FOUND, got %+v", resp)
	}
}

func TestNewFailsOnMissingDefinitions(t *testing.T) {
	request.ResetRegistries()
	t.Cleanup(request.ResetRegistries)

	cfg := config.Default()
	cfg.ExperimentDef.Path = filepath.Join(t.TempDir(), "absent.yaml")
	bus := broker.NewBus()
	if _, err := New(context.Background(), cfg, logging.Noop(), store.NewMemory(), busTransport(bus, cfg), nil); err == nil {
		t.Fatal("a missing experiment catalogue must fail startup")
	}
}

func TestNewFailsOnMissingSingleton(t *testing.T) {
	request.ResetRegistries()
	t.Cleanup(request.ResetRegistries)

	cfg := testConfig(t)
	cfg.Routing.Name = "NoSuchRouter"
	bus := broker.NewBus()
	if _, err := New(context.Background(), cfg, logging.Noop(), store.NewMemory(), busTransport(bus, cfg), nil); err == nil {
		t.Fatal("an unknown routing singleton must fail startup")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c, _, _ := newController(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop on cancel")
	}
}
