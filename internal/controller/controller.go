// Package controller assembles the running control plane: it opens the
// document store, connects the broker transport, builds the shared services,
// loads the plugin set and binds every plugin command to the wire. Startup
// is fail-fast; once running, the controller is idle except for the handlers
// it registered.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/config"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/plugin"
	"github.com/quantnet-project/quantnet-controller/internal/resource"
	"github.com/quantnet-project/quantnet-controller/internal/scheduler"
	"github.com/quantnet-project/quantnet-controller/internal/store"
	"github.com/quantnet-project/quantnet-controller/internal/topology"
	"github.com/quantnet-project/quantnet-controller/internal/translator"
)

// Schema tags the request registries of this deployment.
const Schema = "quantnet"

// Keepalive sweep: agents silent past the stale window are logged.
const (
	keepaliveSweepInterval = time.Minute
	keepaliveStaleAfter    = 3 * time.Minute
)

// Transport bundles the four broker surfaces the controller speaks through.
type Transport struct {
	RPCClient broker.RPCClient
	RPCServer broker.RPCServer
	MsgClient broker.MsgClient
	MsgServer broker.MsgServer
}

// ConnectTransport dials the Redis broker and builds the controller's
// transport: an RPC client for agent fan-outs, the RPC server on the
// controller topic, and the pub/sub pair.
func ConnectTransport(cfg config.Config, log logging.Logger) (*Transport, error) {
	client, err := broker.Connect(cfg.MQ.Addr(), log)
	if err != nil {
		return nil, fmt.Errorf("controller: connecting broker at %s: %w", cfg.MQ.Addr(), err)
	}
	return &Transport{
		RPCClient: broker.NewRedisRPCClient(client, "controller", log),
		RPCServer: broker.NewRedisRPCServer(client, cfg.MQ.RPCServerTopic, log),
		MsgClient: broker.NewRedisMsgClient(client),
		MsgServer: broker.NewRedisMsgServer(client, log),
	}, nil
}

// Controller is the assembled control plane.
type Controller struct {
	cfg      config.Config
	log      logging.Logger
	store    store.Store
	tr       *Transport
	metrics  *observability.ControllerCollector
	services *plugin.Services
	plugins  []plugin.Plugin
	started  bool
}

// New wires the controller over an opened store and transport. metrics may
// be nil. The experiment catalogue is loaded here so a malformed definition
// fails startup rather than the first request.
func New(ctx context.Context, cfg config.Config, log logging.Logger, st store.Store, tr *Transport, metrics *observability.ControllerCollector) (*Controller, error) {
	if log == nil {
		log = logging.Noop()
	}

	defs, err := translator.LoadDefinitions(ctx, cfg.ExperimentDef.Path, nil,
		cfg.SlotSize, cfg.MaxTimeslots, log)
	if err != nil {
		return nil, fmt.Errorf("controller: loading experiment definitions: %w", err)
	}

	resources := resource.NewRegistry(st, log)
	router := topology.NewEngine(resources, log, metrics)
	sched := scheduler.New(tr.RPCClient, cfg.MQ.AgentTopic,
		cfg.ScheduleManager.GracePeriod, cfg.SlotSize, cfg.MaxTimeslots, log, metrics)

	c := &Controller{
		cfg:     cfg,
		log:     log,
		store:   st,
		tr:      tr,
		metrics: metrics,
		services: &plugin.Services{
			Config:    &cfg,
			Store:     st,
			Log:       log,
			Metrics:   metrics,
			Resources: resources,
			Router:    router,
			Scheduler: sched,
			Translate: translator.New(defs, resources, sched, log),
			RPC:       tr.RPCClient,
			Msg:       tr.MsgClient,
			Schema:    Schema,
		},
	}

	manifests := plugin.BuiltinManifests()
	discovered, err := plugin.Discover(cfg.PluginPaths())
	if err != nil {
		return nil, fmt.Errorf("controller: discovering plugins: %w", err)
	}
	manifests = append(manifests, discovered...)

	c.plugins, err = plugin.Load(c.services, manifests)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Services exposes the shared service handle, mainly for tests.
func (c *Controller) Services() *plugin.Services { return c.services }

// Plugins returns the active plugin set.
func (c *Controller) Plugins() []plugin.Plugin { return c.plugins }

// Start registers every plugin command on the wire, subscribes the default
// topics, and starts the servers and plugins. Command tables are bound
// before any server starts so no message can race a missing handler.
func (c *Controller) Start(ctx context.Context) error {
	for _, p := range c.plugins {
		for method, h := range p.ServerCommands() {
			c.tr.RPCServer.Handle(method, h)
		}
		for topic, h := range p.MsgCommands() {
			if err := c.tr.MsgServer.Subscribe(topic, h); err != nil {
				return fmt.Errorf("controller: subscribing %s for %s: %w", topic, p.Name(), err)
			}
		}
	}
	if err := c.subscribeDefaults(); err != nil {
		return err
	}

	if err := c.tr.MsgServer.Start(ctx); err != nil {
		return fmt.Errorf("controller: starting message server: %w", err)
	}
	if err := c.tr.RPCServer.Start(ctx); err != nil {
		return fmt.Errorf("controller: starting rpc server: %w", err)
	}

	for _, p := range c.plugins {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("controller: starting plugin %s: %w", p.Name(), err)
		}
		c.log.Info(ctx, "plugin started",
			logging.String("plugin", p.Name()),
			logging.String("type", string(p.Type())))
	}
	c.scheduleSweeps()
	c.started = true
	c.log.Info(ctx, "controller started",
		logging.String("rpc_topic", c.cfg.MQ.RPCServerTopic),
		logging.Int("plugins", len(c.plugins)))
	return nil
}

// Run blocks until ctx is cancelled, then shuts down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
}

// Stop tears the controller down: plugins in reverse load order, then the
// servers, then the store. Errors are logged and the first one is returned.
func (c *Controller) Stop() error {
	ctx := context.Background()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := len(c.plugins) - 1; i >= 0; i-- {
		p := c.plugins[i]
		if err := p.Stop(); err != nil {
			c.log.Warn(ctx, "plugin stop failed", logging.String("plugin", p.Name()), logging.Err(err))
			keep(err)
		}
	}
	if c.started {
		keep(c.tr.RPCServer.Stop())
		keep(c.tr.MsgServer.Stop())
	}
	keep(c.store.Close())
	c.log.Info(ctx, "controller stopped")
	return firstErr
}

// jobRunner is the periodic-job surface the scheduling singleton offers.
type jobRunner interface {
	RunJob(name string, interval time.Duration, repeats int, fn func(ctx context.Context) error)
}

// scheduleSweeps hands background maintenance to the scheduling plugin's
// job runner. Currently one job: flag agents whose keepalive went stale.
func (c *Controller) scheduleSweeps() {
	var runner jobRunner
	for _, p := range c.plugins {
		if r, ok := p.(jobRunner); ok {
			runner = r
			break
		}
	}
	if runner == nil {
		return
	}

	pings := c.store.Collection(store.CollPingPong)
	runner.RunJob("keepalive-sweep", keepaliveSweepInterval, 0, func(ctx context.Context) error {
		docs, err := pings.Find(nil, nil)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-keepaliveStaleAfter).UnixMilli()
		for _, doc := range docs {
			ts, ok := docTimestamp(doc["ts"])
			if !ok || ts >= cutoff {
				continue
			}
			id, _ := doc["id"].(string)
			c.log.Warn(ctx, "agent keepalive stale",
				logging.String("agent", id),
				logging.Int("age_ms", int(time.Now().UnixMilli()-ts)))
		}
		return nil
	})
}

func docTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// subscribeDefaults installs the topics every deployment listens on:
// broadcast announcements are logged, keepalives are persisted so liveness
// queries can see the last ping per agent.
func (c *Controller) subscribeDefaults() error {
	pings := c.store.Collection(store.CollPingPong)

	if err := c.tr.MsgServer.Subscribe("broadcast", func(ctx context.Context, topic string, payload map[string]any) {
		c.log.Info(ctx, "broadcast", logging.Any("payload", payload))
	}); err != nil {
		return fmt.Errorf("controller: subscribing broadcast: %w", err)
	}

	err := c.tr.MsgServer.Subscribe("keepalive", func(ctx context.Context, topic string, payload map[string]any) {
		id, _ := payload["id"].(string)
		if id == "" {
			c.log.Warn(ctx, "keepalive without agent id", logging.Any("payload", payload))
			return
		}
		doc := map[string]any{"id": id, "ts": time.Now().UnixMilli()}
		if v, ok := payload["ts"]; ok {
			doc["ts"] = v
		}
		if err := pings.Upsert(store.Filter{"id": id}, doc); err != nil {
			c.log.Error(ctx, "persisting keepalive failed", logging.String("agent", id), logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("controller: subscribing keepalive: %w", err)
	}
	return nil
}
