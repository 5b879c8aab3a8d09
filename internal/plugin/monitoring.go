package plugin

import (
	"context"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/store"
)

func init() {
	RegisterFactory("Monitor", func(s *Services) (Plugin, error) {
		return &monitorPlugin{s: s, events: s.Store.Collection(store.CollMonitor)}, nil
	})
}

// monitorPlugin is the monitoring singleton: it consumes the monitoring
// topics and persists agent events into the history-mode Monitor
// collection that state lookups and result retrieval read from.
type monitorPlugin struct {
	s      *Services
	events store.Collection
}

func (p *monitorPlugin) Name() string { return "Monitor" }
func (p *monitorPlugin) Type() Type   { return TypeMonitoring }

func (p *monitorPlugin) ServerCommands() map[string]broker.Handler { return nil }

func (p *monitorPlugin) MsgCommands() map[string]broker.MsgHandler {
	return map[string]broker.MsgHandler{
		"monitoring": p.consume,
		"monitor":    p.consume,
	}
}

func (p *monitorPlugin) Start(ctx context.Context) error { return nil }
func (p *monitorPlugin) Stop() error                     { return nil }

func (p *monitorPlugin) consume(ctx context.Context, topic string, payload map[string]any) {
	eventType, _ := payload["eventType"].(string)
	rid, _ := payload["rid"].(string)
	if eventType == "" || rid == "" {
		p.s.Log.Warn(ctx, "dropping malformed monitoring event",
			logging.String("topic", topic), logging.Any("payload", payload))
		return
	}

	doc := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		doc[k] = v
	}
	doc["id"] = rid
	if _, ok := doc["ts"]; !ok {
		doc["ts"] = time.Now().UnixMilli()
	}
	if err := p.events.Insert(doc); err != nil {
		p.s.Log.Error(ctx, "persisting monitoring event failed",
			logging.String("rid", rid),
			logging.String("eventType", eventType),
			logging.Err(err))
	}
}
