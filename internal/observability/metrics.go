// Package observability bundles the controller's Prometheus metrics and
// OpenTelemetry trace helpers.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControllerCollector exposes the controller's Prometheus metrics.
type ControllerCollector struct {
	gatherer prometheus.Gatherer

	RequestsTotal      *prometheus.CounterVec
	ActiveRequests     prometheus.Gauge
	RPCFanoutDuration  *prometheus.HistogramVec
	RPCFanoutFailures  *prometheus.CounterVec
	SlotAllocFailures  prometheus.Counter
	TopologyRebuilds   prometheus.Counter
	RegisteredNodes    prometheus.Gauge
	ExperimentDuration prometheus.Histogram
}

// NewControllerCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControllerCollector(reg prometheus.Registerer) (*ControllerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_requests_total",
		Help: "Requests reaching a terminal status, labeled by kind and terminal code.",
	}, []string{"kind", "status"})
	requests, err := registerCounterVec(reg, requests, "controller_requests_total")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controller_active_requests",
		Help: "Requests currently tracked in the active-request map.",
	}), "controller_active_requests")
	if err != nil {
		return nil, err
	}

	fanoutDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controller_rpc_fanout_duration_seconds",
		Help:    "Latency of agent RPC fan-outs, labeled by method.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 60, 300, 600},
	}, []string{"method"})
	fanoutDur, err = registerHistogramVec(reg, fanoutDur, "controller_rpc_fanout_duration_seconds")
	if err != nil {
		return nil, err
	}

	fanoutFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_rpc_fanout_failures_total",
		Help: "Failed agent RPCs, labeled by method and error kind.",
	}, []string{"method", "kind"})
	fanoutFail, err = registerCounterVec(reg, fanoutFail, "controller_rpc_fanout_failures_total")
	if err != nil {
		return nil, err
	}

	slotFail, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controller_slot_allocation_failures_total",
		Help: "Slot reconciliations that found no common window.",
	}), "controller_slot_allocation_failures_total")
	if err != nil {
		return nil, err
	}

	rebuilds, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controller_topology_rebuilds_total",
		Help: "Times the topology graph was rebuilt from the node registry.",
	}), "controller_topology_rebuilds_total")
	if err != nil {
		return nil, err
	}

	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controller_registered_nodes",
		Help: "Nodes currently registered and not soft-deleted.",
	}), "controller_registered_nodes")
	if err != nil {
		return nil, err
	}

	expDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "controller_experiment_duration_seconds",
		Help:    "Wall-clock duration of experiment requests from queue to terminal status.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600, 1800},
	})
	expDur, err = registerHistogram(reg, expDur, "controller_experiment_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ControllerCollector{
		gatherer:           gatherer,
		RequestsTotal:      requests,
		ActiveRequests:     active,
		RPCFanoutDuration:  fanoutDur,
		RPCFanoutFailures:  fanoutFail,
		SlotAllocFailures:  slotFail,
		TopologyRebuilds:   rebuilds,
		RegisteredNodes:    nodes,
		ExperimentDuration: expDur,
	}, nil
}

// Handler returns the HTTP handler serving /metrics.
func (c *ControllerCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveFanout records one agent RPC outcome.
func (c *ControllerCollector) ObserveFanout(method string, start time.Time, errKind string) {
	if c == nil {
		return
	}
	c.RPCFanoutDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if errKind != "" {
		c.RPCFanoutFailures.WithLabelValues(method, errKind).Inc()
	}
}

// ObserveRequestTerminal records a request reaching a terminal status.
func (c *ControllerCollector) ObserveRequestTerminal(kind, statusName string) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(kind, statusName).Inc()
}

// Registration helpers tolerate duplicate registration so multiple
// components can share the default registry.

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return c, nil
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return h, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return g, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return h, nil
}

func asAlreadyRegistered(err error, target *prometheus.AlreadyRegisteredError) bool {
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		*target = are
		return true
	}
	return false
}
