package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewControllerCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector failed: %v", err)
	}

	c.ObserveRequestTerminal("experiment", "OK")
	c.ObserveFanout("experiment.submit", time.Now().Add(-10*time.Millisecond), "")
	c.ObserveFanout("scheduler.getSchedule", time.Now(), "timeout")
	c.ActiveRequests.Set(2)
	c.SlotAllocFailures.Inc()

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`controller_requests_total{kind="experiment",status="OK"} 1`,
		`controller_rpc_fanout_failures_total{kind="timeout",method="scheduler.getSchedule"} 1`,
		`controller_active_requests 2`,
		`controller_slot_allocation_failures_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewControllerCollectorIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
	if first.RequestsTotal != second.RequestsTotal {
		t.Fatal("expected the same underlying counter vec")
	}
}
