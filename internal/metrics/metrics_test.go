package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/treykane/wstunnel-manager/internal/model"
)

type staticSource []model.RuntimeState

func (s staticSource) StatusAll() []model.RuntimeState { return s }

func TestCollectorReportsStatus(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New()
	src := staticSource{
		{ID: "a", Tag: "api", Status: model.StatusRunning, UptimeSec: 42},
		{ID: "b", Tag: "db", Status: model.StatusFailed, Reason: "exited with code 1"},
	}
	if err := m.Register(reg, src); err != nil {
		t.Fatal(err)
	}
	m.StartResult(true)
	m.StartResult(false)
	m.Exit("failed")

	expected := `
# HELP wstunnel_manager_tunnel_up 1 if the tunnel process is running.
# TYPE wstunnel_manager_tunnel_up gauge
wstunnel_manager_tunnel_up{id="a",tag="api"} 1
wstunnel_manager_tunnel_up{id="b",tag="db"} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "wstunnel_manager_tunnel_up"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.starts.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected 1 failed start, got %v", got)
	}
	if got := testutil.ToFloat64(m.exits.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed exit, got %v", got)
	}

	n, err := testutil.GatherAndCount(reg, "wstunnel_manager_tunnel_status")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2*len(allStatuses) {
		t.Fatalf("expected %d status series, got %d", 2*len(allStatuses), n)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StartResult(true)
	m.Exit("stopped")
}
