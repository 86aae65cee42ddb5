// Package metrics exposes tunnel state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/treykane/wstunnel-manager/internal/model"
)

const namespace = "wstunnel_manager"

var allStatuses = []model.TunnelStatus{
	model.StatusStopped,
	model.StatusStarting,
	model.StatusRunning,
	model.StatusStopping,
	model.StatusFailed,
}

// StatusSource is read on every scrape.
type StatusSource interface {
	StatusAll() []model.RuntimeState
}

// Metrics owns the counters the supervisor increments and a collector that
// turns a status snapshot into gauges at scrape time.
type Metrics struct {
	starts *prometheus.CounterVec
	exits  *prometheus.CounterVec

	upDesc     *prometheus.Desc
	statusDesc *prometheus.Desc
	uptimeDesc *prometheus.Desc

	source StatusSource
}

// New creates the metrics. Call Register once the status source exists.
func New() *Metrics {
	return &Metrics{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starts_total",
			Help:      "Tunnel start attempts by result.",
		}, []string{"result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Tunnel process exits by outcome.",
		}, []string{"outcome"}),
		upDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tunnel_up"),
			"1 if the tunnel process is running.",
			[]string{"id", "tag"}, nil,
		),
		statusDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tunnel_status"),
			"Current tunnel status, one series per possible status.",
			[]string{"id", "tag", "status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tunnel_uptime_seconds"),
			"Seconds since the current run started.",
			[]string{"id", "tag"}, nil,
		),
	}
}

// Register adds every collector to reg. src provides the gauges.
func (m *Metrics) Register(reg prometheus.Registerer, src StatusSource) error {
	m.source = src
	for _, c := range []prometheus.Collector{m.starts, m.exits, m} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// StartResult counts one start attempt. result is "success" or "failure".
func (m *Metrics) StartResult(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.starts.WithLabelValues(result).Inc()
}

// Exit counts one process exit. outcome is "stopped", "clean" or "failed".
func (m *Metrics) Exit(outcome string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.upDesc
	ch <- m.statusDesc
	ch <- m.uptimeDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.source == nil {
		return
	}
	for _, st := range m.source.StatusAll() {
		up := 0.0
		if st.Status == model.StatusRunning {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(m.upDesc, prometheus.GaugeValue, up, st.ID, st.Tag)
		for _, s := range allStatuses {
			v := 0.0
			if st.Status == s {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(m.statusDesc, prometheus.GaugeValue, v, st.ID, st.Tag, string(s))
		}
		ch <- prometheus.MustNewConstMetric(m.uptimeDesc, prometheus.GaugeValue, float64(st.UptimeSec), st.ID, st.Tag)
	}
}
