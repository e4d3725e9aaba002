package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledfleet/fleetctl/internal/registry"
)

// metricsCollector is a pull-based prometheus.Collector: Collect reads
// the coordinator's live state on every scrape rather than mirroring
// counters into a second set of prometheus.Counter values, reading its
// node map fresh on every scrape rather than keeping shadow metric
// objects in sync.
type metricsCollector struct {
	c *Coordinator

	tickCount       *prometheus.Desc
	tickOverruns    *prometheus.Desc
	nodesByState    *prometheus.Desc
	udpSent         *prometheus.Desc
	schedApplied    *prometheus.Desc
	schedDrops      *prometheus.Desc
	otaState        *prometheus.Desc
	otaCompleted    *prometheus.Desc
}

func newMetricsCollector(c *Coordinator) *metricsCollector {
	return &metricsCollector{
		c: c,
		tickCount: prometheus.NewDesc(
			"fleetctl_hub_tick_count", "Total show-clock ticks since startup.", nil, nil),
		tickOverruns: prometheus.NewDesc(
			"fleetctl_hub_tick_overruns_total", "Show-clock ticks that overran 2x the tick period.", nil, nil),
		nodesByState: prometheus.NewDesc(
			"fleetctl_hub_nodes", "Registered nodes by admission state.", []string{"state"}, nil),
		udpSent: prometheus.NewDesc(
			"fleetctl_hub_udp_sent_total", "Show-UDP datagrams sent.", nil, nil),
		schedApplied: prometheus.NewDesc(
			"fleetctl_hub_batches_flushed_total", "Batched state deltas flushed to the control plane.", nil, nil),
		schedDrops: prometheus.NewDesc(
			"fleetctl_hub_ws_clients", "Currently connected WebSocket clients.", nil, nil),
		otaState: prometheus.NewDesc(
			"fleetctl_hub_ota_state", "Current OTA rollout state (1=active state, 0=otherwise) per label.", []string{"state"}, nil),
		otaCompleted: prometheus.NewDesc(
			"fleetctl_hub_ota_completed_count", "Nodes completed in the current/last rollout.", nil, nil),
	}
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.tickCount
	ch <- m.tickOverruns
	ch <- m.nodesByState
	ch <- m.udpSent
	ch <- m.schedApplied
	ch <- m.schedDrops
	ch <- m.otaState
	ch <- m.otaCompleted
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.tickCount, prometheus.CounterValue, float64(m.c.clock.TickCount()))
	ch <- prometheus.MustNewConstMetric(m.tickOverruns, prometheus.CounterValue, float64(m.c.clock.TickOverruns()))
	ch <- prometheus.MustNewConstMetric(m.udpSent, prometheus.CounterValue, float64(m.c.fanout.SentCount()))
	ch <- prometheus.MustNewConstMetric(m.schedDrops, prometheus.GaugeValue, float64(m.c.wsServer.ClientCount()))

	counts := map[string]int{}
	m.c.registry.ForEachAll(func(e registry.Entry) {
		counts[e.State.String()]++
	})
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(m.nodesByState, prometheus.GaugeValue, float64(n), state)
	}

	st := m.c.ota.Status()
	ch <- prometheus.MustNewConstMetric(m.otaCompleted, prometheus.GaugeValue, float64(st.CompletedCount))
	ch <- prometheus.MustNewConstMetric(m.otaState, prometheus.GaugeValue, 1, st.State)
}
