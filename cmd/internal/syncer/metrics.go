package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Pages           *prometheus.CounterVec
	Fetches         *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	Merges          prometheus.Counter
	Mismatches      prometheus.Counter
	RangeMismatches prometheus.Counter
	LiveMessages    prometheus.Counter
	Evicted         prometheus.Counter
	Pending         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "pages_served_total",
			Help:      "History pages served, by direction and source (local, network, stale).",
		}, []string{"direction", "source"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "network_fetches_total",
			Help:      "Network fetches, by direction and result.",
		}, []string{"direction", "result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "sends_total",
			Help:      "Send attempts, by result (confirmed, failed, deferred).",
		}, []string{"result"}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "block_merges_total",
			Help:      "Block merges applied.",
		}),
		Mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "reconciliation_mismatches_total",
			Help:      "Confirmations whose id was held by another message.",
		}),
		RangeMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "block_range_mismatches_total",
			Help:      "Covered windows whose message count disagreed with the id span.",
		}),
		LiveMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "live_messages_total",
			Help:      "Messages applied from the live channel.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcache",
			Name:      "evicted_messages_total",
			Help:      "Messages removed by retention.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcache",
			Name:      "pending_sends",
			Help:      "Sends left unsent after the last flush pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Pages,
			m.Fetches,
			m.Sends,
			m.Merges,
			m.Mismatches,
			m.RangeMismatches,
			m.LiveMessages,
			m.Evicted,
			m.Pending,
		)
	}
	return m
}
