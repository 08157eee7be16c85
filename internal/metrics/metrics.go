// Package metrics holds the Prometheus instruments shared by the router and
// node pipelines. Constructors take an explicit registerer so tests can use
// a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full instrument set. Unused vectors cost nothing, so both
// tiers share one struct.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Latency        *prometheus.HistogramVec
	NodeFailures   *prometheus.CounterVec
	Reconciliation *prometheus.CounterVec
	FederationMsgs *prometheus.CounterVec
	InFlight       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedai",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route and final status.",
		}, []string{"route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fedai",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution per route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
		NodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedai",
			Name:      "node_failures_total",
			Help:      "Forwarding failures segmented by nodeId.",
		}, []string{"node_id"}),
		Reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedai",
			Name:      "payment_reconciliation_total",
			Help:      "Payment reconciliation findings by scope and reason.",
		}, []string{"scope", "reason"}),
		FederationMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedai",
			Name:      "federation_messages_total",
			Help:      "Inbound federation control messages by type and outcome.",
		}, []string{"type", "outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fedai",
			Name:      "inflight_requests",
			Help:      "Requests currently executing on this instance.",
		}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.NodeFailures, m.Reconciliation, m.FederationMsgs, m.InFlight)
	return m
}
