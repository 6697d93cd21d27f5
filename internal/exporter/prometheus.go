// Package exporter publishes soak-run KPIs to two sinks: a
// Prometheus text-exposition registry for scraping, and an optional
// Redis publication for dashboards that poll rather than scrape.
package exporter

import (
	"net/http/httptest"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Labels identify which run a metric sample belongs to: the
// {env, exchange, window} triple every published KPI carries.
type Labels struct {
	Env      string
	Exchange string
	Window   string
}

func (l Labels) values() prometheus.Labels {
	return prometheus.Labels{"env": l.Env, "exchange": l.Exchange, "window": l.Window}
}

// Registry holds every gauge/counter this exporter publishes,
// constructed once at startup and registered against its own
// *prometheus.Registry so repeated construction in tests never
// collides with the global default registry.
type Registry struct {
	reg *prometheus.Registry

	makerTakerRatio     *prometheus.GaugeVec
	netBps              *prometheus.GaugeVec
	riskRatio           *prometheus.GaugeVec
	p50LatencyMs        *prometheus.GaugeVec
	p95LatencyMs        *prometheus.GaugeVec
	p99LatencyMs        *prometheus.GaugeVec
	wsLagP95Ms          *prometheus.GaugeVec
	iterationsTotal     *prometheus.CounterVec
	deltasAppliedTotal  *prometheus.CounterVec
	partialFreezeActive *prometheus.GaugeVec
}

// NewRegistry builds and registers every metric this exporter
// publishes. Call once per process; pass the resulting Registry to
// NewServer for the HTTP /metrics handler. The Redis publisher does
// not take it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	labelNames := []string{"env", "exchange", "window"}

	r := &Registry{
		reg: reg,
		makerTakerRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_maker_taker_ratio",
			Help: "Maker/taker fill ratio over the analyzed window.",
		}, labelNames),
		netBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_net_bps",
			Help: "Net edge in basis points over the analyzed window.",
		}, labelNames),
		riskRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_risk_ratio",
			Help: "Risk block-reason ratio, normalized to [0,1].",
		}, labelNames),
		p50LatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_latency_ms_p50",
			Help: "p50 order-age latency in milliseconds.",
		}, labelNames),
		p95LatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_latency_ms_p95",
			Help: "p95 order-age latency in milliseconds.",
		}, labelNames),
		p99LatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_latency_ms_p99",
			Help: "p99 order-age latency in milliseconds.",
		}, labelNames),
		wsLagP95Ms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_ws_lag_ms_p95",
			Help: "p95 websocket market-data lag in milliseconds.",
		}, labelNames),
		iterationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soak_iterations_total",
			Help: "Total soak iterations completed.",
		}, labelNames),
		deltasAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soak_deltas_applied_total",
			Help: "Total auto-tuner deltas fully applied.",
		}, labelNames),
		partialFreezeActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "soak_partial_freeze_active",
			Help: "1 if the named subsystem is currently frozen, else 0.",
		}, []string{"subsystem"}),
	}

	reg.MustRegister(
		r.makerTakerRatio, r.netBps, r.riskRatio,
		r.p50LatencyMs, r.p95LatencyMs, r.p99LatencyMs, r.wsLagP95Ms,
		r.iterationsTotal, r.deltasAppliedTotal, r.partialFreezeActive,
	)

	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Sample is one iteration (or aggregate window)'s worth of KPI values
// to publish.
type Sample struct {
	MakerTakerRatio float64
	NetBps          float64
	RiskRatio       float64
	P50LatencyMs    float64
	P95LatencyMs    float64
	P99LatencyMs    float64
	WsLagP95Ms      float64
}

// Observe sets every gauge to sample's values under labels and
// increments the iteration counter.
func (r *Registry) Observe(labels Labels, sample Sample) {
	lv := labels.values()
	r.makerTakerRatio.With(lv).Set(sample.MakerTakerRatio)
	r.netBps.With(lv).Set(sample.NetBps)
	r.riskRatio.With(lv).Set(sample.RiskRatio)
	r.p50LatencyMs.With(lv).Set(sample.P50LatencyMs)
	r.p95LatencyMs.With(lv).Set(sample.P95LatencyMs)
	r.p99LatencyMs.With(lv).Set(sample.P99LatencyMs)
	r.wsLagP95Ms.With(lv).Set(sample.WsLagP95Ms)
	r.iterationsTotal.With(lv).Inc()
}

// ObserveAppliedDeltas increments the applied-deltas counter by n.
func (r *Registry) ObserveAppliedDeltas(labels Labels, n int) {
	r.deltasAppliedTotal.With(labels.values()).Add(float64(n))
}

// SetPartialFreeze sets the partial_freeze_active gauge for subsystem.
func (r *Registry) SetPartialFreeze(subsystem string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	r.partialFreezeActive.WithLabelValues(subsystem).Set(value)
}

// WriteTextFile renders every metric currently in the registry in
// Prometheus text exposition format and writes it to path, for tools
// (like `soak analyze`) that need a POST_SOAK_METRICS.prom artifact
// alongside the live /metrics endpoint rather than a running scrape
// target. It drives the same promhttp.Handler the HTTP server uses,
// against a recorder instead of a real request.
func (r *Registry) WriteTextFile(path string) error {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)
	return os.WriteFile(path, rec.Body.Bytes(), 0644)
}
