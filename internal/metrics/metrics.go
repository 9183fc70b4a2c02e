// Package metrics holds the Prometheus collectors for the bridge and the embedded runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "krumpkraft"

// Recorder owns a private registry so tests and multiple servers never collide on the
// global one.
type Recorder struct {
	reg *prometheus.Registry

	apiRequests  *prometheus.CounterVec
	apiDuration  *prometheus.HistogramVec
	syncTicks    *prometheus.CounterVec
	markerOps    *prometheus.CounterVec
	markersBound prometheus.Gauge
	chatRelays   *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_api_requests_total",
			Help:      "Agent service requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		apiDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_api_request_duration_seconds",
			Help:      "Agent service request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		syncTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marker_sync_ticks_total",
			Help:      "Marker synchronizer ticks by outcome.",
		}, []string{"outcome"}),
		markerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marker_ops_total",
			Help:      "Marker entity operations performed by reconciliation.",
		}, []string{"op"}),
		markersBound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "markers_bound",
			Help:      "Agent markers currently bound after the last reconciliation.",
		}),
		chatRelays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_relays_total",
			Help:      "Chat commands relayed to the agent service by outcome.",
		}, []string{"outcome"}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveAPI records one agent service call. A nil Recorder is a no-op.
func (r *Recorder) ObserveAPI(op string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	r.apiRequests.WithLabelValues(op, outcome(ok)).Inc()
	r.apiDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) ObserveSync(outcome string, created, moved, removed, bound int) {
	if r == nil {
		return
	}
	r.syncTicks.WithLabelValues(outcome).Inc()
	r.markerOps.WithLabelValues("create").Add(float64(created))
	r.markerOps.WithLabelValues("move").Add(float64(moved))
	r.markerOps.WithLabelValues("remove").Add(float64(removed))
	r.markersBound.Set(float64(bound))
}

func (r *Recorder) ObserveRelay(ok bool) {
	if r == nil {
		return
	}
	r.chatRelays.WithLabelValues(outcome(ok)).Inc()
}

// RegisterGaugeFunc exposes a value computed at scrape time, e.g. runtime entity counts.
func (r *Recorder) RegisterGaugeFunc(name, help string, fn func() float64) {
	if r == nil {
		return
	}
	promauto.With(r.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
