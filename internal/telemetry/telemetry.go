// Package telemetry provides the Prometheus scrape surface every
// component exposes plus the teacher's internal go-metrics meters used
// for smoothed per-second rates (the same two-tier split
// lib/cyclone/cyclone.go uses: rcrowley/go-metrics meters internally,
// fed into a Prometheus gauge snapshot for external scraping).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gometrics "github.com/rcrowley/go-metrics"
)

// Registry bundles a process's Prometheus collectors and its internal
// go-metrics registry.
type Registry struct {
	Meters gometrics.Registry

	SuccessTotal          *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	ValidationErrorsTotal  *prometheus.CounterVec
	DuplicatesTotal        prometheus.Counter
	PublishLatency         prometheus.Histogram
	DedupLatency           prometheus.Histogram
	AlarmsPerSecond        prometheus.Gauge
	EvaluationsPerSecond   prometheus.Gauge
	ProcessedPerSecond     prometheus.Gauge
}

// New constructs and registers the standard collector set for a
// component, namespaced "gridflow_<component>_...".
func New(component string) *Registry {
	ns := "gridflow_" + component

	r := &Registry{
		Meters: gometrics.NewRegistry(),
		SuccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ns + "_success_total",
			Help: "Successful operations, labeled by region.",
		}, []string{"region"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ns + "_errors_total",
			Help: "Errors, labeled by error_type.",
		}, []string{"error_type"}),
		ValidationErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ns + "_validation_errors_total",
			Help: "Validation failures, labeled by field.",
		}, []string{"field"}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_duplicates_total",
			Help: "Readings rejected as duplicates.",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    ns + "_publish_latency_seconds",
			Help:    "Message-log publish latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DedupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    ns + "_dedup_latency_seconds",
			Help:    "Cache dedup-check latency.",
			Buckets: prometheus.DefBuckets,
		}),
		AlarmsPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ns + "_alarms_per_second",
			Help: "Smoothed rate of alarms raised, from the internal meter.",
		}),
		EvaluationsPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ns + "_evaluations_per_second",
			Help: "Smoothed rate of rule/threshold evaluations, from the internal meter.",
		}),
		ProcessedPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ns + "_processed_per_second",
			Help: "Smoothed rate of messages processed, from the internal meter.",
		}),
	}

	prometheus.MustRegister(
		r.SuccessTotal, r.ErrorsTotal, r.ValidationErrorsTotal,
		r.DuplicatesTotal, r.PublishLatency, r.DedupLatency,
		r.AlarmsPerSecond, r.EvaluationsPerSecond, r.ProcessedPerSecond,
	)

	return r
}

// Meter returns (creating if needed) a named go-metrics meter, mirroring
// metrics.GetOrRegisterMeter(name, *c.Metrics) from the teacher.
func (r *Registry) Meter(name string) gometrics.Meter {
	return gometrics.GetOrRegisterMeter(name, r.Meters)
}

// SyncGauges snapshots the internal meters' 1-minute rates into the
// Prometheus gauges; call on a tick (e.g. every 5s) from each component.
func (r *Registry) SyncGauges() {
	r.AlarmsPerSecond.Set(r.Meter("/alarms.per.second").Rate1())
	r.EvaluationsPerSecond.Set(r.Meter("/evaluations.per.second").Rate1())
	r.ProcessedPerSecond.Set(r.Meter("/metrics/processed.per.second").Rate1())
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
