// Package metrics exposes loop activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/infraguys/gcl-looper/loop"
)

// Observer implements loop.Observer, counting passes and timing them.
type Observer struct {
	passes    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
}

// NewObserver registers the pass metrics on reg and returns the observer.
// Safe to share between runners and the cron scheduler.
func NewObserver(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "looper_passes_total",
			Help: "Completed passes by service and result.",
		}, []string{"service", "result"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "looper_pass_duration_seconds",
			Help:    "Pass duration by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "looper_passes_in_flight",
			Help: "Passes currently executing by service.",
		}, []string{"service"}),
	}
}

// PassStarted implements loop.Observer.
func (o *Observer) PassStarted(service string, _ loop.Pass) {
	o.inFlight.WithLabelValues(service).Inc()
}

// PassFinished implements loop.Observer.
func (o *Observer) PassFinished(service string, _ loop.Pass, d time.Duration, err error) {
	o.inFlight.WithLabelValues(service).Dec()
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.passes.WithLabelValues(service, result).Inc()
	o.durations.WithLabelValues(service).Observe(d.Seconds())
}

// StateCollector exports the current lifecycle state and pass counter of a
// set of services, read live at scrape time.
type StateCollector struct {
	services []loop.Inspector
	state    *prometheus.Desc
	total    *prometheus.Desc
}

// NewStateCollector creates a collector over the given services. Register
// it on the same registry as the pass observer.
func NewStateCollector(services ...loop.Inspector) *StateCollector {
	return &StateCollector{
		services: services,
		state: prometheus.NewDesc(
			"looper_service_state",
			"Service lifecycle state (0 idle, 1 running, 2 stopping).",
			[]string{"service"}, nil,
		),
		total: prometheus.NewDesc(
			"looper_service_passes",
			"Completed passes as reported by the service counter.",
			[]string{"service"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.total
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	for _, svc := range c.services {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue,
			float64(svc.State()), svc.Name())
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue,
			float64(svc.Passes()), svc.Name())
	}
}
