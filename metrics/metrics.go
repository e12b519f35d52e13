// Package metrics exposes the controller state to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/reconciler"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cumulus"

type Metrics struct {
	registry *prometheus.Registry

	activities   *prometheus.CounterVec
	provisioned  *prometheus.CounterVec
	capReached   *prometheus.CounterVec
	terminated   *prometheus.CounterVec
	disposed     *prometheus.CounterVec
	orphans      *prometheus.CounterVec
	releasedFIPs *prometheus.CounterVec
	sweepErrors  *prometheus.CounterVec
	sweeps       *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.activities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activity_transitions_total",
		Help:      "Provisioning activity phase transitions.",
	}, []string{"account", "class", "phase"})
	m.provisioned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_total",
		Help:      "Provisioning attempts by outcome.",
	}, []string{"account", "class", "result"})
	m.capReached = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instance_cap_reached_total",
		Help:      "Times a provisioning request could not be served because of instance caps.",
	}, []string{"account"})
	m.sweeps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconciler_duration_seconds",
		Help:      "Duration of reconciliation passes.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"account"})

	m.terminated = reportCounter("terminated_nodes_total", "Pending nodes terminated by the reconciler.")
	m.disposed = reportCounter("disposed_servers_total", "Servers disposed of because their scope expired.")
	m.orphans = reportCounter("orphaned_nodes_total", "Nodes removed because their server was gone.")
	m.releasedFIPs = reportCounter("released_floating_ips_total", "Leaked floating IPs released.")
	m.sweepErrors = reportCounter("reconciler_errors_total", "Failed reconciliation stages.")

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activities,
		m.provisioned,
		m.capReached,
		m.terminated,
		m.disposed,
		m.orphans,
		m.releasedFIPs,
		m.sweepErrors,
		m.sweeps,
	)
	return m
}

func reportCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"account"})
}

// Registry returns the Prometheus registry holding every controller metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchRegistry exports node counts, computed on every scrape.
func (m *Metrics) WatchRegistry(nodes *registry.Registry) {
	m.registry.MustRegister(&nodeCollector{registry: nodes})
}

// WatchScheduler exports the in-flight provisioning count and counts scheduler outcomes until ctx is done.
func (m *Metrics) WatchScheduler(ctx context.Context, s *scheduler.Scheduler) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provisioning_inflight",
		Help:      "Nodes being provisioned.",
	}, func() float64 { return float64(s.Inflight()) }))

	events, unsubscribe := s.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				m.observeScheduler(event)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Metrics) observeScheduler(event scheduler.Event) {
	switch event := event.(type) {
	case scheduler.EventNodeProvisioned:
		m.provisioned.WithLabelValues(event.Account, event.Class, "success").Inc()
	case scheduler.EventProvisioningFailed:
		m.provisioned.WithLabelValues(event.Account, event.Class, "failure").Inc()
	case scheduler.EventCapReached:
		m.capReached.WithLabelValues(event.Account).Inc()
	}
}

func (m *Metrics) WatchActivities(tracker *activity.Tracker) {
	tracker.Observe(func(a activity.Activity) {
		m.activities.WithLabelValues(a.Account, a.Class, string(a.Phase)).Inc()
	})
}

// Report records the outcome of a reconciliation pass.
func (m *Metrics) Report(report reconciler.Report) {
	m.terminated.WithLabelValues(report.Account).Add(float64(len(report.Terminated)))
	m.disposed.WithLabelValues(report.Account).Add(float64(len(report.Disposed)))
	m.orphans.WithLabelValues(report.Account).Add(float64(len(report.Orphans)))
	m.releasedFIPs.WithLabelValues(report.Account).Add(float64(len(report.ReleasedFIPs)))
	m.sweepErrors.WithLabelValues(report.Account).Add(float64(len(report.Errors)))
	m.sweeps.WithLabelValues(report.Account).Observe(report.Duration.Seconds())
}
