// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the dispatcher-side counters and gauges on a dedicated
// registry, alongside the standard Go and process collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued     *prometheus.CounterVec
	JobsLeased       prometheus.Counter
	PollRequests     *prometheus.CounterVec
	TelemetryUpdates prometheus.Counter
	TelemetryDeduped prometheus.Counter
	LeasesReclaimed  prometheus.Counter
	AgentsOnline     prometheus.Gauge
	SchedulerTicks   prometheus.Counter
	SLABreaches      *prometheus.CounterVec
}

// New creates the registry and registers all collectors.
func New(version string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synqx_jobs_enqueued_total",
			Help: "Jobs enqueued, by trigger type",
		}, []string{"trigger"}),
		JobsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synqx_jobs_leased_total",
			Help: "Jobs handed to agents",
		}),
		PollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synqx_poll_requests_total",
			Help: "Agent poll requests, by outcome",
		}, []string{"outcome"}),
		TelemetryUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synqx_telemetry_updates_total",
			Help: "Step telemetry updates accepted",
		}),
		TelemetryDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synqx_telemetry_deduped_total",
			Help: "Step telemetry updates dropped as duplicates",
		}),
		LeasesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synqx_leases_reclaimed_total",
			Help: "Jobs reclaimed after a lease expired",
		}),
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synqx_agents_online",
			Help: "Agents with a recent heartbeat",
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synqx_scheduler_ticks_total",
			Help: "Scheduler evaluation passes",
		}),
		SLABreaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synqx_sla_breaches_total",
			Help: "SLA breaches detected, by kind",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "synqx_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"version": version},
		}, func() float64 { return 1 }),
		m.JobsEnqueued, m.JobsLeased, m.PollRequests,
		m.TelemetryUpdates, m.TelemetryDeduped, m.LeasesReclaimed,
		m.AgentsOnline, m.SchedulerTicks, m.SLABreaches,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
