// Package metrics exposes Prometheus counters and gauges for the host
// scheduler daemon: workload admission outcomes, artifacts upgrade
// results, and event-reporting retries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's Prometheus registry and metric
// instruments.
type Collector struct {
	registry *prometheus.Registry

	workloadsAdmitted *prometheus.CounterVec
	workloadsActive   prometheus.Gauge
	upgradeOutcomes   *prometheus.CounterVec
	eventRetries      *prometheus.CounterVec
	allocatedCPUs     prometheus.Gauge
	allocatedMemMiB   prometheus.Gauge
}

// NewCollector builds a Collector with every scheduler metric registered
// under the "nilcc_scheduler" namespace.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collector{
		registry: registry,
		workloadsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nilcc",
				Subsystem: "scheduler",
				Name:      "workloads_admitted_total",
				Help:      "Total CreateWorkload outcomes by result.",
			},
			[]string{"result"},
		),
		workloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilcc",
			Subsystem: "scheduler",
			Name:      "workloads_active",
			Help:      "Workloads currently enabled on this host.",
		}),
		upgradeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nilcc",
				Subsystem: "scheduler",
				Name:      "artifacts_upgrade_total",
				Help:      "Total artifacts install/uninstall outcomes by action and result.",
			},
			[]string{"action", "result"},
		),
		eventRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nilcc",
				Subsystem: "scheduler",
				Name:      "event_report_retries_total",
				Help:      "Total times a lifecycle event report to upstream had to be retried.",
			},
			[]string{"kind"},
		),
		allocatedCPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilcc",
			Subsystem: "scheduler",
			Name:      "allocated_cpus",
			Help:      "CPUs currently reserved by admitted workloads.",
		}),
		allocatedMemMiB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilcc",
			Subsystem: "scheduler",
			Name:      "allocated_memory_mib",
			Help:      "Memory in MiB currently reserved by admitted workloads.",
		}),
	}

	registry.MustRegister(
		c.workloadsAdmitted,
		c.workloadsActive,
		c.upgradeOutcomes,
		c.eventRetries,
		c.allocatedCPUs,
		c.allocatedMemMiB,
	)
	return c
}

// RecordAdmission records a CreateWorkload admission outcome.
func (c *Collector) RecordAdmission(result string) {
	c.workloadsAdmitted.WithLabelValues(result).Inc()
}

// SetActiveWorkloads sets the number of currently enabled workloads.
func (c *Collector) SetActiveWorkloads(n int) {
	c.workloadsActive.Set(float64(n))
}

// RecordUpgrade records an artifacts install or uninstall outcome.
func (c *Collector) RecordUpgrade(action, result string) {
	c.upgradeOutcomes.WithLabelValues(action, result).Inc()
}

// RecordEventRetry records that reporting a lifecycle event upstream had
// to be retried at least once.
func (c *Collector) RecordEventRetry(kind string) {
	c.eventRetries.WithLabelValues(kind).Inc()
}

// SetAllocatedResources sets the currently reserved CPU and memory gauges.
func (c *Collector) SetAllocatedResources(cpus uint32, memMiB uint32) {
	c.allocatedCPUs.Set(float64(cpus))
	c.allocatedMemMiB.Set(float64(memMiB))
}

// Handler returns the HTTP handler that serves the registry in the
// Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
