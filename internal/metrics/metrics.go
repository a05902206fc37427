package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "supervisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of unexpected service exits detected.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic crash restarts.",
		}, []string{"name"},
	)
	serviceAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restart_abandoned_total",
			Help:      "Number of times a service exceeded its restart ceiling.",
		}, []string{"name"},
	)
	serviceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU percent of the service process tree.",
		}, []string{"name"},
	)
	serviceMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Last sampled RSS of the service process tree in MB.",
		}, []string{"name"},
	)
	serviceDisk = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "disk_mb",
			Help:      "Size of the service watch directories in MB.",
		}, []string{"name"},
	)

	cronExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "executions_total",
			Help:      "Cron executions by outcome (success, failure, timeout, error).",
		}, []string{"job", "result"},
	)
	cronDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of cron executions.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"},
	)

	fixAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autofix",
			Name:      "attempts_total",
			Help:      "Remediation attempts by target kind and outcome.",
		}, []string{"kind", "outcome"},
	)

	agentBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autofix",
			Name:      "agent_circuit_state",
			Help:      "Remediation agent circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"},
	)

	backgroundJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Background jobs finished by status.",
		}, []string{"status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceCrashes, serviceRestarts, serviceAbandoned,
		serviceCPU, serviceMemory, serviceDisk,
		cronExecutions, cronDuration, fixAttempts, agentBreaker, backgroundJobs,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}
func IncCrash(name string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}
func IncAbandoned(name string) {
	if regOK.Load() {
		serviceAbandoned.WithLabelValues(name).Inc()
	}
}

// SetResources publishes the latest sample for a service. A nil disk leaves
// the disk gauge untouched.
func SetResources(name string, cpu, memMB float64, diskMB *float64) {
	if !regOK.Load() {
		return
	}
	serviceCPU.WithLabelValues(name).Set(cpu)
	serviceMemory.WithLabelValues(name).Set(memMB)
	if diskMB != nil {
		serviceDisk.WithLabelValues(name).Set(*diskMB)
	}
}

// ForgetService drops the per-service gauges, e.g. after deletion.
func ForgetService(name string) {
	if !regOK.Load() {
		return
	}
	serviceCPU.DeleteLabelValues(name)
	serviceMemory.DeleteLabelValues(name)
	serviceDisk.DeleteLabelValues(name)
}

func ObserveCronExecution(job, result string, seconds float64) {
	if regOK.Load() {
		cronExecutions.WithLabelValues(job, result).Inc()
		cronDuration.WithLabelValues(job).Observe(seconds)
	}
}

func IncFixAttempt(kind, outcome string) {
	if regOK.Load() {
		fixAttempts.WithLabelValues(kind, outcome).Inc()
	}
}

func SetAgentCircuit(name string, state float64) {
	if regOK.Load() {
		agentBreaker.WithLabelValues(name).Set(state)
	}
}

func IncJobFinished(status string) {
	if regOK.Load() {
		backgroundJobs.WithLabelValues(status).Inc()
	}
}
