// Package telemetry exposes the core's Prometheus metrics, grouped by
// subsystem the way FluxForge's observability/metrics.go does.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_scheduler_queue_depth",
		Help: "Current number of pending tasks in the priority queue.",
	})

	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskmesh_scheduler_task_runtime_seconds",
		Help:    "Wall-clock duration of dispatched task execution.",
		Buckets: prometheus.DefBuckets,
	})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_scheduler_decisions_total",
		Help: "Scheduling decisions by outcome (dispatch, requeue_no_candidates, circuit_breaker_delay, rate_limit_delay, timeout_cancel).",
	}, []string{"decision"})

	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_dispatch_worker_saturation",
		Help: "Fraction of dispatch pool slots currently occupied.",
	})

	DispatchCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_dispatch_circuit_state",
		Help: "Dispatch circuit breaker state: 0=closed 1=half_open 2=open.",
	})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmesh_retry_attempts_total",
		Help: "Total retry callback invocations.",
	})

	TaskPermanentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmesh_retry_permanent_failures_total",
		Help: "Retry records purged after exceeding max_retries.",
	})

	NodeHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_node_health_status",
		Help: "Per-node health status: 0=failed 1=inactive 2=recovering 3=active.",
	}, []string{"node_id"})

	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_health_connected_nodes",
		Help: "Number of nodes currently tracked as ACTIVE.",
	})

	PoolExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_dbpool_exhausted_total",
		Help: "Borrow attempts that failed with PoolExhausted, by endpoint.",
	}, []string{"endpoint"})

	PoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_dbpool_in_use_connections",
		Help: "Currently borrowed connections, by endpoint.",
	}, []string{"endpoint"})

	FailoverCurrentEndpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_failover_current_endpoint",
		Help: "1 for the endpoint currently selected as current_endpoint_id, else 0.",
	}, []string{"endpoint"})

	FailoverEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_failover_events_total",
		Help: "Failover events by outcome (success, failure, recovery).",
	}, []string{"outcome"})

	DegradedModeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_dbpool_degraded_mode",
		Help: "1 if the failover manager is currently operating in degraded mode.",
	})
)
