package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for Workbench monitoring
var (
	// Allocation metrics
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_allocations_total",
			Help: "Total number of workspace allocation requests by outcome",
		},
		[]string{"outcome"},
	)

	AllocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workbench_allocation_duration_seconds",
			Help:    "Workspace allocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fleet gauges, updated by the capacity controller on every reconcile
	WarmPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_warm_pool_size",
			Help: "Number of ready unassigned instances in the warm pool",
		},
	)

	ActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_active_users",
			Help: "Number of users with a live workspace session",
		},
	)

	ASGDesiredCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_asg_desired_capacity",
			Help: "Desired capacity last written to the autoscaling group",
		},
	)

	// Background worker counters
	WorkspacesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_workspaces_reaped_total",
			Help: "Total number of idle workspaces reclaimed by the reaper",
		},
	)

	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_lifecycle_events_total",
			Help: "Total number of autoscaling lifecycle events processed by event type",
		},
		[]string{"event"},
	)

	ReadinessPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_readiness_polls_total",
			Help: "Total number of instance readiness polls by outcome",
		},
		[]string{"outcome"},
	)

	CapacityReconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_capacity_reconciles_total",
			Help: "Total number of capacity reconcile runs by resulting action",
		},
		[]string{"action"},
	)

	PoolRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_pool_repairs_total",
			Help: "Total number of warm pool repairs by action",
		},
		[]string{"action"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// Allocation outcomes recorded on AllocationsTotal.
const (
	OutcomeReused      = "reused"
	OutcomeProvisioned = "provisioned"
	OutcomeConflict    = "conflict"
	OutcomeShortage    = "shortage"
	OutcomeFailed      = "failed"
)

// RecordAllocation increments the allocation counter and records duration
func RecordAllocation(outcome string, duration time.Duration) {
	AllocationsTotal.WithLabelValues(outcome).Inc()
	AllocationDuration.Observe(duration.Seconds())
}

// RecordLifecycleEvent increments the lifecycle event counter
func RecordLifecycleEvent(event string) {
	LifecycleEventsTotal.WithLabelValues(event).Inc()
}

// RecordReadinessPoll increments the readiness poll counter
func RecordReadinessPoll(outcome string) {
	ReadinessPollsTotal.WithLabelValues(outcome).Inc()
}

// RecordCapacityReconcile increments the reconcile counter
func RecordCapacityReconcile(action string) {
	CapacityReconcilesTotal.WithLabelValues(action).Inc()
}

// RecordPoolRepair increments the pool repair counter
func RecordPoolRepair(action string) {
	PoolRepairsTotal.WithLabelValues(action).Inc()
}

// RecordWorkspaceReaped increments the reaped workspace counter
func RecordWorkspaceReaped() {
	WorkspacesReapedTotal.Inc()
}

// RecordAPIRequest increments the API request counter and records duration
func RecordAPIRequest(method, endpoint, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetFleetGauges updates the fleet-wide gauges in one call
func SetFleetGauges(activeUsers, poolSize int64, desired int32) {
	ActiveUsers.Set(float64(activeUsers))
	WarmPoolSize.Set(float64(poolSize))
	ASGDesiredCapacity.Set(float64(desired))
}
