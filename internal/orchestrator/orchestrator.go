package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/monitoring"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/config"
	"github.com/codelift/workbench/pkg/logger"
)

// Orchestrator wires the allocator, capacity controller, lifecycle
// reactor, idle reaper and pool reconciler over shared session and pool
// state, and runs the background sweeps.
type Orchestrator struct {
	Allocator  *Allocator
	Capacity   *CapacityController
	Reactor    *LifecycleReactor
	Reaper     *IdleReaper
	Reconciler *PoolReconciler

	Sessions *store.SessionStore
	Pool     *store.WarmPool
	Cloud    cloud.Adapter

	StartedAt time.Time

	cleanupInterval   time.Duration
	reconcileInterval time.Duration
	stopChan          chan struct{}
}

// NewOrchestrator builds the component graph from configuration.
func NewOrchestrator(cfg *config.Config, sessions *store.SessionStore, pool *store.WarmPool, adapter cloud.Adapter) *Orchestrator {
	stopChan := make(chan struct{})
	capacity := NewCapacityController(sessions, pool, adapter, cfg.MaxInstances, cfg.WarmSpareTarget)

	return &Orchestrator{
		Allocator:  NewAllocator(sessions, pool, adapter, capacity, cfg.AllocationTimeout()),
		Capacity:   capacity,
		Reactor:    NewLifecycleReactor(sessions, pool, adapter, cfg.ReadinessMaxAttempts, cfg.ReadinessBackoff(), stopChan),
		Reaper:     NewIdleReaper(sessions, pool, adapter, capacity, cfg.IdleTimeout(), int64(cfg.ReaperBatchLimit)),
		Reconciler: NewPoolReconciler(sessions, pool, adapter),

		Sessions: sessions,
		Pool:     pool,
		Cloud:    adapter,

		StartedAt:         time.Now(),
		cleanupInterval:   cfg.CleanupInterval(),
		reconcileInterval: cfg.ReconcileInterval(),
		stopChan:          stopChan,
	}
}

// Start launches the background workers.
func (o *Orchestrator) Start() {
	logger.Info("Starting workspace orchestrator", map[string]interface{}{
		"cleanup_interval":   o.cleanupInterval.String(),
		"reconcile_interval": o.reconcileInterval.String(),
	})

	go o.reaperWorker()
	go o.reconcileWorker()
}

// Stop stops the background workers. In-flight handler goroutines finish
// on their own contexts.
func (o *Orchestrator) Stop() {
	logger.Info("Stopping workspace orchestrator", nil)
	close(o.stopChan)
}

// DispatchLifecycleEvent routes an authenticated provider notification to
// the matching reactor handler on its own goroutine and reports whether
// the event kind is known. The caller can ack immediately; readiness
// polling continues in the background.
func (o *Orchestrator) DispatchLifecycleEvent(event, instanceID string) bool {
	switch event {
	case EventInstanceLaunch:
		monitoring.RecordLifecycleEvent("launch")
		go func() {
			if err := o.Reactor.HandleLaunch(context.Background(), instanceID); err != nil {
				logger.Debug("LIFECYCLE: Launch handling ended with error", map[string]interface{}{
					"instance_id": instanceID,
					"error":       err.Error(),
				})
			}
		}()
	case EventInstanceTerminate:
		monitoring.RecordLifecycleEvent("terminate")
		go func() {
			if err := o.Reactor.HandleTerminate(context.Background(), instanceID); err != nil {
				logger.Error("LIFECYCLE: Terminate handling failed", err, map[string]interface{}{
					"instance_id": instanceID,
				})
			}
		}()
	default:
		return false
	}
	return true
}

// Ping records a liveness signal from an instance and returns the
// timestamp written. NotFound when no user owns the instance.
func (o *Orchestrator) Ping(ctx context.Context, instanceID string) (int64, error) {
	userID, err := o.Sessions.GetUserForInstance(ctx, instanceID)
	if err != nil {
		return 0, storeError("ping.resolve", err)
	}

	now := time.Now().UnixMilli()
	if err := o.Sessions.UpdatePing(ctx, userID, now); err != nil {
		return 0, storeError("ping.update", err)
	}
	return now, nil
}

// WorkspaceStatus loads one user's workspace record.
func (o *Orchestrator) WorkspaceStatus(ctx context.Context, userID string) (*store.WorkspaceRecord, error) {
	if userID == "" {
		return nil, cloud.NewError(cloud.KindNotAuthenticated, "workspace_status", errors.New("no user identity"))
	}
	record, err := o.Sessions.GetWorkspace(ctx, userID)
	if err != nil {
		return nil, storeError("workspace_status.get", err)
	}
	return record, nil
}

// FleetStatus is the operator view served by the status endpoint.
type FleetStatus struct {
	ActiveUsers    int64 `json:"activeUsers"`
	WarmSpares     int64 `json:"warmSpares"`
	TotalInstances int   `json:"totalInstances"`
	ASGCapacity    int32 `json:"asgCapacity"`
	UptimeSeconds  int64 `json:"uptimeSeconds"`
}

// Status assembles the fleet snapshot.
func (o *Orchestrator) Status(ctx context.Context) (*FleetStatus, error) {
	active, err := o.Sessions.ActiveCount(ctx)
	if err != nil {
		return nil, storeError("status.active_count", err)
	}
	spares, err := o.Pool.Size(ctx)
	if err != nil {
		return nil, storeError("status.pool_size", err)
	}

	var asg *cloud.ASGInfo
	err = cloud.WithRetries(ctx, "status.describe_asg", func(ctx context.Context) error {
		var derr error
		asg, derr = o.Cloud.DescribeASG(ctx)
		return derr
	})
	if err != nil {
		return nil, err
	}

	return &FleetStatus{
		ActiveUsers:    active,
		WarmSpares:     spares,
		TotalInstances: len(asg.Instances),
		ASGCapacity:    asg.DesiredCapacity,
		UptimeSeconds:  int64(time.Since(o.StartedAt).Seconds()),
	}, nil
}

// reaperWorker sweeps idle workspaces on the cleanup interval.
func (o *Orchestrator) reaperWorker() {
	ticker := time.NewTicker(o.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cleanupInterval)
			if _, err := o.Reaper.RunOnce(ctx); err != nil {
				logger.Error("REAPER: Sweep failed", err, nil)
			}
			cancel()
		case <-o.stopChan:
			logger.Info("Reaper worker stopped", nil)
			return
		}
	}
}

// reconcileWorker periodically rebuilds pool membership and re-targets
// capacity. The first run happens shortly after startup so a restart
// recovers pool state quickly.
func (o *Orchestrator) reconcileWorker() {
	ticker := time.NewTicker(o.reconcileInterval)
	defer ticker.Stop()

	select {
	case <-time.After(10 * time.Second):
		o.runReconcile()
	case <-o.stopChan:
		logger.Info("Reconcile worker stopped", nil)
		return
	}

	for {
		select {
		case <-ticker.C:
			o.runReconcile()
		case <-o.stopChan:
			logger.Info("Reconcile worker stopped", nil)
			return
		}
	}
}

func (o *Orchestrator) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), o.reconcileInterval)
	defer cancel()

	if err := o.Reconciler.RunOnce(ctx); err != nil {
		logger.Error("POOL_SYNC: Reconcile failed", err, nil)
	}
	if err := o.Capacity.Reconcile(ctx); err != nil {
		logger.Error("CAPACITY: Reconcile failed", err, nil)
	}
}

// storeError classifies a state store failure for callers that map error
// kinds to responses.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return cloud.NewError(cloud.KindNotFound, op, err)
	case errors.Is(err, store.ErrConflict):
		return cloud.NewError(cloud.KindConflict, op, err)
	case errors.Is(err, store.ErrPoolEmpty):
		return cloud.NewError(cloud.KindNoCapacity, op, err)
	default:
		return cloud.NewError(cloud.KindTransientUpstream, op, err)
	}
}
