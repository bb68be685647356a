package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/monitoring"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/logger"
)

// CapacityController steers the group's desired capacity toward
// min(active users + warm spare target, max instances). It is the only
// component that raises desired capacity; downward movement happens here
// (safe scale-down) or through explicit terminations by the reaper and
// the allocator's bad-instance path.
type CapacityController struct {
	sessions *store.SessionStore
	pool     *store.WarmPool
	cloud    cloud.Adapter

	maxInstances    int32
	warmSpareTarget int32

	reconcileMu sync.Mutex // serializes Reconcile runs
}

func NewCapacityController(sessions *store.SessionStore, pool *store.WarmPool, adapter cloud.Adapter, maxInstances, warmSpareTarget int) *CapacityController {
	return &CapacityController{
		sessions:        sessions,
		pool:            pool,
		cloud:           adapter,
		maxInstances:    int32(maxInstances),
		warmSpareTarget: int32(warmSpareTarget),
	}
}

// TargetFor computes the desired capacity for a given active user count.
func (cc *CapacityController) TargetFor(activeUsers int64) int32 {
	target := int32(activeUsers) + cc.warmSpareTarget
	if target > cc.maxInstances {
		target = cc.maxInstances
	}
	return target
}

// Reconcile recomputes the capacity target and moves the group toward it.
// Safe to call concurrently; runs are serialized. It never waits for the
// group to settle, and repeated calls with unchanged inputs are no-ops
// once the target is reached.
func (cc *CapacityController) Reconcile(ctx context.Context) error {
	cc.reconcileMu.Lock()
	defer cc.reconcileMu.Unlock()

	cc.sweepBoundPoolEntries(ctx)

	activeUsers, err := cc.sessions.ActiveCount(ctx)
	if err != nil {
		return storeError("capacity.active_count", err)
	}
	poolSize, err := cc.pool.Size(ctx)
	if err != nil {
		return storeError("capacity.pool_size", err)
	}

	var asg *cloud.ASGInfo
	err = cloud.WithRetries(ctx, "capacity.describe_asg", func(ctx context.Context) error {
		var derr error
		asg, derr = cc.cloud.DescribeASG(ctx)
		return derr
	})
	if err != nil {
		return err
	}

	current := asg.DesiredCapacity
	target := cc.TargetFor(activeUsers)
	desired := current

	switch {
	case target > current:
		if err := cc.setDesired(ctx, target); err != nil {
			monitoring.RecordCapacityReconcile("error")
			return err
		}
		desired = target
		monitoring.RecordCapacityReconcile("scale_up")
		events.PublishCapacityChanged(current, target, activeUsers, poolSize)
		logger.Info("CAPACITY: Raised desired capacity", map[string]interface{}{
			"from":         current,
			"to":           target,
			"active_users": activeUsers,
			"warm_spares":  poolSize,
		})

	case target < current && poolSize > int64(cc.warmSpareTarget):
		if err := cc.protectActive(ctx, asg); err != nil {
			monitoring.RecordCapacityReconcile("error")
			return err
		}
		if err := cc.setDesired(ctx, target); err != nil {
			monitoring.RecordCapacityReconcile("error")
			return err
		}
		desired = target
		monitoring.RecordCapacityReconcile("scale_down")
		events.PublishCapacityChanged(current, target, activeUsers, poolSize)
		logger.Info("CAPACITY: Lowered desired capacity", map[string]interface{}{
			"from":         current,
			"to":           target,
			"active_users": activeUsers,
			"warm_spares":  poolSize,
		})

	case target < current:
		// Surplus is bound to users rather than warm spares; shrinking
		// now could take an active workspace.
		monitoring.RecordCapacityReconcile("deferred")
		logger.Debug("CAPACITY: Scale-down deferred, surplus not in warm spares", map[string]interface{}{
			"current":     current,
			"target":      target,
			"warm_spares": poolSize,
		})

	default:
		monitoring.RecordCapacityReconcile("steady")
	}

	monitoring.SetFleetGauges(activeUsers, poolSize, desired)
	return nil
}

func (cc *CapacityController) setDesired(ctx context.Context, n int32) error {
	return cloud.WithRetries(ctx, "capacity.set_desired", func(ctx context.Context) error {
		return cc.cloud.SetDesiredCapacity(ctx, n)
	})
}

// protectActive flags every user-bound in-service instance with scale-in
// protection so a shrink can only take warm spares. Session state decides
// ownership; tags are the fallback when the inverse mapping is missing.
// Any protection failure aborts the shrink.
func (cc *CapacityController) protectActive(ctx context.Context, asg *cloud.ASGInfo) error {
	var toProtect []string
	for _, member := range asg.Instances {
		if member.LifecycleState != "InService" || member.Protected {
			continue
		}
		owned, err := cc.instanceIsOwned(ctx, member.ID)
		if err != nil {
			return err
		}
		if owned {
			toProtect = append(toProtect, member.ID)
		}
	}
	if len(toProtect) == 0 {
		return nil
	}

	failures := cc.cloud.SetScaleInProtection(ctx, toProtect, true)
	if len(failures) == 0 {
		logger.Info("CAPACITY: Active instances protected ahead of scale-down", map[string]interface{}{
			"count": len(toProtect),
		})
		return nil
	}

	var first error
	for instanceID, ferr := range failures {
		if first == nil {
			first = ferr
		}
		logger.Error("CAPACITY: Failed to protect active instance", ferr, map[string]interface{}{
			"instance_id": instanceID,
		})
	}
	return first
}

func (cc *CapacityController) instanceIsOwned(ctx context.Context, instanceID string) (bool, error) {
	_, err := cc.sessions.GetUserForInstance(ctx, instanceID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, storeError("capacity.resolve_owner", err)
	}

	// No session mapping. Pool members are known spares; everything else
	// falls back to tags, which self-heal ownership after a store wipe.
	pooled, perr := cc.pool.Contains(ctx, instanceID)
	if perr == nil && pooled {
		return false, nil
	}

	inst, derr := cc.cloud.DescribeInstance(ctx, instanceID)
	if derr != nil {
		if cloud.IsNotFound(derr) {
			return false, nil
		}
		return false, derr
	}
	return !inst.Unassigned(), nil
}

// sweepBoundPoolEntries evicts pool members that session state says are
// bound to a user. Session state wins over pool membership.
func (cc *CapacityController) sweepBoundPoolEntries(ctx context.Context) {
	members, err := cc.pool.Members(ctx)
	if err != nil {
		logger.Warn("CAPACITY: Pool sweep skipped", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, instanceID := range members {
		userID, err := cc.sessions.GetUserForInstance(ctx, instanceID)
		if err != nil {
			continue
		}
		logger.Error("CAPACITY: Pooled instance is user-bound", nil, map[string]interface{}{
			"instance_id": instanceID,
			"user_id":     userID,
		})
		if rerr := cc.pool.Remove(ctx, instanceID); rerr != nil {
			logger.Error("CAPACITY: Failed to evict bound instance from pool", rerr, map[string]interface{}{
				"instance_id": instanceID,
			})
			continue
		}
		monitoring.RecordPoolRepair("evicted_bound")
		events.PublishPoolRepaired(instanceID, "evicted_bound", "session ownership wins over pool membership")
	}
}
