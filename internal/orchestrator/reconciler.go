package orchestrator

import (
	"context"
	"errors"

	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/monitoring"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/logger"
)

// PoolReconciler rebuilds warm pool membership from group membership and
// session state after restarts or store loss. Session state is
// authoritative for ownership; tags self-heal membership for instances
// nobody claims.
type PoolReconciler struct {
	sessions *store.SessionStore
	pool     *store.WarmPool
	cloud    cloud.Adapter
}

func NewPoolReconciler(sessions *store.SessionStore, pool *store.WarmPool, adapter cloud.Adapter) *PoolReconciler {
	return &PoolReconciler{sessions: sessions, pool: pool, cloud: adapter}
}

// RunOnce cross-references pool membership with the group's in-service
// instances and session ownership, repairing what does not line up:
// pool entries for gone or user-bound instances are evicted, ready
// unowned spares outside the pool are adopted, and scale-in protection is
// normalized (owned instances protected, spares not).
func (pr *PoolReconciler) RunOnce(ctx context.Context) error {
	var asg *cloud.ASGInfo
	err := cloud.WithRetries(ctx, "pool_sync.describe_asg", func(ctx context.Context) error {
		var derr error
		asg, derr = pr.cloud.DescribeASG(ctx)
		return derr
	})
	if err != nil {
		return err
	}

	inService := make(map[string]cloud.ASGInstance)
	for _, member := range asg.Instances {
		if member.LifecycleState == "InService" {
			inService[member.ID] = member
		}
	}

	members, err := pr.pool.Members(ctx)
	if err != nil {
		return storeError("pool_sync.members", err)
	}
	pooled := make(map[string]bool, len(members))
	for _, instanceID := range members {
		pooled[instanceID] = true
	}

	// Pool entries must reference in-service instances that no session
	// owns.
	for _, instanceID := range members {
		if _, ok := inService[instanceID]; !ok {
			pr.evict(ctx, instanceID, "evicted_gone", "instance left the group")
			continue
		}
		userID, oerr := pr.sessions.GetUserForInstance(ctx, instanceID)
		if oerr == nil {
			logger.Error("POOL_SYNC: Pooled instance is user-bound", nil, map[string]interface{}{
				"instance_id": instanceID,
				"user_id":     userID,
			})
			pr.evict(ctx, instanceID, "evicted_bound", "session ownership wins over pool membership")
		}
	}

	var protectOwned []string
	var unprotectSpares []string
	for instanceID, member := range inService {
		_, oerr := pr.sessions.GetUserForInstance(ctx, instanceID)
		if oerr == nil {
			if !member.Protected {
				protectOwned = append(protectOwned, instanceID)
			}
			continue
		}
		if !errors.Is(oerr, store.ErrNotFound) {
			logger.Warn("POOL_SYNC: Owner lookup failed", map[string]interface{}{
				"instance_id": instanceID,
				"error":       oerr.Error(),
			})
			continue
		}

		if pooled[instanceID] {
			if member.Protected {
				unprotectSpares = append(unprotectSpares, instanceID)
			}
			continue
		}

		inst, derr := pr.cloud.DescribeInstance(ctx, instanceID)
		if derr != nil {
			logger.Warn("POOL_SYNC: Describe failed", map[string]interface{}{
				"instance_id": instanceID,
				"error":       derr.Error(),
			})
			continue
		}
		if !inst.Unassigned() {
			// Tag claims an owner the session store does not know. Never
			// auto-reclaim: an in-flight allocation may sit between
			// tagging and persisting.
			logger.Error("POOL_SYNC: Tagged owner missing from session state", nil, map[string]interface{}{
				"instance_id": instanceID,
				"tag_owner":   inst.Owner(),
				"kind":        string(cloud.KindFatal),
			})
			continue
		}
		if !inst.Ready() {
			continue
		}

		pr.adopt(ctx, inst)
		if member.Protected {
			unprotectSpares = append(unprotectSpares, instanceID)
		}
	}

	pr.setProtection(ctx, protectOwned, true, "protected_owned")
	pr.setProtection(ctx, unprotectSpares, false, "unprotected_spare")
	return nil
}

func (pr *PoolReconciler) evict(ctx context.Context, instanceID, action, reason string) {
	if err := pr.pool.Remove(ctx, instanceID); err != nil {
		logger.Error("POOL_SYNC: Failed to evict pool entry", err, map[string]interface{}{
			"instance_id": instanceID,
		})
		return
	}
	monitoring.RecordPoolRepair(action)
	events.PublishPoolRepaired(instanceID, action, reason)
	logger.Info("POOL_SYNC: Pool entry evicted", map[string]interface{}{
		"instance_id": instanceID,
		"reason":      reason,
	})
}

// adopt normalizes tags on a recovered spare and inserts it into the pool.
func (pr *PoolReconciler) adopt(ctx context.Context, inst *cloud.Instance) {
	err := cloud.WithRetries(ctx, "pool_sync.tag", func(ctx context.Context) error {
		return pr.cloud.SetTags(ctx, inst.ID, map[string]string{
			cloud.TagOwner:     cloud.OwnerUnassigned,
			cloud.TagWarmSpare: "true",
			cloud.TagManagedBy: cloud.ManagedByValue,
		})
	})
	if err != nil {
		logger.Warn("POOL_SYNC: Could not normalize spare tags", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
	}

	if err := pr.pool.Add(ctx, inst.ID); err != nil {
		logger.Error("POOL_SYNC: Failed to adopt spare", err, map[string]interface{}{
			"instance_id": inst.ID,
		})
		return
	}
	monitoring.RecordPoolRepair("adopted")
	events.PublishPoolRepaired(inst.ID, "adopted", "ready unowned instance recovered into pool")
	logger.Info("POOL_SYNC: Recovered spare into pool", map[string]interface{}{
		"instance_id":     inst.ID,
		"public_endpoint": inst.PublicEndpoint,
	})
}

func (pr *PoolReconciler) setProtection(ctx context.Context, instanceIDs []string, protected bool, action string) {
	if len(instanceIDs) == 0 {
		return
	}

	failures := pr.cloud.SetScaleInProtection(ctx, instanceIDs, protected)
	for instanceID, ferr := range failures {
		logger.Error("POOL_SYNC: Protection update failed", ferr, map[string]interface{}{
			"instance_id": instanceID,
			"protected":   protected,
		})
	}
	for _, instanceID := range instanceIDs {
		if _, failed := failures[instanceID]; failed {
			continue
		}
		monitoring.RecordPoolRepair(action)
		events.PublishPoolRepaired(instanceID, action, "scale-in protection normalized")
	}
}
