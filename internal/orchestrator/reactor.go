package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/monitoring"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/logger"
)

// Lifecycle event names as the provider posts them.
const (
	EventInstanceLaunch    = "autoscaling:EC2_INSTANCE_LAUNCH"
	EventInstanceTerminate = "autoscaling:EC2_INSTANCE_TERMINATE"
)

// LifecycleReactor turns provider launch/terminate notifications into pool
// and session mutations. Handlers are idempotent; the provider retries
// delivery and may duplicate events.
type LifecycleReactor struct {
	sessions *store.SessionStore
	pool     *store.WarmPool
	cloud    cloud.Adapter

	maxAttempts int
	backoff     time.Duration
	stop        <-chan struct{}
}

func NewLifecycleReactor(sessions *store.SessionStore, pool *store.WarmPool, adapter cloud.Adapter, maxAttempts int, backoff time.Duration, stop <-chan struct{}) *LifecycleReactor {
	return &LifecycleReactor{
		sessions:    sessions,
		pool:        pool,
		cloud:       adapter,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		stop:        stop,
	}
}

// HandleLaunch polls the new instance until it is ready, then tags it as a
// warm spare and adds it to the pool. Attempts are spaced by the
// configured backoff with the first attempt running immediately. On
// exhaustion the instance is left to the group's health check, never
// terminated here.
func (r *LifecycleReactor) HandleLaunch(ctx context.Context, instanceID string) error {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(r.backoff):
			case <-r.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		inst, err := r.cloud.DescribeInstance(ctx, instanceID)
		if err != nil {
			if cloud.IsNotFound(err) {
				// Already gone; nothing to pool.
				monitoring.RecordReadinessPoll("gone")
				logger.Warn("LIFECYCLE: Launched instance disappeared during readiness poll", map[string]interface{}{
					"instance_id": instanceID,
					"attempt":     attempt,
				})
				return nil
			}
			monitoring.RecordReadinessPoll("error")
			logger.Warn("LIFECYCLE: Readiness poll failed", map[string]interface{}{
				"instance_id": instanceID,
				"attempt":     attempt,
				"error":       err.Error(),
			})
			continue
		}

		if !inst.Ready() {
			monitoring.RecordReadinessPoll("pending")
			logger.Debug("LIFECYCLE: Instance not ready yet", map[string]interface{}{
				"instance_id": instanceID,
				"attempt":     attempt,
				"state":       string(inst.State),
			})
			continue
		}

		monitoring.RecordReadinessPoll("ready")
		return r.poolInstance(ctx, inst, attempt)
	}

	monitoring.RecordReadinessPoll("timeout")
	events.PublishReadinessTimeout(instanceID, r.maxAttempts)
	logger.Error("LIFECYCLE: Instance never became ready, leaving it to the group health check", nil, map[string]interface{}{
		"instance_id": instanceID,
		"attempts":    r.maxAttempts,
	})
	return cloud.NewError(cloud.KindBadInstance, "lifecycle.readiness",
		fmt.Errorf("instance %s not ready after %d attempts", instanceID, r.maxAttempts))
}

// poolInstance marks a ready instance as an unassigned spare and inserts
// it into the pool.
func (r *LifecycleReactor) poolInstance(ctx context.Context, inst *cloud.Instance, attempts int) error {
	err := cloud.WithRetries(ctx, "lifecycle.tag", func(ctx context.Context) error {
		return r.cloud.SetTags(ctx, inst.ID, map[string]string{
			cloud.TagOwner:     cloud.OwnerUnassigned,
			cloud.TagWarmSpare: "true",
			cloud.TagManagedBy: cloud.ManagedByValue,
		})
	})
	if err != nil {
		// Tags are advisory; pool membership is what allocations read.
		logger.Warn("LIFECYCLE: Could not tag new spare", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
	}

	if err := r.pool.Add(ctx, inst.ID); err != nil {
		return storeError("lifecycle.pool_add", err)
	}

	logger.Info("LIFECYCLE: Instance pooled as warm spare", map[string]interface{}{
		"instance_id":     inst.ID,
		"public_endpoint": inst.PublicEndpoint,
		"attempts":        attempts,
	})
	events.PublishInstancePooled(inst.ID, inst.PublicEndpoint, attempts)
	return nil
}

// HandleTerminate clears every trace of a terminating instance: the pool
// entry, the inverse mapping and the owning user's session. Safe to run on
// an unknown instance.
func (r *LifecycleReactor) HandleTerminate(ctx context.Context, instanceID string) error {
	if err := r.pool.Remove(ctx, instanceID); err != nil {
		logger.Warn("LIFECYCLE: Pool removal failed during terminate", map[string]interface{}{
			"instance_id": instanceID,
			"error":       err.Error(),
		})
	}

	userID, err := r.sessions.GetUserForInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		events.PublishInstanceTerminated(instanceID, "")
		return nil
	}
	if err != nil {
		return storeError("lifecycle.resolve_owner", err)
	}

	if err := r.sessions.Cleanup(ctx, userID, instanceID); err != nil {
		return storeError("lifecycle.cleanup", err)
	}

	logger.Info("LIFECYCLE: Terminated instance cleaned up", map[string]interface{}{
		"instance_id": instanceID,
		"user_id":     userID,
	})
	events.PublishInstanceTerminated(instanceID, userID)
	return nil
}
