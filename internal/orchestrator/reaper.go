package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/monitoring"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/logger"
)

// IdleReaper reclaims workspaces whose owners stopped pinging. It is the
// only component that terminates healthy instances, always decrementing
// desired capacity so the group does not replace what it reclaims.
type IdleReaper struct {
	sessions *store.SessionStore
	pool     *store.WarmPool
	cloud    cloud.Adapter
	capacity *CapacityController

	idleTimeout time.Duration
	batchLimit  int64
}

func NewIdleReaper(sessions *store.SessionStore, pool *store.WarmPool, adapter cloud.Adapter, capacity *CapacityController, idleTimeout time.Duration, batchLimit int64) *IdleReaper {
	return &IdleReaper{
		sessions:    sessions,
		pool:        pool,
		cloud:       adapter,
		capacity:    capacity,
		idleTimeout: idleTimeout,
		batchLimit:  batchLimit,
	}
}

// RunOnce sweeps one batch of idle users and returns how many workspaces
// were reclaimed. The idle set is a snapshot taken at entry; pings
// arriving during the sweep do not cancel a reap already decided. Per-user
// failures are logged and skipped so one bad instance cannot wedge the
// batch, and every sweep ends with a capacity reconcile.
func (ir *IdleReaper) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-ir.idleTimeout).UnixMilli()
	idle, err := ir.sessions.ListIdle(ctx, cutoff, ir.batchLimit)
	if err != nil {
		return 0, storeError("reaper.list_idle", err)
	}

	reaped := 0
	if len(idle) > 0 {
		logger.Info("REAPER: Idle users found", map[string]interface{}{
			"count":     len(idle),
			"cutoff_ms": cutoff,
		})
		for _, userID := range idle {
			if ir.reapUser(ctx, userID) {
				reaped++
			}
		}
	}

	if err := ir.capacity.Reconcile(ctx); err != nil {
		logger.Warn("REAPER: Post-sweep capacity reconcile failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return reaped, nil
}

// reapUser tears down one user's workspace. Returns true when the
// instance was submitted for termination and the session cleaned.
func (ir *IdleReaper) reapUser(ctx context.Context, userID string) bool {
	record, err := ir.sessions.GetWorkspace(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		// Liveness entry with no workspace behind it. Drop the entry or
		// the user counts as active forever.
		if rerr := ir.sessions.RemoveFromLiveness(ctx, userID); rerr != nil {
			logger.Error("REAPER: Failed to drop orphaned liveness entry", rerr, map[string]interface{}{
				"user_id": userID,
			})
			return false
		}
		logger.Warn("REAPER: Dropped orphaned liveness entry", map[string]interface{}{
			"user_id": userID,
		})
		return false
	}
	if err != nil {
		logger.Error("REAPER: Failed to load workspace", err, map[string]interface{}{
			"user_id": userID,
		})
		return false
	}

	if record.State == store.WorkspaceStopped {
		// Already cleaned; only the liveness entry is stale.
		if rerr := ir.sessions.RemoveFromLiveness(ctx, userID); rerr != nil {
			logger.Error("REAPER: Failed to drop stale liveness entry", rerr, map[string]interface{}{
				"user_id": userID,
			})
		}
		return false
	}

	if record.InstanceID == "" {
		if rerr := ir.sessions.RemoveFromLiveness(ctx, userID); rerr != nil {
			logger.Error("REAPER: Failed to drop instance-less liveness entry", rerr, map[string]interface{}{
				"user_id": userID,
			})
			return false
		}
		if perr := ir.sessions.Purge(ctx, userID); perr != nil {
			logger.Warn("REAPER: Failed to purge instance-less workspace", map[string]interface{}{
				"user_id": userID,
				"error":   perr.Error(),
			})
		}
		return false
	}

	// Defensive: a bound instance must not sit in the pool.
	if err := ir.pool.Remove(ctx, record.InstanceID); err != nil {
		logger.Warn("REAPER: Pool removal failed", map[string]interface{}{
			"user_id":     userID,
			"instance_id": record.InstanceID,
			"error":       err.Error(),
		})
	}

	err = cloud.WithRetries(ctx, "reaper.terminate", func(ctx context.Context) error {
		return ir.cloud.TerminateInstance(ctx, record.InstanceID, true)
	})
	if err != nil && !cloud.IsNotFound(err) {
		// Session stays in place; the next tick retries the whole user.
		logger.Error("REAPER: Failed to terminate idle instance", err, map[string]interface{}{
			"user_id":     userID,
			"instance_id": record.InstanceID,
		})
		return false
	}

	if err := ir.sessions.Cleanup(ctx, userID, record.InstanceID); err != nil {
		logger.Error("REAPER: Failed to clean session", err, map[string]interface{}{
			"user_id":     userID,
			"instance_id": record.InstanceID,
		})
		return false
	}
	if err := ir.sessions.Purge(ctx, userID); err != nil {
		logger.Warn("REAPER: Failed to purge workspace record", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}

	idleMs := time.Now().UnixMilli() - record.LastSeen
	monitoring.RecordWorkspaceReaped()
	events.PublishWorkspaceReaped(userID, record.InstanceID, idleMs)
	logger.Info("REAPER: Idle workspace reclaimed", map[string]interface{}{
		"user_id":     userID,
		"instance_id": record.InstanceID,
		"idle_ms":     idleMs,
	})
	return true
}
