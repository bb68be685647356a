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

// compensateTimeout bounds the rollback path, which runs on a detached
// context because the request deadline may already be spent.
const compensateTimeout = 30 * time.Second

// ExternalBinder prepares per-instance side effects before an instance is
// handed to a user (persistent storage attach, reverse-proxy route). Bind
// must be idempotent: a repeated bind for the same pair overwrites.
type ExternalBinder interface {
	Bind(ctx context.Context, userID string, instance *cloud.Instance) (customDomain string, err error)
}

// AllocationResult is what a successful allocation hands back.
type AllocationResult struct {
	InstanceID     string `json:"instanceId"`
	PublicEndpoint string `json:"publicUrl"`
	CustomDomain   string `json:"customDomain,omitempty"`
	Reused         bool   `json:"reused"`
}

// Allocator binds warm spares to users. Each user holds at most one
// instance; concurrent requests for the same user resolve to one winner
// through the session store's conditional persist, and the loser unwinds
// its claim.
type Allocator struct {
	sessions *store.SessionStore
	pool     *store.WarmPool
	cloud    cloud.Adapter
	capacity *CapacityController
	binder   ExternalBinder
	timeout  time.Duration
}

func NewAllocator(sessions *store.SessionStore, pool *store.WarmPool, adapter cloud.Adapter, capacity *CapacityController, timeout time.Duration) *Allocator {
	return &Allocator{
		sessions: sessions,
		pool:     pool,
		cloud:    adapter,
		capacity: capacity,
		timeout:  timeout,
	}
}

// SetBinder injects the external binder. Optional; without one the
// per-instance preparation step is skipped.
func (a *Allocator) SetBinder(binder ExternalBinder) {
	a.binder = binder
}

// Allocate returns the user's running workspace, claiming and binding a
// warm spare when none exists. Safe to call at-least-once: repeats return
// the persisted record unchanged. On an empty pool it nudges capacity and
// reports NoCapacity instead of waiting for a boot.
func (a *Allocator) Allocate(ctx context.Context, userID string) (*AllocationResult, error) {
	if userID == "" {
		return nil, cloud.NewError(cloud.KindNotAuthenticated, "allocate", errors.New("missing user id"))
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Repeat calls return the live record unchanged.
	existing, err := a.sessions.GetWorkspace(ctx, userID)
	if err == nil && existing.State == store.WorkspaceRunning && existing.PublicEndpoint != "" {
		monitoring.RecordAllocation(monitoring.OutcomeReused, time.Since(start))
		return resultFromRecord(existing, true), nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return a.fail(userID, "", start, storeError("allocate.get_workspace", err))
	}

	// Claim a warm spare. On shortage, raise capacity and tell the client
	// to retry; booting a fresh instance inside the request would blow
	// the deadline.
	instanceID, err := a.pool.Pop(ctx)
	if errors.Is(err, store.ErrPoolEmpty) {
		if rerr := a.capacity.Reconcile(ctx); rerr != nil {
			logger.Warn("ALLOCATE: Capacity reconcile after empty pool failed", map[string]interface{}{
				"user_id": userID,
				"error":   rerr.Error(),
			})
		}
		monitoring.RecordAllocation(monitoring.OutcomeShortage, time.Since(start))
		logger.Info("ALLOCATE: No warm spare available, client asked to retry", map[string]interface{}{
			"user_id": userID,
		})
		return nil, cloud.NewError(cloud.KindNoCapacity, "allocate.claim", err)
	}
	if err != nil {
		return a.fail(userID, "", start, storeError("allocate.claim", err))
	}

	logger.Info("ALLOCATE: Claimed warm spare", map[string]interface{}{
		"user_id":     userID,
		"instance_id": instanceID,
	})

	// The spare must already be fit for handoff. One that is not gets
	// terminated rather than re-pooled so boot failures cannot circulate.
	var inst *cloud.Instance
	err = cloud.WithRetries(ctx, "allocate.describe", func(ctx context.Context) error {
		var derr error
		inst, derr = a.cloud.DescribeInstance(ctx, instanceID)
		return derr
	})
	if err != nil {
		if cloud.IsNotFound(err) {
			a.compensateBadInstance(userID, instanceID)
			return a.fail(userID, instanceID, start, cloud.NewError(cloud.KindBadInstance, "allocate.describe", err))
		}
		a.compensate(userID, instanceID)
		return a.fail(userID, instanceID, start, err)
	}
	if !inst.Ready() {
		a.compensateBadInstance(userID, instanceID)
		return a.fail(userID, instanceID, start, cloud.NewError(cloud.KindBadInstance, "allocate.validate",
			fmt.Errorf("instance %s not ready: state=%s endpoint=%q", instanceID, inst.State, inst.PublicEndpoint)))
	}

	// Per-instance preparation precedes ownership tagging.
	customDomain := ""
	if a.binder != nil {
		customDomain, err = a.binder.Bind(ctx, userID, inst)
		if err != nil {
			a.compensate(userID, instanceID)
			var ce *cloud.Error
			if !errors.As(err, &ce) {
				err = cloud.NewError(cloud.KindTransientUpstream, "allocate.bind", err)
			}
			return a.fail(userID, instanceID, start, err)
		}
	}

	// Tag and protect. Tags are advisory; the conditional persist below
	// is what decides ownership.
	err = cloud.WithRetries(ctx, "allocate.tag", func(ctx context.Context) error {
		return a.cloud.SetTags(ctx, instanceID, map[string]string{
			cloud.TagOwner:     userID,
			cloud.TagWarmSpare: "false",
		})
	})
	if err != nil {
		a.compensate(userID, instanceID)
		return a.fail(userID, instanceID, start, err)
	}

	err = cloud.WithRetries(ctx, "allocate.protect", func(ctx context.Context) error {
		failures := a.cloud.SetScaleInProtection(ctx, []string{instanceID}, true)
		if ferr, ok := failures[instanceID]; ok {
			return ferr
		}
		return nil
	})
	if err != nil {
		a.compensate(userID, instanceID)
		return a.fail(userID, instanceID, start, err)
	}

	now := time.Now().UnixMilli()
	record := &store.WorkspaceRecord{
		UserID:         userID,
		InstanceID:     instanceID,
		PublicEndpoint: inst.PublicEndpoint,
		CustomDomain:   customDomain,
		State:          store.WorkspaceRunning,
		LastSeen:       now,
		CreatedAt:      now,
	}
	err = cloud.WithRetries(ctx, "allocate.persist", func(ctx context.Context) error {
		if serr := a.sessions.SetWorkspace(ctx, record); serr != nil {
			return storeError("allocate.persist", serr)
		}
		return nil
	})
	if cloud.IsConflict(err) {
		return a.resolveConflict(ctx, userID, instanceID, start)
	}
	if err != nil {
		a.compensate(userID, instanceID)
		return a.fail(userID, instanceID, start, err)
	}

	// Top the pool back up for the next caller.
	if rerr := a.capacity.Reconcile(ctx); rerr != nil {
		logger.Warn("ALLOCATE: Post-bind capacity reconcile failed", map[string]interface{}{
			"user_id": userID,
			"error":   rerr.Error(),
		})
	}

	logger.Info("ALLOCATE: Workspace bound", map[string]interface{}{
		"user_id":         userID,
		"instance_id":     instanceID,
		"public_endpoint": inst.PublicEndpoint,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	monitoring.RecordAllocation(monitoring.OutcomeProvisioned, time.Since(start))
	events.PublishAllocationCompleted(userID, instanceID, inst.PublicEndpoint, false)

	return resultFromRecord(record, false), nil
}

// resolveConflict handles the losing side of two allocations racing for
// the same user: the claimed spare goes back, and the winner's record is
// returned as an idempotent repeat.
func (a *Allocator) resolveConflict(ctx context.Context, userID, instanceID string, start time.Time) (*AllocationResult, error) {
	logger.Warn("ALLOCATE: Concurrent allocation detected, releasing claim", map[string]interface{}{
		"user_id":     userID,
		"instance_id": instanceID,
	})
	a.compensate(userID, instanceID)
	events.PublishAllocationConflict(userID, instanceID)

	winner, err := a.sessions.GetWorkspace(ctx, userID)
	if err != nil {
		return a.fail(userID, instanceID, start, cloud.NewError(cloud.KindConflict, "allocate.conflict", err))
	}
	monitoring.RecordAllocation(monitoring.OutcomeConflict, time.Since(start))
	return resultFromRecord(winner, true), nil
}

// compensate unwinds a part-finished allocation: protection off, spare
// tags back, instance re-pooled. Every inverse is idempotent; failures are
// logged and left for the next reconcile sweep instead of stopping the
// list. Runs detached because the request context may be spent.
func (a *Allocator) compensate(userID, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	failures := a.cloud.SetScaleInProtection(ctx, []string{instanceID}, false)
	if ferr, ok := failures[instanceID]; ok {
		logger.Error("ALLOCATE: Rollback could not remove protection", ferr, map[string]interface{}{
			"user_id":     userID,
			"instance_id": instanceID,
		})
	}

	if err := a.cloud.SetTags(ctx, instanceID, map[string]string{
		cloud.TagOwner:     cloud.OwnerUnassigned,
		cloud.TagWarmSpare: "true",
	}); err != nil {
		logger.Error("ALLOCATE: Rollback could not restore spare tags", err, map[string]interface{}{
			"user_id":     userID,
			"instance_id": instanceID,
		})
	}

	if err := a.pool.Add(ctx, instanceID); err != nil {
		logger.Error("ALLOCATE: Rollback could not re-pool instance", err, map[string]interface{}{
			"user_id":     userID,
			"instance_id": instanceID,
		})
		return
	}
	logger.Info("ALLOCATE: Claim rolled back, instance re-pooled", map[string]interface{}{
		"user_id":     userID,
		"instance_id": instanceID,
	})
}

// compensateBadInstance replaces the rollback tail for instances that
// failed validation: terminate with a capacity decrement instead of
// returning them to the pool.
func (a *Allocator) compensateBadInstance(userID, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	err := cloud.WithRetries(ctx, "allocate.terminate_bad", func(ctx context.Context) error {
		return a.cloud.TerminateInstance(ctx, instanceID, true)
	})
	if err != nil && !cloud.IsNotFound(err) {
		logger.Error("ALLOCATE: Failed to terminate bad instance", err, map[string]interface{}{
			"user_id":     userID,
			"instance_id": instanceID,
		})
		return
	}
	logger.Info("ALLOCATE: Bad instance terminated", map[string]interface{}{
		"user_id":     userID,
		"instance_id": instanceID,
	})
}

func (a *Allocator) fail(userID, instanceID string, start time.Time, err error) (*AllocationResult, error) {
	kind := cloud.KindOf(err)
	logger.Error("ALLOCATE: Allocation failed", err, map[string]interface{}{
		"user_id":     userID,
		"instance_id": instanceID,
		"kind":        string(kind),
	})
	monitoring.RecordAllocation(monitoring.OutcomeFailed, time.Since(start))
	events.PublishAllocationFailed(userID, instanceID, string(kind), err.Error())
	return nil, err
}

func resultFromRecord(record *store.WorkspaceRecord, reused bool) *AllocationResult {
	return &AllocationResult{
		InstanceID:     record.InstanceID,
		PublicEndpoint: record.PublicEndpoint,
		CustomDomain:   record.CustomDomain,
		Reused:         reused,
	}
}
