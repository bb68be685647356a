package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WarmPool is the set of unassigned, readiness-checked instance IDs.
// Pop is the only claim path and never hands the same member to two
// concurrent callers; Add is the only legal (re)insertion and callers must
// have verified the instance is untagged and unprotected first.
type WarmPool struct {
	client  *redis.Client
	timeout time.Duration
}

func NewWarmPool(client *redis.Client, timeout time.Duration) *WarmPool {
	return &WarmPool{client: client, timeout: timeout}
}

// Pop atomically claims one member, or returns ErrPoolEmpty.
func (p *WarmPool) Pop(ctx context.Context) (string, error) {
	ctx, cancel := opCtx(ctx, p.timeout)
	defer cancel()

	instanceID, err := p.client.SPop(ctx, keyPool).Result()
	if err == redis.Nil {
		return "", ErrPoolEmpty
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop from warm pool: %w", err)
	}
	return instanceID, nil
}

// Add inserts an instance. Idempotent.
func (p *WarmPool) Add(ctx context.Context, instanceID string) error {
	ctx, cancel := opCtx(ctx, p.timeout)
	defer cancel()

	if err := p.client.SAdd(ctx, keyPool, instanceID).Err(); err != nil {
		return fmt.Errorf("failed to add %s to warm pool: %w", instanceID, err)
	}
	return nil
}

// Remove deletes an instance. Idempotent; removing a non-member is a no-op.
func (p *WarmPool) Remove(ctx context.Context, instanceID string) error {
	ctx, cancel := opCtx(ctx, p.timeout)
	defer cancel()

	if err := p.client.SRem(ctx, keyPool, instanceID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from warm pool: %w", instanceID, err)
	}
	return nil
}

// Size returns the current member count.
func (p *WarmPool) Size(ctx context.Context) (int64, error) {
	ctx, cancel := opCtx(ctx, p.timeout)
	defer cancel()

	n, err := p.client.SCard(ctx, keyPool).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size warm pool: %w", err)
	}
	return n, nil
}

// Members lists the pool for reconciliation sweeps.
func (p *WarmPool) Members(ctx context.Context) ([]string, error) {
	ctx, cancel := opCtx(ctx, p.timeout)
	defer cancel()

	members, err := p.client.SMembers(ctx, keyPool).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list warm pool: %w", err)
	}
	return members, nil
}

// Contains reports membership without mutating the pool.
func (p *WarmPool) Contains(ctx context.Context, instanceID string) (bool, error) {
	ctx, cancel := opCtx(ctx, p.timeout)
	defer cancel()

	ok, err := p.client.SIsMember(ctx, keyPool, instanceID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check warm pool membership: %w", err)
	}
	return ok, nil
}
