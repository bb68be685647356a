package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codelift/workbench/pkg/logger"
)

// Key layout. Everything the orchestrator owns lives under these keys;
// multi-key mutations go through Lua or MULTI/EXEC so they commit as a unit.
//
//	ws:<userId>        hash  {instanceId, publicEndpoint, customDomain, state, lastSeen, ts}
//	inst:<instanceId>  string userId
//	ws:pings           zset  member=userId score=lastSeen(ms)
//	ws:pool            set   instanceId
const (
	keyPings = "ws:pings"
	keyPool  = "ws:pool"
)

func workspaceKey(userID string) string    { return "ws:" + userID }
func instanceKey(instanceID string) string { return "inst:" + instanceID }

var (
	// ErrNotFound marks a missing workspace, instance mapping or user.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict marks a conditional write that lost to an existing
	// RUNNING record.
	ErrConflict = errors.New("store: conflicting running workspace")

	// ErrPoolEmpty marks a pop from an empty warm pool.
	ErrPoolEmpty = errors.New("store: warm pool empty")
)

// Connect opens and verifies the Redis connection.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connection established", map[string]interface{}{
		"addr": opts.Addr,
		"db":   opts.DB,
	})
	return client, nil
}

// opCtx bounds a single store RPC.
func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
