package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkspaceState is the per-user session state.
type WorkspaceState string

const (
	WorkspacePending WorkspaceState = "PENDING"
	WorkspaceRunning WorkspaceState = "RUNNING"
	WorkspaceStopped WorkspaceState = "STOPPED"
)

// WorkspaceRecord is the session record for one user.
type WorkspaceRecord struct {
	UserID         string
	InstanceID     string
	PublicEndpoint string
	CustomDomain   string
	State          WorkspaceState
	LastSeen       int64 // epoch ms of last liveness signal
	CreatedAt      int64 // epoch ms of record creation
}

// setWorkspaceScript persists a workspace conditionally: it refuses to
// overwrite an existing RUNNING record so concurrent allocations for the
// same user resolve to exactly one winner. Hash, inverse mapping and
// liveness index commit as one unit.
var setWorkspaceScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[1], "state")
if existing == "RUNNING" then
	return 0
end
redis.call("HSET", KEYS[1],
	"instanceId", ARGV[2],
	"publicEndpoint", ARGV[3],
	"customDomain", ARGV[4],
	"state", ARGV[5],
	"lastSeen", ARGV[6],
	"ts", ARGV[7])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[6], ARGV[1])
return 1
`)

// SessionStore owns the workspace hashes, the instance inverse mapping and
// the liveness index.
type SessionStore struct {
	client  *redis.Client
	timeout time.Duration
}

func NewSessionStore(client *redis.Client, timeout time.Duration) *SessionStore {
	return &SessionStore{client: client, timeout: timeout}
}

// GetWorkspace loads the record for userID, or ErrNotFound.
func (s *SessionStore) GetWorkspace(ctx context.Context, userID string) (*WorkspaceRecord, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, workspaceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace for %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromFields(userID, fields), nil
}

// SetWorkspace persists record atomically across the hash, the inst→user
// mapping and the liveness index. Returns ErrConflict when a RUNNING record
// already exists for the user.
func (s *SessionStore) SetWorkspace(ctx context.Context, record *WorkspaceRecord) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	keys := []string{
		workspaceKey(record.UserID),
		instanceKey(record.InstanceID),
		keyPings,
	}
	args := []interface{}{
		record.UserID,
		record.InstanceID,
		record.PublicEndpoint,
		record.CustomDomain,
		string(record.State),
		record.LastSeen,
		record.CreatedAt,
	}

	written, err := setWorkspaceScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to persist workspace for %s: %w", record.UserID, err)
	}
	if written == 0 {
		return ErrConflict
	}
	return nil
}

// GetUserForInstance resolves the inverse mapping, or ErrNotFound.
func (s *SessionStore) GetUserForInstance(ctx context.Context, instanceID string) (string, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	userID, err := s.client.Get(ctx, instanceKey(instanceID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve instance %s: %w", instanceID, err)
	}
	return userID, nil
}

// UpdatePing advances lastSeen in the hash and the liveness index in one
// transaction and forces state back to RUNNING. Idempotent for a fixed
// timestamp.
func (s *SessionStore) UpdatePing(ctx context.Context, userID string, now int64) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workspaceKey(userID), "lastSeen", now, "state", string(WorkspaceRunning))
	pipe.ZAdd(ctx, keyPings, redis.Z{Score: float64(now), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update ping for %s: %w", userID, err)
	}
	return nil
}

// ListIdle returns up to limit users whose lastSeen is at or before cutoff,
// oldest first.
func (s *SessionStore) ListIdle(ctx context.Context, cutoff int64, limit int64) ([]string, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	users, err := s.client.ZRangeByScore(ctx, keyPings, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff, 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range liveness index: %w", err)
	}
	return users, nil
}

// ActiveCount is the cardinality of the liveness index.
func (s *SessionStore) ActiveCount(ctx context.Context) (int64, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	n, err := s.client.ZCard(ctx, keyPings).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count liveness index: %w", err)
	}
	return n, nil
}

// Cleanup transitions the workspace to STOPPED, drops the user from the
// liveness index and deletes the inverse mapping, in one transaction.
func (s *SessionStore) Cleanup(ctx context.Context, userID, instanceID string) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workspaceKey(userID), "state", string(WorkspaceStopped))
	pipe.ZRem(ctx, keyPings, userID)
	pipe.Del(ctx, instanceKey(instanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clean up workspace for %s: %w", userID, err)
	}
	return nil
}

// Purge removes the workspace hash after Cleanup.
func (s *SessionStore) Purge(ctx context.Context, userID string) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, workspaceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to purge workspace for %s: %w", userID, err)
	}
	return nil
}

// RemoveFromLiveness drops a user from the liveness index without touching
// the workspace. Used by the reaper to repair index entries whose record
// is gone.
func (s *SessionStore) RemoveFromLiveness(ctx context.Context, userID string) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	if err := s.client.ZRem(ctx, keyPings, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from liveness index: %w", userID, err)
	}
	return nil
}

func recordFromFields(userID string, fields map[string]string) *WorkspaceRecord {
	lastSeen, _ := strconv.ParseInt(fields["lastSeen"], 10, 64)
	createdAt, _ := strconv.ParseInt(fields["ts"], 10, 64)
	return &WorkspaceRecord{
		UserID:         userID,
		InstanceID:     fields["instanceId"],
		PublicEndpoint: fields["publicEndpoint"],
		CustomDomain:   fields["customDomain"],
		State:          WorkspaceState(fields["state"]),
		LastSeen:       lastSeen,
		CreatedAt:      createdAt,
	}
}
