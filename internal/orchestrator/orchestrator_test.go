package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/config"
)

// testEnv bundles a fresh in-memory store with a fake cloud adapter.
type testEnv struct {
	client   *redis.Client
	sessions *store.SessionStore
	pool     *store.WarmPool
	cloud    *cloud.FakeAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &testEnv{
		client:   client,
		sessions: store.NewSessionStore(client, time.Second),
		pool:     store.NewWarmPool(client, time.Second),
		cloud:    cloud.NewFakeAdapter(),
	}
}

// seedSession writes a RUNNING workspace record for userID.
func (e *testEnv) seedSession(t *testing.T, userID, instanceID string, lastSeen time.Time) {
	t.Helper()

	err := e.sessions.SetWorkspace(context.Background(), &store.WorkspaceRecord{
		UserID:         userID,
		InstanceID:     instanceID,
		PublicEndpoint: "203.0.113.10",
		State:          store.WorkspaceRunning,
		LastSeen:       lastSeen.UnixMilli(),
		CreatedAt:      lastSeen.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("SetWorkspace(%s): %v", userID, err)
	}
}

func (e *testEnv) addToPool(t *testing.T, instanceID string) {
	t.Helper()

	if err := e.pool.Add(context.Background(), instanceID); err != nil {
		t.Fatalf("pool.Add(%s): %v", instanceID, err)
	}
}

func (e *testEnv) poolContains(t *testing.T, instanceID string) bool {
	t.Helper()

	ok, err := e.pool.Contains(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("pool.Contains(%s): %v", instanceID, err)
	}
	return ok
}

func testConfig() *config.Config {
	return &config.Config{
		MaxInstances:         10,
		WarmSpareTarget:      2,
		AllocationTimeoutMs:  5000,
		IdleTimeoutMs:        3600000,
		CleanupIntervalMs:    60000,
		ReadinessMaxAttempts: 3,
		ReadinessBackoffMs:   1,
		ReconcileIntervalMs:  60000,
		ReaperBatchLimit:     50,
	}
}

// waitFor polls cond until it holds or the deadline passes. Used for
// effects that land on handler goroutines.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPingUpdatesLiveness(t *testing.T) {
	env := newTestEnv(t)
	orch := NewOrchestrator(testConfig(), env.sessions, env.pool, env.cloud)
	env.seedSession(t, "alice", "i-1", time.Now().Add(-time.Hour))

	ts, err := orch.Ping(context.Background(), "i-1")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ts <= 0 {
		t.Fatalf("Ping returned timestamp %d, want > 0", ts)
	}

	record, err := env.sessions.GetWorkspace(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if record.LastSeen != ts {
		t.Errorf("LastSeen = %d, want %d", record.LastSeen, ts)
	}
	if record.State != store.WorkspaceRunning {
		t.Errorf("State = %s, want RUNNING", record.State)
	}
}

func TestPingUnknownInstance(t *testing.T) {
	env := newTestEnv(t)
	orch := NewOrchestrator(testConfig(), env.sessions, env.pool, env.cloud)

	_, err := orch.Ping(context.Background(), "i-ghost")
	if !cloud.IsKind(err, cloud.KindNotFound) {
		t.Fatalf("Ping(unknown) error = %v, want NotFound", err)
	}
}

func TestWorkspaceStatus(t *testing.T) {
	env := newTestEnv(t)
	orch := NewOrchestrator(testConfig(), env.sessions, env.pool, env.cloud)

	if _, err := orch.WorkspaceStatus(context.Background(), ""); !cloud.IsKind(err, cloud.KindNotAuthenticated) {
		t.Errorf("WorkspaceStatus(\"\") error = %v, want NotAuthenticated", err)
	}
	if _, err := orch.WorkspaceStatus(context.Background(), "nobody"); !cloud.IsKind(err, cloud.KindNotFound) {
		t.Errorf("WorkspaceStatus(nobody) error = %v, want NotFound", err)
	}

	env.seedSession(t, "alice", "i-1", time.Now())
	record, err := orch.WorkspaceStatus(context.Background(), "alice")
	if err != nil {
		t.Fatalf("WorkspaceStatus(alice): %v", err)
	}
	if record.InstanceID != "i-1" {
		t.Errorf("InstanceID = %s, want i-1", record.InstanceID)
	}
	if record.PublicEndpoint != "203.0.113.10" {
		t.Errorf("PublicEndpoint = %s, want 203.0.113.10", record.PublicEndpoint)
	}
}

func TestStatusAssemblesFleetSnapshot(t *testing.T) {
	env := newTestEnv(t)
	orch := NewOrchestrator(testConfig(), env.sessions, env.pool, env.cloud)

	env.seedSession(t, "alice", "i-1", time.Now())
	env.seedSession(t, "bob", "i-2", time.Now())
	env.cloud.AddInstance(&cloud.Instance{ID: "i-1", State: cloud.StateRunning, PublicEndpoint: "203.0.113.10"})
	env.cloud.AddInstance(&cloud.Instance{ID: "i-2", State: cloud.StateRunning, PublicEndpoint: "203.0.113.11"})
	env.cloud.AddWarmInstance("i-3", "203.0.113.12")
	env.addToPool(t, "i-3")
	env.cloud.SetDesired(3)

	status, err := orch.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ActiveUsers != 2 {
		t.Errorf("ActiveUsers = %d, want 2", status.ActiveUsers)
	}
	if status.WarmSpares != 1 {
		t.Errorf("WarmSpares = %d, want 1", status.WarmSpares)
	}
	if status.TotalInstances != 3 {
		t.Errorf("TotalInstances = %d, want 3", status.TotalInstances)
	}
	if status.ASGCapacity != 3 {
		t.Errorf("ASGCapacity = %d, want 3", status.ASGCapacity)
	}
	if status.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %d, want >= 0", status.UptimeSeconds)
	}
}

func TestDispatchLifecycleEvent(t *testing.T) {
	env := newTestEnv(t)
	orch := NewOrchestrator(testConfig(), env.sessions, env.pool, env.cloud)

	if orch.DispatchLifecycleEvent("autoscaling:TEST_NOTIFICATION", "") {
		t.Error("DispatchLifecycleEvent(test notification) = true, want false")
	}

	env.cloud.AddInstance(&cloud.Instance{ID: "i-new", State: cloud.StateRunning, PublicEndpoint: "203.0.113.20"})
	if !orch.DispatchLifecycleEvent(EventInstanceLaunch, "i-new") {
		t.Fatal("DispatchLifecycleEvent(launch) = false, want true")
	}
	waitFor(t, 2*time.Second, func() bool {
		return env.poolContains(t, "i-new")
	}, "launched instance never joined the pool")

	env.seedSession(t, "carol", "i-dying", time.Now())
	if !orch.DispatchLifecycleEvent(EventInstanceTerminate, "i-dying") {
		t.Fatal("DispatchLifecycleEvent(terminate) = false, want true")
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := env.sessions.GetUserForInstance(context.Background(), "i-dying")
		return err != nil
	}, "terminated instance mapping never cleaned up")
}
