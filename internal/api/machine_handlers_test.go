package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/codelift/workbench/internal/store"
)

func TestAllocateEndpoint(t *testing.T) {
	env := newAPIEnv(t, "")
	env.cloud.AddWarmInstance("i-warm1", "198.51.100.7")
	if err := env.pool.Add(context.Background(), "i-warm1"); err != nil {
		t.Fatalf("pool.Add: %v", err)
	}
	env.cloud.SetDesired(1)

	w := env.do(t, http.MethodPost, "/machines/allocate", env.token(t, "alice", false), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["instanceId"] != "i-warm1" {
		t.Errorf("instanceId = %v, want i-warm1", body["instanceId"])
	}
	if body["publicUrl"] != "198.51.100.7" {
		t.Errorf("publicUrl = %v, want 198.51.100.7", body["publicUrl"])
	}
	if body["reused"] != false {
		t.Errorf("reused = %v, want false", body["reused"])
	}

	// The repeat is idempotent and marked as such.
	w = env.do(t, http.MethodPost, "/machines/allocate", env.token(t, "alice", false), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["reused"] != true {
		t.Errorf("repeat reused = %v, want true", body["reused"])
	}
}

func TestAllocateEndpointEmptyPool(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(t, http.MethodPost, "/machines/allocate", env.token(t, "bob", false), nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "processing" {
		t.Errorf("status field = %v, want processing", body["status"])
	}
}

func TestMachineStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(t, http.MethodGet, "/machines/status", env.token(t, "alice", false), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status without workspace = %d, want 404 (body: %s)", w.Code, w.Body.String())
	}

	lastSeen := time.Now().Add(-time.Minute).UnixMilli()
	err := env.sessions.SetWorkspace(context.Background(), &store.WorkspaceRecord{
		UserID:         "alice",
		InstanceID:     "i-1",
		PublicEndpoint: "198.51.100.7",
		CustomDomain:   "alice.workbench.dev",
		State:          store.WorkspaceRunning,
		LastSeen:       lastSeen,
		CreatedAt:      lastSeen,
	})
	if err != nil {
		t.Fatalf("SetWorkspace: %v", err)
	}

	w = env.do(t, http.MethodGet, "/machines/status", env.token(t, "alice", false), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["instanceId"] != "i-1" {
		t.Errorf("instanceId = %v, want i-1", body["instanceId"])
	}
	if body["publicUrl"] != "198.51.100.7" {
		t.Errorf("publicUrl = %v, want 198.51.100.7", body["publicUrl"])
	}
	if body["state"] != "RUNNING" {
		t.Errorf("state = %v, want RUNNING", body["state"])
	}
	if body["lastSeen"] != float64(lastSeen) {
		t.Errorf("lastSeen = %v, want %d", body["lastSeen"], lastSeen)
	}
	if body["customDomain"] != "alice.workbench.dev" {
		t.Errorf("customDomain = %v, want alice.workbench.dev", body["customDomain"])
	}
}

func TestPingEndpoint(t *testing.T) {
	env := newAPIEnv(t, "")
	before := time.Now().Add(-time.Hour).UnixMilli()
	err := env.sessions.SetWorkspace(context.Background(), &store.WorkspaceRecord{
		UserID:         "alice",
		InstanceID:     "i-1",
		PublicEndpoint: "198.51.100.7",
		State:          store.WorkspaceRunning,
		LastSeen:       before,
		CreatedAt:      before,
	})
	if err != nil {
		t.Fatalf("SetWorkspace: %v", err)
	}

	w := env.do(t, http.MethodPost, "/ping", "", map[string]string{"instanceId": "i-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
	ts, isNumber := body["timestamp"].(float64)
	if !isNumber || int64(ts) <= before {
		t.Errorf("timestamp = %v, want a fresh epoch-ms value", body["timestamp"])
	}

	record, err := env.sessions.GetWorkspace(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if record.LastSeen != int64(ts) {
		t.Errorf("persisted LastSeen = %d, want %d", record.LastSeen, int64(ts))
	}
}

func TestPingEndpointUnknownInstance(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(t, http.MethodPost, "/ping", "", map[string]string{"instanceId": "i-ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body: %s)", w.Code, w.Body.String())
	}
}

func TestPingEndpointRejectsMissingInstanceID(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(t, http.MethodPost, "/ping", "", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["message"] != "instanceId is required" {
		t.Errorf("message = %v, want the field requirement", body["message"])
	}
}
