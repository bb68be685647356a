package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/codelift/workbench/internal/cloud"
)

func TestReconcilerEvictsGoneInstance(t *testing.T) {
	env := newTestEnv(t)
	env.addToPool(t, "i-gone")
	pr := NewPoolReconciler(env.sessions, env.pool, env.cloud)

	if err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if env.poolContains(t, "i-gone") {
		t.Error("pool still references an instance that left the group")
	}
}

func TestReconcilerEvictsBoundInstance(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.AddWarmInstance("i-b", "203.0.113.10")
	env.seedSession(t, "bob", "i-b", time.Now())
	env.addToPool(t, "i-b")
	pr := NewPoolReconciler(env.sessions, env.pool, env.cloud)

	if err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if env.poolContains(t, "i-b") {
		t.Error("user-bound instance still in pool")
	}
}

func TestReconcilerAdoptsReadyUnassignedInstance(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.AddWarmInstance("i-a", "203.0.113.11")
	pr := NewPoolReconciler(env.sessions, env.pool, env.cloud)

	if err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !env.poolContains(t, "i-a") {
		t.Fatal("ready unowned spare not adopted")
	}
	inst := env.cloud.Instance("i-a")
	if inst.Tags[cloud.TagWarmSpare] != "true" {
		t.Errorf("warm spare tag = %s, want true", inst.Tags[cloud.TagWarmSpare])
	}
}

func TestReconcilerLeavesTaggedOwnedAlone(t *testing.T) {
	env := newTestEnv(t)
	// Tag claims an owner the session store does not know. Could be an
	// allocation between tagging and persisting; hands off.
	env.cloud.AddInstance(&cloud.Instance{
		ID:             "i-claimed",
		State:          cloud.StateRunning,
		PublicEndpoint: "203.0.113.12",
		Tags:           map[string]string{cloud.TagOwner: "carol"},
	})
	pr := NewPoolReconciler(env.sessions, env.pool, env.cloud)

	if err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if env.poolContains(t, "i-claimed") {
		t.Error("tag-owned instance adopted into pool")
	}
	if len(env.cloud.TerminateCalls) != 0 {
		t.Errorf("TerminateCalls = %+v, want none", env.cloud.TerminateCalls)
	}
	if len(env.cloud.TagCalls) != 0 {
		t.Errorf("TagCalls = %+v, want none", env.cloud.TagCalls)
	}
}

func TestReconcilerSkipsUnreadyInstance(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.AddInstance(&cloud.Instance{ID: "i-booting", State: cloud.StatePending})
	pr := NewPoolReconciler(env.sessions, env.pool, env.cloud)

	if err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if env.poolContains(t, "i-booting") {
		t.Error("unready instance adopted into pool")
	}
}

func TestReconcilerNormalizesProtection(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "dave", "i-o", time.Now())
	env.cloud.AddInstance(&cloud.Instance{ID: "i-o", State: cloud.StateRunning, PublicEndpoint: "203.0.113.13"})
	env.cloud.AddWarmInstance("i-p", "203.0.113.14")
	env.addToPool(t, "i-p")
	env.cloud.SetMemberProtection("i-p", true)
	pr := NewPoolReconciler(env.sessions, env.pool, env.cloud)

	if err := pr.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var protectedOwned, unprotectedSpare bool
	for _, call := range env.cloud.ProtectCalls {
		for _, id := range call.InstanceIDs {
			if id == "i-o" && call.Protected {
				protectedOwned = true
			}
			if id == "i-p" && !call.Protected {
				unprotectedSpare = true
			}
		}
	}
	if !protectedOwned {
		t.Error("owned instance not protected")
	}
	if !unprotectedSpare {
		t.Error("pooled spare not unprotected")
	}

	asg, err := env.cloud.DescribeASG(context.Background())
	if err != nil {
		t.Fatalf("DescribeASG: %v", err)
	}
	for _, member := range asg.Instances {
		switch member.ID {
		case "i-o":
			if !member.Protected {
				t.Error("i-o unprotected after normalization")
			}
		case "i-p":
			if member.Protected {
				t.Error("i-p still protected after normalization")
			}
		}
	}
}
