package cloud

import (
	"context"
	"time"
)

// Tag keys the orchestrator asserts ownership with. Tags are advisory and
// used for observability and self-healing; session state stays authoritative.
const (
	TagOwner     = "Owner"
	TagWarmSpare = "WarmSpare"
	TagManagedBy = "ManagedBy"

	OwnerUnassigned = "UNASSIGNED"
	ManagedByValue  = "workbench"
)

// Adapter is the thin boundary to the cloud provider. Implementations are
// stateless and safe for concurrent use; every failure comes back as a
// classified *Error.
type Adapter interface {
	// DescribeInstance returns current state, public endpoint and tags.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)

	// SetTags is an additive/overwriting tag mutation.
	SetTags(ctx context.Context, instanceID string, tags map[string]string) error

	// SetScaleInProtection toggles scale-in protection for a batch of
	// instances. The returned map holds a classified error per instance
	// that could not be updated; an empty map means full success.
	SetScaleInProtection(ctx context.Context, instanceIDs []string, protected bool) map[string]error

	// DescribeASG returns the controlled group's capacity settings and
	// member instances.
	DescribeASG(ctx context.Context) (*ASGInfo, error)

	// SetDesiredCapacity moves the group toward n. Idempotent on the
	// target value; returns without awaiting settlement.
	SetDesiredCapacity(ctx context.Context, n int32) error

	// TerminateInstance terminates an instance through the ASG. With
	// decrementDesired the group does not replace it.
	TerminateInstance(ctx context.Context, instanceID string, decrementDesired bool) error
}

// InstanceState mirrors the provider-reported lifecycle state.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateUnknown      InstanceState = "unknown"
)

// Instance is the adapter's view of a single compute instance.
type Instance struct {
	ID             string
	State          InstanceState
	PublicEndpoint string
	PrivateIP      string
	LaunchedAt     time.Time
	Tags           map[string]string
}

// Ready reports whether the instance can be handed to a user: provider
// state running and a reachable public endpoint.
func (i *Instance) Ready() bool {
	return i != nil && i.State == StateRunning && i.PublicEndpoint != ""
}

// Owner returns the Owner tag value, or "" when untagged.
func (i *Instance) Owner() string {
	if i == nil {
		return ""
	}
	return i.Tags[TagOwner]
}

// Unassigned reports whether the instance is tagged as a warm spare.
func (i *Instance) Unassigned() bool {
	owner := i.Owner()
	return owner == "" || owner == OwnerUnassigned
}

// ASGInfo describes the controlled auto-scaling group.
type ASGInfo struct {
	Name            string
	DesiredCapacity int32
	MinSize         int32
	MaxSize         int32
	Instances       []ASGInstance
}

// ASGInstance is one group member as the ASG reports it.
type ASGInstance struct {
	ID             string
	LifecycleState string
	HealthStatus   string
	Protected      bool
}

// InServiceInstanceIDs returns the IDs of members in the InService
// lifecycle state.
func (a *ASGInfo) InServiceInstanceIDs() []string {
	var ids []string
	for _, inst := range a.Instances {
		if inst.LifecycleState == "InService" {
			ids = append(ids, inst.ID)
		}
	}
	return ids
}
