package cloud

import (
	"context"
	"errors"
	"sync"
)

// FakeAdapter implements Adapter for tests. All effects are in-memory and
// instant; per-operation error injection drives the failure paths.
type FakeAdapter struct {
	mu        sync.Mutex
	instances map[string]*Instance
	asg       ASGInfo

	// Error injection, keyed by instance ID where the operation targets one.
	DescribeInstanceErr map[string]error
	SetTagsErr          map[string]error
	ProtectErr          map[string]error
	TerminateErr        map[string]error
	DescribeASGErr      error
	SetDesiredErr       error

	// Call records for assertions.
	SetDesiredCalls []int32
	TerminateCalls  []FakeTerminateCall
	ProtectCalls    []FakeProtectCall
	TagCalls        []FakeTagCall
}

type FakeTerminateCall struct {
	InstanceID string
	Decrement  bool
}

type FakeProtectCall struct {
	InstanceIDs []string
	Protected   bool
}

type FakeTagCall struct {
	InstanceID string
	Tags       map[string]string
}

var _ Adapter = (*FakeAdapter)(nil)

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		instances: make(map[string]*Instance),
		asg: ASGInfo{
			Name:    "workbench-fleet",
			MaxSize: 100,
		},
	}
}

// AddInstance registers an instance and a matching InService group member.
func (f *FakeAdapter) AddInstance(inst *Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if inst.Tags == nil {
		inst.Tags = make(map[string]string)
	}
	f.instances[inst.ID] = inst
	f.asg.Instances = append(f.asg.Instances, ASGInstance{
		ID:             inst.ID,
		LifecycleState: "InService",
		HealthStatus:   "Healthy",
	})
}

// AddWarmInstance registers a ready instance tagged as a warm spare.
func (f *FakeAdapter) AddWarmInstance(id, endpoint string) {
	f.AddInstance(&Instance{
		ID:             id,
		State:          StateRunning,
		PublicEndpoint: endpoint,
		Tags: map[string]string{
			TagOwner:     OwnerUnassigned,
			TagWarmSpare: "true",
			TagManagedBy: ManagedByValue,
		},
	})
}

// SetDesired seeds the group's desired capacity without recording a call.
func (f *FakeAdapter) SetDesired(n int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asg.DesiredCapacity = n
}

// MarkReady transitions a registered instance to running with the given
// endpoint.
func (f *FakeAdapter) MarkReady(id, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if inst, ok := f.instances[id]; ok {
		inst.State = StateRunning
		inst.PublicEndpoint = endpoint
	}
}

// SetMemberProtection seeds a group member's protection flag without
// recording a call.
func (f *FakeAdapter) SetMemberProtection(id string, protected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.asg.Instances {
		if f.asg.Instances[i].ID == id {
			f.asg.Instances[i].Protected = protected
		}
	}
}

// Instance returns a copy of the stored instance, or nil.
func (f *FakeAdapter) Instance(id string) *Instance {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.instances[id]
	if !ok {
		return nil
	}
	cp := *inst
	cp.Tags = make(map[string]string, len(inst.Tags))
	for k, v := range inst.Tags {
		cp.Tags[k] = v
	}
	return &cp
}

// DesiredCapacity returns the group's current desired capacity.
func (f *FakeAdapter) DesiredCapacity() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asg.DesiredCapacity
}

func (f *FakeAdapter) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	if err := f.injected(f.DescribeInstanceErr, instanceID); err != nil {
		return nil, err
	}

	inst := f.Instance(instanceID)
	if inst == nil {
		return nil, NewError(KindNotFound, "cloud.describe_instance", errors.New("instance not found"))
	}
	return inst, nil
}

func (f *FakeAdapter) SetTags(ctx context.Context, instanceID string, tags map[string]string) error {
	if err := f.injected(f.SetTagsErr, instanceID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.TagCalls = append(f.TagCalls, FakeTagCall{InstanceID: instanceID, Tags: tags})
	inst, ok := f.instances[instanceID]
	if !ok {
		return NewError(KindNotFound, "cloud.set_tags", errors.New("instance not found"))
	}
	for k, v := range tags {
		inst.Tags[k] = v
	}
	return nil
}

func (f *FakeAdapter) SetScaleInProtection(ctx context.Context, instanceIDs []string, protected bool) map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ProtectCalls = append(f.ProtectCalls, FakeProtectCall{InstanceIDs: instanceIDs, Protected: protected})

	failures := make(map[string]error)
	for _, id := range instanceIDs {
		if err := f.ProtectErr[id]; err != nil {
			failures[id] = err
			continue
		}
		for i := range f.asg.Instances {
			if f.asg.Instances[i].ID == id {
				f.asg.Instances[i].Protected = protected
			}
		}
	}
	return failures
}

func (f *FakeAdapter) DescribeASG(ctx context.Context) (*ASGInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DescribeASGErr != nil {
		return nil, f.DescribeASGErr
	}

	cp := f.asg
	cp.Instances = append([]ASGInstance(nil), f.asg.Instances...)
	return &cp, nil
}

func (f *FakeAdapter) SetDesiredCapacity(ctx context.Context, n int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SetDesiredErr != nil {
		return f.SetDesiredErr
	}

	f.SetDesiredCalls = append(f.SetDesiredCalls, n)
	f.asg.DesiredCapacity = n
	return nil
}

func (f *FakeAdapter) TerminateInstance(ctx context.Context, instanceID string, decrementDesired bool) error {
	if err := f.injected(f.TerminateErr, instanceID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.TerminateCalls = append(f.TerminateCalls, FakeTerminateCall{InstanceID: instanceID, Decrement: decrementDesired})

	if _, ok := f.instances[instanceID]; !ok {
		return NewError(KindNotFound, "cloud.terminate_instance", errors.New("instance not found"))
	}
	delete(f.instances, instanceID)

	members := f.asg.Instances[:0]
	for _, m := range f.asg.Instances {
		if m.ID != instanceID {
			members = append(members, m)
		}
	}
	f.asg.Instances = members

	if decrementDesired && f.asg.DesiredCapacity > 0 {
		f.asg.DesiredCapacity--
	}
	return nil
}

func (f *FakeAdapter) injected(m map[string]error, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[id]
}
