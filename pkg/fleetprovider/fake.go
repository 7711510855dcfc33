package fleetprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// FakeProvider is an in-memory Provider for tests and local runs. It starts
// out holding whatever instances have been Seeded into it, each stopped,
// simulating a fixed out-of-band pool; Start brings one of them up
// (transitioning to running on its own after bootDelay, simulating real
// cloud launch latency) and Stop powers it back down without removing it.
type FakeProvider struct {
	mu        sync.Mutex
	instances map[string]*types.Instance
	bootDelay time.Duration
	bootArgs  map[string]BootArgs
}

// NewFakeProvider creates an empty FakeProvider whose instances become
// running bootDelay after Start is called. Call Seed to populate its pool.
func NewFakeProvider(bootDelay time.Duration) *FakeProvider {
	return &FakeProvider{
		instances: make(map[string]*types.Instance),
		bootDelay: bootDelay,
		bootArgs:  make(map[string]BootArgs),
	}
}

// Seed registers n new stopped instances of role, simulating a fixed
// out-of-band pool that already existed before the control plane started.
// Returns the seeded instance IDs.
func (p *FakeProvider) Seed(role types.Role, n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New().String()
		p.instances[id] = &types.Instance{
			ID:             id,
			Role:           role,
			LifecycleState: types.LifecycleStopped,
			PublicIP:       fmt.Sprintf("10.0.0.%d", len(p.instances)+1),
		}
		ids = append(ids, id)
	}
	return ids
}

// List returns a snapshot of all tracked instances.
func (p *FakeProvider) List(_ context.Context) ([]*types.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*types.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

// Start brings an existing stopped instance up, transitioning it to
// running after bootDelay.
func (p *FakeProvider) Start(_ context.Context, instanceID string) error {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("fleetprovider: unknown instance %s", instanceID)
	}
	inst.LifecycleState = types.LifecyclePending
	p.mu.Unlock()

	time.AfterFunc(p.bootDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if inst, ok := p.instances[instanceID]; ok && inst.LifecycleState == types.LifecyclePending {
			inst.LifecycleState = types.LifecycleRunning
		}
	})

	return nil
}

// Stop powers the instance back down; it remains in the pool for a later
// Start.
func (p *FakeProvider) Stop(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return fmt.Errorf("fleetprovider: unknown instance %s", instanceID)
	}
	inst.LifecycleState = types.LifecycleStopped
	return nil
}

// WaitRunning polls the fake's internal map until the instance reaches
// LifecycleRunning.
func (p *FakeProvider) WaitRunning(ctx context.Context, instanceID string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		inst, ok := p.instances[instanceID]
		running := ok && inst.LifecycleState == types.LifecycleRunning
		p.mu.Unlock()

		if running {
			return nil
		}
		if !ok {
			return fmt.Errorf("fleetprovider: unknown instance %s", instanceID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendBoot records the boot args delivered to instanceID, retrievable via
// BootArgsFor for assertions in tests.
func (p *FakeProvider) SendBoot(_ context.Context, instanceID string, args BootArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.instances[instanceID]; !ok {
		return fmt.Errorf("fleetprovider: unknown instance %s", instanceID)
	}
	p.bootArgs[instanceID] = args
	return nil
}

// BootArgsFor returns the boot args last sent to instanceID, if any.
func (p *FakeProvider) BootArgsFor(instanceID string) (BootArgs, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	args, ok := p.bootArgs[instanceID]
	return args, ok
}
