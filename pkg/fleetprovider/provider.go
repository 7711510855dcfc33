// Package fleetprovider abstracts the cloud capability the Fleet Controller
// needs: listing, starting, stopping, and waiting on compute instances. It
// exists so the control plane's lifecycle logic is testable against an
// in-memory fake without touching a real cloud account.
package fleetprovider

import (
	"context"
	"time"

	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// Provider is the capability surface the Fleet Controller drives instances
// through. The underlying instance pool is provisioned out-of-band (AMI,
// Terraform, whatever stood the fleet up); Provider only starts and stops
// instances that already exist, it never creates or destroys them.
type Provider interface {
	// List returns every instance the provider currently tracks for this
	// account, regardless of lifecycle state.
	List(ctx context.Context) ([]*types.Instance, error)

	// Start brings an existing stopped instance up.
	Start(ctx context.Context, instanceID string) error

	// Stop powers the given instance down. It is reversible: the instance
	// remains in the pool, available to a later Start.
	Stop(ctx context.Context, instanceID string) error

	// WaitRunning blocks until the instance reaches LifecycleRunning or the
	// context is cancelled.
	WaitRunning(ctx context.Context, instanceID string) error

	// SendBoot delivers the boot/startup payload (git branch, role, FC
	// address) an instance needs to bring its own agent up.
	SendBoot(ctx context.Context, instanceID string, args BootArgs) error
}

// BootArgs carries the information a freshly started instance needs to
// bootstrap itself into the cluster.
type BootArgs struct {
	Role       types.Role
	GitPull    string
	FCAddress  string
	DAddress   string
	AccountID  string
	InstanceID string
}

// pollInterval is how often EC2Provider.WaitRunning rechecks instance state
// while waiting. FakeProvider polls on its own 10ms ticker instead.
const pollInterval = 2 * time.Second
