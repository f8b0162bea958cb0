package contracts

import (
	"context"
	"time"
)

// MachineProvisioner starts machines on one backend.
//
// StartMachines must return within budget; ctx carries the same deadline. On
// timeout it returns an error classified as ErrTimeout instead of a partial
// result. A backend may return fewer than count profiles as long as at least
// one is present, or fail the whole request.
type MachineProvisioner interface {
	StartMachines(ctx context.Context, count int, budget time.Duration) ([]*InstallationProfile, error)
}

// Installer performs the remote bootstrap of a single machine.
type Installer interface {
	Install(ctx context.Context, profile *InstallationProfile, budget time.Duration) error
}

// ClusterMembership detects when the agent on a freshly installed machine
// has joined the cluster. Implementations are owned by the caller of the
// whole orchestration and are shared between profiles.
type ClusterMembership interface {
	WaitForAgent(ctx context.Context, host string) error
}
