package sandbox

import "context"

// HostBoundary runs commands directly on the host in their own process
// group, with the overlay as working directory and a minimal environment.
// It cannot withhold the network and is meant for development.
type HostBoundary struct{}

func (HostBoundary) Name() string          { return "host" }
func (HostBoundary) IsolatesNetwork() bool { return false }

func (HostBoundary) Start(ctx context.Context, spec Spec) (Process, error) {
	p, err := startCommand(ctx, spec.Command, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}
