//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

type execProcess struct{}

func startCommand(context.Context, []string, Spec) (*execProcess, error) {
	return nil, fmt.Errorf("process boundaries are not supported on %s", runtime.GOOS)
}

func (*execProcess) Wait() ExitInfo { return ExitInfo{Code: -1} }
func (*execProcess) Kill() error    { return nil }
func (*execProcess) Usage() (contracts.ResourceUsage, error) {
	return contracts.ResourceUsage{}, fmt.Errorf("unsupported")
}
