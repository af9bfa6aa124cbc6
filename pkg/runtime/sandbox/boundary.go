// Package sandbox runs lease-authorized commands inside an isolation
// boundary with a throwaway writable overlay, under the resource sentinel.
package sandbox

import (
	"bytes"
	"context"
	"sync"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// Spec is what a boundary needs to start one command.
type Spec struct {
	Command []string
	// BaseDir is the read-only source tree; empty means none.
	BaseDir string
	// Dir is the writable overlay and the working directory.
	Dir     string
	Env     []string
	Network bool
	Limits  contracts.ResourceLimits
	Output  *OutputBuffer
}

// ExitInfo is how a process ended. Err is set when the process could not be
// run or waited on at all, as opposed to exiting non-zero.
type ExitInfo struct {
	Code int
	Err  error
}

// Process is a started command.
type Process interface {
	// Wait blocks until the process has exited. Safe to call more than once.
	Wait() ExitInfo
	// Kill forcibly terminates the process and everything it spawned.
	Kill() error
	// Usage samples current consumption. After Wait it reports the final
	// totals where the boundary can measure them.
	Usage() (contracts.ResourceUsage, error)
}

// Boundary is an isolation mechanism.
type Boundary interface {
	Name() string
	// IsolatesNetwork reports whether Spec.Network=false is enforced.
	IsolatesNetwork() bool
	Start(ctx context.Context, spec Spec) (Process, error)
}

// OutputBuffer captures combined stdout and stderr up to a cap. Writes past
// the cap are counted and dropped, never failed, so a chatty process is not
// killed by a broken pipe.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated int64
}

// NewOutputBuffer caps captured output at max bytes.
func NewOutputBuffer(max int64) *OutputBuffer {
	return &OutputBuffer{max: max}
}

func (o *OutputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room := o.max - int64(o.buf.Len())
	switch {
	case room <= 0:
		o.truncated += int64(len(p))
	case int64(len(p)) > room:
		o.buf.Write(p[:room])
		o.truncated += int64(len(p)) - room
	default:
		o.buf.Write(p)
	}
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (o *OutputBuffer) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Clone(o.buf.Bytes())
}

// Truncated returns how many bytes were dropped.
func (o *OutputBuffer) Truncated() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.truncated
}
