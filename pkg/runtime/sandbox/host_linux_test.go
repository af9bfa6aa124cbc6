//go:build linux

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

func hostHarness(t *testing.T) *harness {
	t.Helper()
	for _, bin := range []string{"sh", "sleep", "echo"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	h := newHarness(t, nil)
	h.leases.scope.Commands = map[string]contracts.CommandRule{"echo": {}, "sleep": {}, "sh": {}}
	h.exec.boundary = HostBoundary{}
	h.exec.cfg.AllowUnisolatedNetwork = true
	return h
}

func TestHostBoundary_Echo(t *testing.T) {
	h := hostHarness(t)
	rec, err := h.exec.Run(context.Background(), h.token, []string{"echo", "hello"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ExitOK, rec.ExitStatus)

	out, err := h.store.Get(context.Background(), rec.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestHostBoundary_NonZeroExit(t *testing.T) {
	h := hostHarness(t)
	rec, err := h.exec.Run(context.Background(), h.token, []string{"sh", "-c", "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ExitFail, rec.ExitStatus)
	assert.Equal(t, 3, rec.ExitCode)
}

func TestHostBoundary_TimeoutKillsProcessGroup(t *testing.T) {
	h := hostHarness(t)
	h.token.ExpiresAt = time.Now().Add(300 * time.Millisecond)

	start := time.Now()
	rec, err := h.exec.Run(context.Background(), h.token, []string{"sleep", "5"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, gateerr.KindTimeout, gateerr.KindOf(err))
	assert.Equal(t, contracts.ExitTimeout, rec.ExitStatus)
	assert.Equal(t, []string{"lease-1"}, h.leases.Revoked())
}

func TestProcTreeUsage(t *testing.T) {
	u, err := procTreeUsage(os.Getpid())
	require.NoError(t, err)
	assert.Positive(t, u.MemoryBytes)

	_, err = procTreeUsage(-1)
	assert.Error(t, err)
}
