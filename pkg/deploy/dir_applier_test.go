package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

const dirDiff = `--- a/svc/config.txt
+++ b/svc/config.txt
@@ -1,2 +1,2 @@
 name=api
-replicas=2
+replicas=3
--- /dev/null
+++ b/svc/flags.txt
@@ -0,0 +1 @@
+canary=true
`

func seedTargets(t *testing.T, n int) []string {
	t.Helper()
	var dirs []string
	for i := 0; i < n; i++ {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "svc"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "svc", "config.txt"), []byte("name=api\nreplicas=2\n"), 0o600))
		dirs = append(dirs, dir)
	}
	return dirs
}

func readTarget(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestDirApplier_ApplyAndRevert(t *testing.T) {
	ctx := context.Background()
	dirs := seedTargets(t, 4)
	a := NewDirApplier(dirs...)
	forward := patch.MustParse(dirDiff)

	require.NoError(t, a.Apply(ctx, 25, forward))
	assert.Equal(t, "name=api\nreplicas=3\n", readTarget(t, dirs[0], "svc/config.txt"))
	assert.Equal(t, "canary=true\n", readTarget(t, dirs[0], "svc/flags.txt"))
	assert.Equal(t, "name=api\nreplicas=2\n", readTarget(t, dirs[1], "svc/config.txt"))

	// Re-applying a larger tier leaves updated targets alone.
	require.NoError(t, a.Apply(ctx, 50, forward))
	assert.Equal(t, "name=api\nreplicas=3\n", readTarget(t, dirs[1], "svc/config.txt"))

	require.NoError(t, a.Revert(ctx, forward.Reverse()))
	for _, dir := range dirs {
		assert.Equal(t, "name=api\nreplicas=2\n", readTarget(t, dir, "svc/config.txt"))
		assert.Empty(t, readTarget(t, dir, "svc/flags.txt"))
	}
}

func TestDirApplier_ConflictLeavesTargetUntouched(t *testing.T) {
	dirs := seedTargets(t, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dirs[0], "svc", "config.txt"), []byte("name=api\nreplicas=9\n"), 0o600))

	err := NewDirApplier(dirs...).Apply(context.Background(), 100, patch.MustParse(dirDiff))
	require.ErrorIs(t, err, patch.ErrConflict)
	assert.Empty(t, readTarget(t, dirs[0], "svc/flags.txt"))
}
