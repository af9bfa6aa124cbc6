package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/leasegate/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "LOG_LEVEL", "LEDGER_DRIVER", "DATA_DIR", "SANDBOX_BOUNDARY"} {
		t.Setenv(k, "")
	}
	cfg := config.Load()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "file", cfg.LedgerDriver)
	assert.Equal(t, "bwrap", cfg.Boundary)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("LEDGER_DSN", "postgres://ledger@db/leasegate")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DEPLOY_TARGETS", "/srv/a, /srv/b,")

	cfg := config.Load()
	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.LedgerDriver)
	assert.Equal(t, "postgres://ledger@db/leasegate", cfg.LedgerDSN)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"/srv/a", "/srv/b"}, cfg.DeployTargets)
}

func TestDefaultPolicy(t *testing.T) {
	p := config.DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, []int{5, 25, 100}, p.Rollout.Tiers)
	assert.Equal(t, 500, p.Review.MaxDiffLines)
	assert.Equal(t, 2*time.Hour, p.LeaseConfig().MaxDuration)
}

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicy_MergesOverDefaults(t *testing.T) {
	path := writePolicy(t, `
review:
  max_diff_lines: 200
  review_timeout: 5s
rollout:
  tiers: [10, 50, 100]
  bake_window: 2m
health:
  max_error_rate: 0.01
  rule: "quality_score > 0.95"
scope:
  paths: [svc]
  commands:
    go:
      args: [test, "./..."]
`)
	p, err := config.LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 200, p.Review.MaxDiffLines)
	assert.Equal(t, 5*time.Second, p.Review.ReviewTimeout)
	assert.Equal(t, []int{10, 50, 100}, p.Rollout.Tiers)
	assert.Equal(t, 2*time.Minute, p.Rollout.BakeWindow)
	assert.Equal(t, 0.01, p.Health.MaxErrorRate)
	assert.Equal(t, []string{"svc"}, p.Scope.Paths)
	assert.Equal(t, []string{"test", "./..."}, p.Scope.Commands["go"].Args)
	// Untouched sections keep defaults.
	assert.Equal(t, 100*time.Millisecond, p.Sentinel.Interval)
}

func TestLoadPolicy_Rejects(t *testing.T) {
	cases := map[string]string{
		"tiers not increasing":    "rollout:\n  tiers: [50, 25, 100]\n",
		"tiers not ending at 100": "rollout:\n  tiers: [5, 25]\n",
		"bad rule":                "health:\n  rule: \"error_rate +\"\n",
		"not yaml":                "rollout: [",
		"bad key role":            "keys:\n  - key_id: ops\n    role: admin\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadPolicy(writePolicy(t, body))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
