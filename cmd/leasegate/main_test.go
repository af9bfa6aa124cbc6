package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/leasegate/pkg/config"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"leasegate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "approve-next-tier")

	code, _, _ = run("pause-rollout")
	assert.Equal(t, exitUsage, code)

	code, _, _ = run("audit")
	assert.Equal(t, exitUsage, code)

	code, _, _ = run("kill-switch")
	assert.Equal(t, exitUsage, code)
}

// keygen writes an operator key and returns its seed file and policy entry.
func keygen(t *testing.T, id string) (string, config.KeyEntry) {
	t.Helper()
	seedFile := filepath.Join(t.TempDir(), id+".key")
	code, stdout, stderr := run("keygen", "--id", id, "--out", seedFile)
	require.Equal(t, 0, code, stderr)

	var doc struct {
		Keys []config.KeyEntry `yaml:"keys"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &doc))
	require.Len(t, doc.Keys, 1)
	return seedFile, doc.Keys[0]
}

func TestKeygen(t *testing.T) {
	seedFile, entry := keygen(t, "alice")
	assert.Equal(t, "alice", entry.KeyID)
	assert.Equal(t, "human", entry.Role)

	info, err := os.Stat(seedFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer, err := loadOperatorKey(seedFile, "alice")
	require.NoError(t, err)
	assert.Equal(t, entry.PublicKey, signer.PublicKeyHex())

	code, _, _ := run("keygen")
	assert.Equal(t, exitUsage, code)
	code, _, _ = run("keygen", "--id", "x", "--role", "issuer")
	assert.Equal(t, exitUsage, code)
}

func TestLoadOperatorKey(t *testing.T) {
	seedFile, entry := keygen(t, "bob")
	seed, err := os.ReadFile(seedFile)
	require.NoError(t, err)

	t.Run("from env", func(t *testing.T) {
		t.Setenv("LEASEGATE_OPERATOR_KEY", string(seed))
		signer, err := loadOperatorKey("", "bob")
		require.NoError(t, err)
		assert.Equal(t, entry.PublicKey, signer.PublicKeyHex())
		assert.Equal(t, "bob", signer.KeyID())
	})

	for name, tc := range map[string]struct {
		file, id, env string
	}{
		"no key id":    {file: seedFile},
		"no key":       {id: "bob"},
		"missing file": {file: filepath.Join(t.TempDir(), "nope"), id: "bob"},
		"not hex":      {id: "bob", env: "zz"},
		"wrong length": {id: "bob", env: "abcd"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("LEASEGATE_OPERATOR_KEY", tc.env)
			_, err := loadOperatorKey(tc.file, tc.id)
			assert.Equal(t, gateerr.ExitUnauthorized, gateerr.ExitCode(err))
		})
	}
}

func TestServe_GovernanceExitCodes(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	aliceKey, alice := keygen(t, "alice")
	agentKey, agent := keygen(t, "robot")
	agent.Role = "agent"

	pol := config.DefaultPolicy()
	pol.Keys = []config.KeyEntry{alice, agent}
	cfg := &config.Config{
		ListenAddr:   "127.0.0.1:0",
		LedgerDriver: "memory",
		DataDir:      t.TempDir(),
		Boundary:     "host",
	}

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, pol, 1, func(a net.Addr) { addrCh <- a }) }()
	var server string
	select {
	case a := <-addrCh:
		server = "http://" + a.String()
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	as := func(key, id string, args ...string) []string {
		return append(args, "--server", server, "--key-file", key, "--key-id", id)
	}

	code, stdout, stderr := run("audit", "verify", "--server", server)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "audit chain intact")

	code, _, stderr = run(as(aliceKey, "alice", "pause-rollout", "lease-missing")...)
	assert.Equal(t, gateerr.ExitNotFound, code, stderr)

	code, _, _ = run(as(agentKey, "robot", "pause-rollout", "lease-missing")...)
	assert.Equal(t, gateerr.ExitUnauthorized, code)

	code, _, _ = run(as(aliceKey, "mallory", "force-rollback", "lease-missing")...)
	assert.Equal(t, gateerr.ExitUnauthorized, code)

	code, _, _ = run(as(aliceKey, "alice", "sign-lease", "int-missing")...)
	assert.Equal(t, gateerr.ExitNotFound, code)

	code, _, _ = run(as(aliceKey, "alice", "kill-switch", "--release")...)
	assert.Equal(t, gateerr.ExitInvalidState, code)

	code, stdout, stderr = run(as(aliceKey, "alice", "kill-switch", "--reason", "drill")...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "kill switch engaged")

	// Identical commands signed within the same second are replays.
	time.Sleep(time.Until(time.Now().Truncate(time.Second).Add(time.Second)))
	code, _, stderr = run(as(aliceKey, "alice", "kill-switch", "--release")...)
	assert.Equal(t, 0, code, stderr)

	code, stdout, stderr = run("audit", "log", "--server", server, "--limit", "10")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, 2, strings.Count(stdout, "kill_switch"))

	code, _, _ = run("audit", "verify", "--server", "http://127.0.0.1:1")
	assert.Equal(t, gateerr.ExitInvalidState, code)
}

func TestAuditVerify_Local(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "file")
	t.Setenv("DATA_DIR", t.TempDir())

	code, stdout, stderr := run("audit", "verify", "--local")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "0 events")

	t.Setenv("LEDGER_DRIVER", "mongo")
	code, _, _ = run("audit", "verify", "--local")
	assert.Equal(t, gateerr.ExitInvalidState, code)
}
