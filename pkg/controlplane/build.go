package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/leasegate/pkg/artifacts"
	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/config"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/deploy"
	"github.com/Mindburn-Labs/leasegate/pkg/intent"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
	"github.com/Mindburn-Labs/leasegate/pkg/observability"
	"github.com/Mindburn-Labs/leasegate/pkg/review"
	"github.com/Mindburn-Labs/leasegate/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/leasegate/pkg/runtime/sentinel"
)

// Key IDs derived from the issuer seed.
const (
	IssuerKeyID = "leasegate-issuer"
	AgentKeyID  = "leasegate-agent"
)

// Build wires a control plane from process configuration and policy.
func Build(ctx context.Context, cfg *config.Config, pol *config.Policy) (*ControlPlane, error) {
	logger := slog.Default().With("component", "controlplane")
	var closers []func(context.Context) error
	fail := func(err error) (*ControlPlane, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
		return nil, err
	}

	obs := observability.Disabled()
	if cfg.OTELEndpoint != "" {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.OTLPEndpoint = cfg.OTELEndpoint
		oc.Insecure = os.Getenv("OTEL_INSECURE") == "true"
		p, err := observability.New(ctx, oc)
		if err != nil {
			return fail(err)
		}
		obs = p
		closers = append(closers, obs.Shutdown)
	}

	ledger, err := OpenLedger(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	ledger.WithObservability(obs)
	closers = append(closers, func(context.Context) error { return ledger.Close() })

	issuer, agent, err := serviceKeys(cfg.IssuerSeed)
	if err != nil {
		return fail(err)
	}
	if cfg.IssuerSeed == "" {
		logger.WarnContext(ctx, "ISSUER_SEED not set; using ephemeral keys, leases will not survive a restart")
	}
	keys := crypto.NewKeyRing()
	if err := keys.RegisterSigner(issuer, lease.RoleIssuer); err != nil {
		return fail(err)
	}
	if err := keys.RegisterSigner(agent, contracts.RoleAgent); err != nil {
		return fail(err)
	}
	for _, k := range pol.Keys {
		if err := keys.RegisterHex(k.KeyID, k.Role, k.PublicKey); err != nil {
			return fail(fmt.Errorf("register key %s: %w", k.KeyID, err))
		}
	}

	intents := intent.NewRegistry()
	reviews := review.NewAggregator(pol.Review, intents, ledger,
		review.NewSecurityScanner("security", nil),
		review.NewValidationChecker("validation"),
	).WithArbitrator(review.NarrowingArbitrator{}).WithObservability(obs)

	sent := sentinel.New(ledger, pol.Sentinel.Budget, pol.Sentinel.Interval)
	leases := lease.NewService(pol.LeaseConfig(), issuer, keys, intents, ledger).
		WithReserver(sent).
		WithObservability(obs)
	if cfg.RedisAddr != "" {
		locker := lease.NewRedisLocker(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, pol.Lease.LockTTL)
		if err := locker.Ping(ctx); err != nil {
			_ = locker.Close()
			return fail(fmt.Errorf("redis %s: %w", cfg.RedisAddr, err))
		}
		leases.WithLocker(locker).WithActiveIndex(locker)
		closers = append(closers, func(context.Context) error { return locker.Close() })
	}

	acfg := artifacts.ConfigFromEnv()
	if os.Getenv("ARTIFACT_STORAGE_TYPE") == "" {
		acfg.Dir = filepath.Join(cfg.DataDir, "artifacts")
	}
	store, err := artifacts.NewStoreFromConfig(ctx, acfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func(context.Context) error { return store.Close() })

	boundary, err := boundaryFor(cfg.Boundary)
	if err != nil {
		return fail(err)
	}
	executor := sandbox.NewExecutor(pol.Sandbox, leases, sent, boundary, store, ledger).
		WithWasi(sandbox.WasiBoundary{}).
		WithScanner(review.NewOutputScanner(nil)).
		WithObservability(obs)

	gate, err := pol.Health.Compile()
	if err != nil {
		return fail(err)
	}
	var feed deploy.HealthFeed = unavailableFeed{}
	if cfg.HealthFeed != "" {
		feed = deploy.NewHTTPFeed(cfg.HealthFeed, pol.Rollout.FeedTimeout)
	}
	deployDisabled := len(cfg.DeployTargets) == 0 || cfg.HealthFeed == ""
	if deployDisabled {
		logger.WarnContext(ctx, "deployments disabled; set DEPLOY_TARGETS and HEALTH_FEED_URL to enable")
	}
	orch := deploy.NewOrchestrator(pol.Rollout, gate, feed, deploy.NewDirApplier(cfg.DeployTargets...), leases, ledger).
		WithObservability(obs)

	cp := New(Parts{
		Ledger:         ledger,
		Intents:        intents,
		Reviews:        reviews,
		Leases:         leases,
		Executor:       executor,
		Orchestrator:   orch,
		Agent:          agent,
		Issuer:         issuer,
		LeaseDuration:  pol.Lease.Duration,
		DeployDisabled: deployDisabled,
	})
	for _, c := range closers {
		cp.onClose(c)
	}
	logger.InfoContext(ctx, "control plane ready",
		"ledger", cfg.LedgerDriver, "boundary", boundary.Name(), "artifacts", acfg.Type, "deploy_enabled", !deployDisabled)
	return cp, nil
}

// OpenLedger opens and verifies the ledger selected by LEDGER_DRIVER.
func OpenLedger(ctx context.Context, cfg *config.Config) (*audit.Ledger, error) {
	backend, err := openLedgerBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ledger, err := audit.Open(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return ledger, nil
}

func openLedgerBackend(ctx context.Context, cfg *config.Config) (audit.Backend, error) {
	switch cfg.LedgerDriver {
	case "memory":
		return audit.NewMemoryBackend(), nil
	case "file", "":
		path := cfg.LedgerDSN
		if path == "" {
			path = filepath.Join(cfg.DataDir, "audit.jsonl")
		}
		return audit.OpenFile(path)
	case "sqlite":
		dsn := cfg.LedgerDSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				return nil, err
			}
			dsn = filepath.Join(cfg.DataDir, "audit.db")
		}
		return audit.OpenSQL(ctx, "sqlite", dsn)
	case "postgres":
		if cfg.LedgerDSN == "" {
			return nil, fmt.Errorf("LEDGER_DSN is required for postgres")
		}
		return audit.OpenSQL(ctx, "postgres", cfg.LedgerDSN)
	default:
		return nil, fmt.Errorf("unknown LEDGER_DRIVER %q", cfg.LedgerDriver)
	}
}

// serviceKeys derives the issuer and agent keys from seed, or generates
// ephemeral ones when seed is empty.
func serviceKeys(seed string) (issuer, agent *crypto.Ed25519Signer, err error) {
	if seed == "" {
		if issuer, err = crypto.NewEd25519Signer(IssuerKeyID); err != nil {
			return nil, nil, err
		}
		agent, err = crypto.NewEd25519Signer(AgentKeyID)
		return issuer, agent, err
	}
	if issuer, err = crypto.DeriveSigner([]byte(seed), IssuerKeyID); err != nil {
		return nil, nil, err
	}
	agent, err = crypto.DeriveSigner([]byte(seed), AgentKeyID)
	return issuer, agent, err
}

func boundaryFor(name string) (sandbox.Boundary, error) {
	switch name {
	case "bwrap", "":
		return sandbox.BwrapBoundary{Path: os.Getenv("BWRAP_PATH")}, nil
	case "host":
		return sandbox.HostBoundary{}, nil
	default:
		return nil, fmt.Errorf("unknown SANDBOX_BOUNDARY %q", name)
	}
}

// unavailableFeed fails every sample, so a rollout without a configured
// health feed rolls back instead of promoting blind.
type unavailableFeed struct{}

func (unavailableFeed) Sample(context.Context, string, int) (contracts.HealthSnapshot, error) {
	return contracts.HealthSnapshot{}, fmt.Errorf("no health feed configured")
}
