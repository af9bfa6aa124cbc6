package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/leasegate/pkg/artifacts"
	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
	"github.com/Mindburn-Labs/leasegate/pkg/observability"
	"github.com/Mindburn-Labs/leasegate/pkg/runtime/sentinel"
)

const actor = "sandbox-executor"

// Defaults applied when Config leaves a field unset.
const (
	DefaultMaxWallClock   = 10 * time.Minute
	DefaultMaxOutputBytes = 1 << 20
)

var errWallClock = errors.New("sandbox wall-clock limit reached")

// Config bounds every run regardless of what a lease grants.
type Config struct {
	MaxWallClock   time.Duration `yaml:"max_wall_clock"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	// BaseDir is the source tree mounted read-only into every run.
	BaseDir string `yaml:"base_dir"`
	// WorkRoot holds per-run overlays; empty means the OS temp dir.
	WorkRoot string `yaml:"work_root"`
	// AllowUnisolatedNetwork lets a boundary that cannot withhold the
	// network run leases that do not grant it. Development only.
	AllowUnisolatedNetwork bool `yaml:"allow_unisolated_network"`
}

// LeaseValidator is the slice of the lease service the executor needs.
type LeaseValidator interface {
	Validate(token *contracts.LeaseToken) (contracts.Scope, error)
	Revoke(ctx context.Context, leaseID, reason string) error
}

// OutputScanner inspects captured output after a successful run.
type OutputScanner interface {
	ScanOutput(ctx context.Context, output []byte) (flagged bool, reason string)
}

// Executor runs lease-authorized commands.
type Executor struct {
	cfg      Config
	leases   LeaseValidator
	sentinel *sentinel.Sentinel
	boundary Boundary
	wasi     Boundary
	store    artifacts.Store
	ledger   *audit.Ledger
	scanner  OutputScanner
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger
}

// NewExecutor creates an executor running commands inside boundary.
func NewExecutor(cfg Config, leases LeaseValidator, s *sentinel.Sentinel, boundary Boundary, store artifacts.Store, ledger *audit.Ledger) *Executor {
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = DefaultMaxWallClock
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Executor{
		cfg:      cfg,
		leases:   leases,
		sentinel: s,
		boundary: boundary,
		store:    store,
		ledger:   ledger,
		obs:      observability.Disabled(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "sandbox"),
	}
}

// WithWasi routes .wasm commands to b.
func (e *Executor) WithWasi(b Boundary) *Executor {
	e.wasi = b
	return e
}

// WithScanner installs the post-execution output scan.
func (e *Executor) WithScanner(s OutputScanner) *Executor {
	e.scanner = s
	return e
}

func (e *Executor) WithObservability(p *observability.Provider) *Executor {
	e.obs = p
	return e
}

// WithClock overrides the clock used for lease expiry arithmetic.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Run executes command under token. Authorization failures return before
// any process starts. Once a process has started Run always returns a
// terminal record, together with an error for TIMEOUT, RESOURCE_EXCEEDED,
// CANCELLED and ERROR outcomes.
func (e *Executor) Run(ctx context.Context, token *contracts.LeaseToken, command []string) (rec *contracts.ExecutionRecord, err error) {
	leaseID := ""
	if token != nil {
		leaseID = token.LeaseID
	}
	ctx, done := e.obs.TrackOperation(ctx, "sandbox.run", attribute.String("lease_id", leaseID))
	defer func() { done(err) }()

	scope, err := e.authorize(token, command)
	if err != nil {
		return nil, e.deny(ctx, leaseID, command, err)
	}
	boundary := e.boundaryFor(command)
	if !scope.Limits.Network && !boundary.IsolatesNetwork() && !e.cfg.AllowUnisolatedNetwork {
		return nil, e.deny(ctx, leaseID, command, gateerr.New(gateerr.KindAuthorization, gateerr.CodeNetworkNotIsolated,
			"boundary %s cannot withhold network access the lease does not grant", boundary.Name()))
	}
	timeout := e.timeout(token, scope)
	if timeout <= 0 {
		return nil, e.deny(ctx, leaseID, command, gateerr.New(gateerr.KindAuthorization, gateerr.CodeLeaseExpired, "lease %s has no time left", leaseID))
	}

	overlay, err := os.MkdirTemp(e.cfg.WorkRoot, "lease-"+leaseID+"-")
	if err != nil {
		return nil, gateerr.Wrap(err, gateerr.KindInvalidState, gateerr.CodeSandboxStart, "create overlay")
	}
	defer func() {
		if rmErr := os.RemoveAll(overlay); rmErr != nil {
			e.logger.WarnContext(ctx, "overlay not removed", "lease_id", leaseID, "dir", overlay, "error", rmErr)
		}
	}()
	if err := seedOverlay(e.cfg.BaseDir, overlay, scope.Paths); err != nil {
		return nil, gateerr.Wrap(err, gateerr.KindInvalidState, gateerr.CodeSandboxStart, "seed overlay")
	}

	rec = &contracts.ExecutionRecord{
		ExecutionID: uuid.NewString(),
		LeaseID:     leaseID,
		Command:     append([]string(nil), command...),
		StartedAt:   e.clock().UTC(),
	}
	if _, err := e.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventSandboxStarted,
		Subject: leaseID,
		Payload: map[string]any{
			"execution_id": rec.ExecutionID,
			"command":      rec.Command,
			"boundary":     boundary.Name(),
			"timeout_ms":   timeout.Milliseconds(),
			"network":      scope.Limits.Network,
		},
	}); err != nil {
		return nil, err
	}

	out := NewOutputBuffer(e.cfg.MaxOutputBytes)
	status, info, watch, started := e.supervise(ctx, boundary, Spec{
		Command: command,
		BaseDir: e.cfg.BaseDir,
		Dir:     overlay,
		Env:     sandboxEnv(leaseID),
		Network: scope.Limits.Network,
		Limits:  scope.Limits,
		Output:  out,
	}, leaseID, timeout)

	// The run is over; everything below must complete even if ctx is gone.
	finishCtx := context.WithoutCancel(ctx)
	rec.FinishedAt = e.clock().UTC()
	rec.ExitStatus = status
	rec.ExitCode = info.Code

	var usage contracts.ResourceUsage
	if started != nil {
		usage, _ = started.Usage()
	}
	if watch != nil {
		usage = maxUsage(usage, watch.Peak())
		if b := watch.Breach(); b != nil {
			rec.Breach = b.String()
		}
	}
	usage.DiskBytes = max(usage.DiskBytes, dirSize(overlay))
	usage.WallClockSeconds = rec.FinishedAt.Sub(rec.StartedAt).Seconds()
	rec.ResourceUsage = usage

	if status == contracts.ExitTimeout || status == contracts.ExitResourceExceeded {
		if err := e.leases.Revoke(finishCtx, leaseID, "sandbox "+strings.ToLower(string(status))); err != nil {
			e.logger.ErrorContext(ctx, "lease revocation not audited", "lease_id", leaseID, "error", err)
		}
	}

	output := out.Bytes()
	if len(output) > 0 {
		ref, err := e.store.Put(finishCtx, output)
		if err != nil {
			e.logger.ErrorContext(ctx, "output not stored", "lease_id", leaseID, "execution_id", rec.ExecutionID, "error", err)
		} else {
			rec.OutputRef = ref
		}
	}
	if status == contracts.ExitOK && e.scanner != nil {
		if flagged, reason := e.scanner.ScanOutput(finishCtx, output); flagged {
			rec.ExitStatus = contracts.ExitFail
			rec.Flagged = true
			rec.FlagReason = reason
		}
	}

	seq, err := e.ledger.Append(finishCtx, audit.Record{
		Actor:   actor,
		Type:    audit.EventSandboxFinished,
		Subject: leaseID,
		Payload: rec,
	})
	if err != nil {
		return rec, err
	}
	rec.AuditSeq = seq

	e.logger.InfoContext(ctx, "sandbox run finished",
		"lease_id", leaseID,
		"execution_id", rec.ExecutionID,
		"exit_status", rec.ExitStatus,
		"exit_code", rec.ExitCode,
		"flagged", rec.Flagged,
		"truncated_bytes", out.Truncated(),
	)
	return rec, outcomeErr(ctx, rec, watch, info)
}

// supervise starts the process and waits for it, the sentinel, the
// wall-clock timer or the caller, whichever comes first.
func (e *Executor) supervise(ctx context.Context, boundary Boundary, spec Spec, leaseID string, timeout time.Duration) (contracts.ExitStatus, ExitInfo, *sentinel.Watch, Process) {
	runCtx, kill := context.WithCancelCause(ctx)
	defer kill(nil)
	runCtx, cancelTimer := context.WithTimeoutCause(runCtx, timeout, errWallClock)
	defer cancelTimer()

	proc, err := boundary.Start(runCtx, spec)
	if err != nil {
		e.logger.ErrorContext(ctx, "sandbox failed to start", "lease_id", leaseID, "boundary", boundary.Name(), "error", err)
		return contracts.ExitError, ExitInfo{Code: -1, Err: err}, nil, nil
	}

	sampler := sentinel.SamplerFunc(func() (contracts.ResourceUsage, error) {
		u, err := proc.Usage()
		if err != nil {
			return u, err
		}
		u.DiskBytes = dirSize(spec.Dir)
		return u, nil
	})
	watch := e.sentinel.Watch(runCtx, leaseID, spec.Limits, sampler, kill)

	exited := make(chan ExitInfo, 1)
	go func() { exited <- proc.Wait() }()

	var info ExitInfo
	select {
	case info = <-exited:
	case <-runCtx.Done():
		if err := proc.Kill(); err != nil {
			e.logger.ErrorContext(ctx, "kill failed", "lease_id", leaseID, "error", err)
		}
		info = <-exited
	}
	watch.Stop()

	switch {
	case watch.Breach() != nil:
		return contracts.ExitResourceExceeded, info, watch, proc
	case errors.Is(context.Cause(runCtx), errWallClock):
		return contracts.ExitTimeout, info, watch, proc
	case ctx.Err() != nil:
		return contracts.ExitCancelled, info, watch, proc
	case info.Err != nil:
		return contracts.ExitError, info, watch, proc
	case info.Code == 0:
		return contracts.ExitOK, info, watch, proc
	default:
		return contracts.ExitFail, info, watch, proc
	}
}

// authorize validates the lease and checks command and path references
// against its scope.
func (e *Executor) authorize(token *contracts.LeaseToken, command []string) (contracts.Scope, error) {
	scope, err := e.leases.Validate(token)
	if err != nil {
		return contracts.Scope{}, err
	}
	if err := lease.CommandAllowed(scope, command); err != nil {
		return contracts.Scope{}, err
	}
	if IsWasm(command) {
		if err := lease.PathAllowed(scope, command[0]); err != nil {
			return contracts.Scope{}, err
		}
	}
	// Explicit argument patterns are the authority for their command;
	// otherwise every path-like argument must be inside the allow-list.
	if rule := scope.Commands[lease.NormalizeCommand(command[0])]; len(rule.Args) == 0 {
		for _, arg := range command[1:] {
			p, ok := pathArg(arg)
			if !ok {
				continue
			}
			if err := lease.PathAllowed(scope, p); err != nil {
				return contracts.Scope{}, err
			}
		}
	}
	return scope, nil
}

// pathArg extracts the path an argument refers to: the whole argument, or
// the value of a --flag=value pair, when it contains a slash.
func pathArg(arg string) (string, bool) {
	if strings.HasPrefix(arg, "-") {
		_, v, ok := strings.Cut(arg, "=")
		if !ok {
			return "", false
		}
		arg = v
	}
	if !strings.Contains(arg, "/") {
		return "", false
	}
	return arg, true
}

func (e *Executor) boundaryFor(command []string) Boundary {
	if e.wasi != nil && IsWasm(command) {
		return e.wasi
	}
	return e.boundary
}

// timeout is the smallest of the lease's remaining life, the configured
// maximum and the lease's own wall-clock limit.
func (e *Executor) timeout(token *contracts.LeaseToken, scope contracts.Scope) time.Duration {
	t := min(token.ExpiresAt.Sub(e.clock()), e.cfg.MaxWallClock)
	if s := scope.Limits.WallClockSeconds; s > 0 {
		t = min(t, time.Duration(s)*time.Second)
	}
	return t
}

func (e *Executor) deny(ctx context.Context, leaseID string, command []string, cause error) error {
	seq, err := e.ledger.Append(ctx, audit.Record{
		Actor:   actor,
		Type:    audit.EventSandboxDenied,
		Subject: leaseID,
		Payload: map[string]any{
			"command": command,
			"code":    gateerr.CodeOf(cause),
			"reason":  cause.Error(),
		},
	})
	if err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "sandbox run denied", "lease_id", leaseID, "code", gateerr.CodeOf(cause), "audit_seq", seq)
	return gateerr.WithSeq(cause, seq)
}

func outcomeErr(ctx context.Context, rec *contracts.ExecutionRecord, watch *sentinel.Watch, info ExitInfo) error {
	var err error
	switch rec.ExitStatus {
	case contracts.ExitResourceExceeded:
		err = watch.Breach().Err()
	case contracts.ExitTimeout:
		err = gateerr.New(gateerr.KindTimeout, gateerr.CodeSandboxTimeout, "execution %s exceeded its wall-clock limit", rec.ExecutionID)
	case contracts.ExitCancelled:
		err = gateerr.Wrap(context.Cause(ctx), gateerr.KindTimeout, gateerr.CodeSandboxCancelled, "execution %s cancelled", rec.ExecutionID)
	case contracts.ExitError:
		err = gateerr.Wrap(info.Err, gateerr.KindInvalidState, gateerr.CodeSandboxStart, "execution %s could not run", rec.ExecutionID)
	default:
		return nil
	}
	return gateerr.WithSeq(err, rec.AuditSeq)
}

func maxUsage(a, b contracts.ResourceUsage) contracts.ResourceUsage {
	return contracts.ResourceUsage{
		CPUSeconds:       max(a.CPUSeconds, b.CPUSeconds),
		MemoryBytes:      max(a.MemoryBytes, b.MemoryBytes),
		DiskBytes:        max(a.DiskBytes, b.DiskBytes),
		WallClockSeconds: max(a.WallClockSeconds, b.WallClockSeconds),
	}
}

func sandboxEnv(leaseID string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"LEASEGATE_LEASE_ID=" + leaseID,
	}
}
