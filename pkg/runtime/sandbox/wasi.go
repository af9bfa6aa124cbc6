package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

const wasmPageSize = 64 * 1024

// IsWasm reports whether a command names a WebAssembly module.
func IsWasm(command []string) bool {
	return len(command) > 0 && strings.HasSuffix(command[0], ".wasm")
}

// WasiBoundary runs WebAssembly modules under wazero. The guest gets no
// network, no ambient filesystem, the base tree read-only at /src and the
// overlay read-write at /work. The module itself is loaded from the overlay.
type WasiBoundary struct{}

func (WasiBoundary) Name() string          { return "wasi" }
func (WasiBoundary) IsolatesNetwork() bool { return true }

func (WasiBoundary) Start(ctx context.Context, spec Spec) (Process, error) {
	if !IsWasm(spec.Command) {
		return nil, fmt.Errorf("wasi: %q is not a .wasm module", firstArg(spec.Command))
	}
	rel, err := filepath.Rel(spec.Dir, filepath.Join(spec.Dir, spec.Command[0]))
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("wasi: module %q outside the overlay", spec.Command[0])
	}
	wasm, err := os.ReadFile(filepath.Join(spec.Dir, rel))
	if err != nil {
		return nil, fmt.Errorf("wasi: read module: %w", err)
	}

	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if spec.Limits.MemoryBytes > 0 {
		pages := uint32(spec.Limits.MemoryBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := wazero.NewRuntimeWithConfig(runCtx, rcfg)
	fail := func(err error) (Process, error) {
		_ = r.Close(context.Background())
		cancel()
		return nil, err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, r); err != nil {
		return fail(fmt.Errorf("wasi: instantiate host module: %w", err))
	}
	compiled, err := r.CompileModule(runCtx, wasm)
	if err != nil {
		return fail(fmt.Errorf("wasi: compile: %w", err))
	}

	fs := wazero.NewFSConfig().WithDirMount(spec.Dir, BwrapWorkDir)
	if spec.BaseDir != "" {
		fs = fs.WithReadOnlyDirMount(spec.BaseDir, BwrapSourceDir)
	}
	mcfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(spec.Command...).
		WithFSConfig(fs).
		WithStdout(spec.Output).
		WithStderr(spec.Output).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions()
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			mcfg = mcfg.WithEnv(k, v)
		}
	}
	mod, err := r.InstantiateModule(runCtx, compiled, mcfg)
	if err != nil {
		return fail(fmt.Errorf("wasi: instantiate: %w", err))
	}
	start := mod.ExportedFunction("_start")
	if start == nil {
		return fail(errors.New("wasi: module exports no _start"))
	}

	p := &wasiProcess{
		runtime: r,
		mod:     mod,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	p.sampleMemory()
	go p.run(runCtx, start)
	return p, nil
}

type wasiProcess struct {
	runtime wazero.Runtime
	mod     api.Module
	cancel  context.CancelFunc
	started time.Time

	peakMem atomic.Int64
	done    chan struct{}
	info    ExitInfo
	elapsed time.Duration
}

func (p *wasiProcess) run(ctx context.Context, start api.Function) {
	_, err := start.Call(ctx)
	p.elapsed = time.Since(p.started)
	p.info = wasiExit(err)
	p.sampleMemory()
	_ = p.runtime.Close(context.Background())
	p.cancel()
	close(p.done)
}

func wasiExit(err error) ExitInfo {
	if err == nil {
		return ExitInfo{}
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		// Closing the module on context done surfaces as a non-zero exit.
		return ExitInfo{Code: int(exit.ExitCode())}
	}
	return ExitInfo{Code: 1, Err: err}
}

func (p *wasiProcess) sampleMemory() {
	mem := p.mod.Memory()
	if mem == nil {
		return
	}
	size := int64(mem.Size())
	for {
		cur := p.peakMem.Load()
		if size <= cur || p.peakMem.CompareAndSwap(cur, size) {
			return
		}
	}
}

func (p *wasiProcess) Wait() ExitInfo {
	<-p.done
	return p.info
}

func (p *wasiProcess) Kill() error {
	p.cancel()
	return nil
}

// Usage reports linear memory and elapsed time; a guest is single-threaded,
// so elapsed running time stands in for CPU time.
func (p *wasiProcess) Usage() (contracts.ResourceUsage, error) {
	var elapsed time.Duration
	select {
	case <-p.done:
		elapsed = p.elapsed
	default:
		p.sampleMemory()
		elapsed = time.Since(p.started)
	}
	return contracts.ResourceUsage{
		CPUSeconds:       elapsed.Seconds(),
		MemoryBytes:      p.peakMem.Load(),
		WallClockSeconds: elapsed.Seconds(),
	}, nil
}

func firstArg(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}
