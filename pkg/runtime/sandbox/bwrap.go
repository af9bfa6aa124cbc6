package sandbox

import (
	"context"
	"os/exec"
	"strings"
)

// Mount points inside a bubblewrap sandbox.
const (
	BwrapSourceDir = "/src"
	BwrapWorkDir   = "/work"
)

// BwrapBoundary isolates commands with bubblewrap: fresh namespaces, a
// read-only view of the base tree at /src and the overlay bound read-write
// at /work.
type BwrapBoundary struct {
	// Path is the bwrap binary; empty means look it up on PATH.
	Path string
}

func (BwrapBoundary) Name() string          { return "bwrap" }
func (BwrapBoundary) IsolatesNetwork() bool { return true }

func (b BwrapBoundary) Start(ctx context.Context, spec Spec) (Process, error) {
	bin := b.Path
	if bin == "" {
		var err error
		if bin, err = exec.LookPath("bwrap"); err != nil {
			return nil, err
		}
	}
	argv := append([]string{bin}, BwrapArgs(spec)...)
	p, err := startCommand(ctx, argv, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// BwrapArgs builds the bubblewrap argument list for spec, ending with the
// command itself.
func BwrapArgs(spec Spec) []string {
	args := []string{"--unshare-all"}
	if spec.Network {
		args = append(args, "--share-net")
	}
	args = append(args,
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--ro-bind", "/usr", "/usr",
	)
	for _, dir := range []string{"/lib", "/lib64", "/bin", "/sbin", "/etc/alternatives"} {
		args = append(args, "--ro-bind-try", dir, dir)
	}
	args = append(args,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	)
	if spec.BaseDir != "" {
		args = append(args, "--ro-bind", spec.BaseDir, BwrapSourceDir)
	}
	args = append(args,
		"--bind", spec.Dir, BwrapWorkDir,
		"--chdir", BwrapWorkDir,
	)
	for _, kv := range spec.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		args = append(args, "--setenv", k, v)
	}
	args = append(args, "--")
	return append(args, spec.Command...)
}
