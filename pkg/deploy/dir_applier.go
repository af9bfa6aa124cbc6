package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

// DirApplier rolls changes out to a fleet of checkout directories on local
// or mounted storage. Only the files a patch touches are read and written.
type DirApplier struct {
	mu      sync.Mutex
	dirs    []string
	applied map[string]bool
}

// NewDirApplier creates an applier over target directories, updated in the
// order given.
func NewDirApplier(dirs ...string) *DirApplier {
	return &DirApplier{
		dirs:    append([]string(nil), dirs...),
		applied: make(map[string]bool, len(dirs)),
	}
}

func (a *DirApplier) Apply(ctx context.Context, percent int, forward *patch.Patch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, dir := range a.dirs[:targetCount(len(a.dirs), percent)] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.applied[dir] {
			continue
		}
		if err := applyToDir(dir, forward); err != nil {
			return fmt.Errorf("target %s: %w", dir, err)
		}
		a.applied[dir] = true
	}
	return nil
}

func (a *DirApplier) Revert(_ context.Context, reverse *patch.Patch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, dir := range a.dirs {
		if !a.applied[dir] {
			continue
		}
		if err := applyToDir(dir, reverse); err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", dir, err))
			continue
		}
		a.applied[dir] = false
	}
	return errors.Join(errs...)
}

// applyToDir applies p to the files under dir. Every touched file is staged
// first so a conflict leaves the directory unchanged.
func applyToDir(dir string, p *patch.Patch) error {
	paths := p.Paths()
	cur := make(patch.Files, len(paths))
	for _, rel := range paths {
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return fmt.Errorf("path %q escapes the target", rel)
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		switch {
		case err == nil:
			cur[rel] = data
		case errors.Is(err, fs.ErrNotExist):
		default:
			return err
		}
	}
	next, err := p.Apply(cur)
	if err != nil {
		return err
	}
	for _, rel := range paths {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		data, keep := next[rel]
		if !keep {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if err := writeFileAtomic(full, data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".leasegate-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
