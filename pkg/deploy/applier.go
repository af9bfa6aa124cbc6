package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

// Applier rolls a change out to targets.
type Applier interface {
	// Apply brings the change to percent of all targets. Targets that
	// already have it are left alone.
	Apply(ctx context.Context, percent int, forward *patch.Patch) error
	// Revert applies reverse to every target that received the change.
	Revert(ctx context.Context, reverse *patch.Patch) error
}

// FileTreeApplier manages a fleet of in-memory file trees, one per target.
type FileTreeApplier struct {
	mu      sync.Mutex
	order   []string
	trees   map[string]patch.Files
	applied map[string]bool
}

// NewFileTreeApplier creates targets with identical copies of base. Targets
// are updated in the order given.
func NewFileTreeApplier(base patch.Files, targets ...string) *FileTreeApplier {
	a := &FileTreeApplier{
		order:   append([]string(nil), targets...),
		trees:   make(map[string]patch.Files, len(targets)),
		applied: make(map[string]bool, len(targets)),
	}
	for _, t := range targets {
		a.trees[t] = base.Clone()
	}
	return a
}

// targetCount is ceil(n*percent/100), at least one for a positive percent.
func targetCount(n, percent int) int {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return n
	}
	return max(1, (n*percent+99)/100)
}

func (a *FileTreeApplier) Apply(ctx context.Context, percent int, forward *patch.Patch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := targetCount(len(a.order), percent)
	for _, t := range a.order[:want] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.applied[t] {
			continue
		}
		next, err := forward.Apply(a.trees[t])
		if err != nil {
			return fmt.Errorf("target %s: %w", t, err)
		}
		a.trees[t] = next
		a.applied[t] = true
	}
	return nil
}

// Revert never stops early on ctx: a half-reverted fleet is worse than a
// late one.
func (a *FileTreeApplier) Revert(_ context.Context, reverse *patch.Patch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, t := range a.order {
		if !a.applied[t] {
			continue
		}
		prev, err := reverse.Apply(a.trees[t])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("target %s: %w", t, err)
			}
			continue
		}
		a.trees[t] = prev
		a.applied[t] = false
	}
	return firstErr
}

// Tree returns a copy of a target's files.
func (a *FileTreeApplier) Tree(target string) patch.Files {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trees[target].Clone()
}

// Applied returns the targets currently carrying the change.
func (a *FileTreeApplier) Applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, t := range a.order {
		if a.applied[t] {
			out = append(out, t)
		}
	}
	return out
}
