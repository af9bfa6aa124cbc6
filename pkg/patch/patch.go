// Package patch models line-based unified diffs: parsing, strict application,
// inversion and path filtering. It does not generate diffs; proposals arrive
// with both forward and reverse patches already computed.
package patch

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// DevNull marks the missing side of a file creation or deletion.
const DevNull = "/dev/null"

// Op is the kind of a hunk line.
type Op byte

const (
	OpContext Op = ' '
	OpAdd     Op = '+'
	OpDelete  Op = '-'
)

// Line is one line of a hunk without its terminator.
type Line struct {
	Op        Op
	Text      string
	NoNewline bool
}

func (l Line) raw() string {
	if l.NoNewline {
		return l.Text
	}
	return l.Text + "\n"
}

// Hunk is a contiguous change region. Start positions are 1-based; a side
// with zero lines names the line after which the change applies.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// FileDiff is the set of hunks for one file.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// Path returns the path this diff touches.
func (f FileDiff) Path() string {
	if f.NewPath == DevNull {
		return f.OldPath
	}
	return f.NewPath
}

func (f FileDiff) isCreate() bool { return f.OldPath == DevNull }
func (f FileDiff) isDelete() bool { return f.NewPath == DevNull }

// Patch is a parsed multi-file unified diff.
type Patch struct {
	Files []FileDiff
}

// Paths returns the sorted set of paths the patch touches.
func (p *Patch) Paths() []string {
	seen := make(map[string]struct{}, len(p.Files))
	out := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		path := f.Path()
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Stats reports the changed line count and the byte size of the rendered diff.
func (p *Patch) Stats() contracts.SizeMetrics {
	var lines int
	for _, f := range p.Files {
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				if l.Op != OpContext {
					lines++
				}
			}
		}
	}
	return contracts.SizeMetrics{Lines: lines, Bytes: int64(len(p.String()))}
}

// Filter returns a patch holding only the file diffs whose path satisfies keep.
func (p *Patch) Filter(keep func(path string) bool) *Patch {
	out := &Patch{}
	for _, f := range p.Files {
		if keep(f.Path()) {
			out.Files = append(out.Files, f)
		}
	}
	return out
}

// Without drops the named paths.
func (p *Patch) Without(paths ...string) *Patch {
	drop := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		drop[path] = struct{}{}
	}
	return p.Filter(func(path string) bool {
		_, ok := drop[path]
		return !ok
	})
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return len(p.Files) == 0
}

// Reverse returns the inverse patch.
func (p *Patch) Reverse() *Patch {
	out := &Patch{Files: make([]FileDiff, len(p.Files))}
	// Files are reversed too so multi-file patches touching one path twice
	// unwind in order.
	for i, f := range p.Files {
		rf := FileDiff{OldPath: f.NewPath, NewPath: f.OldPath, Hunks: make([]Hunk, len(f.Hunks))}
		for j, h := range f.Hunks {
			rh := Hunk{
				OldStart: h.NewStart, OldLines: h.NewLines,
				NewStart: h.OldStart, NewLines: h.OldLines,
				Lines: make([]Line, len(h.Lines)),
			}
			for k, l := range h.Lines {
				switch l.Op {
				case OpAdd:
					l.Op = OpDelete
				case OpDelete:
					l.Op = OpAdd
				}
				rh.Lines[k] = l
			}
			rf.Hunks[j] = rh
		}
		out.Files[len(p.Files)-1-i] = rf
	}
	return out
}

// Digest returns the blake3 digest of the rendered patch.
func (p *Patch) Digest() string {
	sum := blake3.Sum256([]byte(p.String()))
	return "blake3:" + hex.EncodeToString(sum[:])
}

// String renders the patch in unified diff format.
func (p *Patch) String() string {
	var b strings.Builder
	for _, f := range p.Files {
		b.WriteString("--- " + prefixed("a/", f.OldPath) + "\n")
		b.WriteString("+++ " + prefixed("b/", f.NewPath) + "\n")
		for _, h := range f.Hunks {
			fmt.Fprintf(&b, "@@ -%s +%s @@\n", rangeSpec(h.OldStart, h.OldLines), rangeSpec(h.NewStart, h.NewLines))
			for _, l := range h.Lines {
				b.WriteByte(byte(l.Op))
				b.WriteString(l.Text)
				b.WriteByte('\n')
				if l.NoNewline {
					b.WriteString("\\ No newline at end of file\n")
				}
			}
		}
	}
	return b.String()
}

func prefixed(prefix, path string) string {
	if path == DevNull {
		return path
	}
	return prefix + path
}

func rangeSpec(start, n int) string {
	if n == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, n)
}
