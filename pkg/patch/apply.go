package patch

import (
	"errors"
	"fmt"
	"strings"
)

var ErrConflict = errors.New("patch does not apply")

// Files maps repository-relative paths to file contents.
type Files map[string][]byte

// Clone returns a deep copy.
func (f Files) Clone() Files {
	out := make(Files, len(f))
	for k, v := range f {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Apply applies the patch to a copy of files. Hunks must match exactly;
// there is no fuzz or offset search.
func (p *Patch) Apply(files Files) (Files, error) {
	out := files.Clone()
	for _, fd := range p.Files {
		path := fd.Path()
		switch {
		case fd.isCreate():
			if _, exists := out[path]; exists {
				return nil, fmt.Errorf("%w: %s already exists", ErrConflict, path)
			}
			content, err := applyHunks(path, nil, fd.Hunks)
			if err != nil {
				return nil, err
			}
			out[path] = content

		case fd.isDelete():
			cur, exists := out[path]
			if !exists {
				return nil, fmt.Errorf("%w: %s does not exist", ErrConflict, path)
			}
			rest, err := applyHunks(path, cur, fd.Hunks)
			if err != nil {
				return nil, err
			}
			if len(rest) != 0 {
				return nil, fmt.Errorf("%w: %s not empty after delete hunk", ErrConflict, path)
			}
			delete(out, path)

		default:
			cur, exists := out[path]
			if !exists {
				return nil, fmt.Errorf("%w: %s does not exist", ErrConflict, path)
			}
			next, err := applyHunks(path, cur, fd.Hunks)
			if err != nil {
				return nil, err
			}
			out[path] = next
		}
	}
	return out, nil
}

// splitLines splits content keeping each line's terminator.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	s := string(content)
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func applyHunks(path string, content []byte, hunks []Hunk) ([]byte, error) {
	src := splitLines(content)
	var b strings.Builder
	pos := 0 // index of the next unconsumed source line

	for i, h := range hunks {
		at := h.OldStart - 1
		if h.OldLines == 0 {
			at = h.OldStart
		}
		if at < pos || at > len(src) {
			return nil, fmt.Errorf("%w: %s hunk %d starts at line %d outside file", ErrConflict, path, i+1, h.OldStart)
		}
		for ; pos < at; pos++ {
			b.WriteString(src[pos])
		}
		for _, l := range h.Lines {
			switch l.Op {
			case OpContext, OpDelete:
				if pos >= len(src) || src[pos] != l.raw() {
					return nil, fmt.Errorf("%w: %s hunk %d mismatch at line %d", ErrConflict, path, i+1, pos+1)
				}
				if l.Op == OpContext {
					b.WriteString(src[pos])
				}
				pos++
			case OpAdd:
				b.WriteString(l.raw())
			}
		}
	}
	for ; pos < len(src); pos++ {
		b.WriteString(src[pos])
	}
	return []byte(b.String()), nil
}
