package patch

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed diff")

// Parse reads a unified diff. Git extended headers ("diff --git", "index")
// are skipped.
func Parse(text string) (*Patch, error) {
	p := &Patch{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var (
		cur    *FileDiff
		lineNo int
	)
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		lineNo++
		return sc.Text(), true
	}

	for {
		line, ok := next()
		if !ok {
			break
		}
		switch {
		case strings.HasPrefix(line, "--- "):
			plus, ok := next()
			if !ok || !strings.HasPrefix(plus, "+++ ") {
				return nil, fmt.Errorf("%w: line %d: expected +++ header", ErrMalformed, lineNo)
			}
			p.Files = append(p.Files, FileDiff{
				OldPath: stripPrefix(line[4:], "a/"),
				NewPath: stripPrefix(plus[4:], "b/"),
			})
			cur = &p.Files[len(p.Files)-1]

		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, fmt.Errorf("%w: line %d: hunk before file header", ErrMalformed, lineNo)
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
			}
			oldSeen, newSeen := 0, 0
			for oldSeen < h.OldLines || newSeen < h.NewLines {
				body, ok := next()
				if !ok {
					return nil, fmt.Errorf("%w: hunk truncated at line %d", ErrMalformed, lineNo)
				}
				if strings.HasPrefix(body, "\\") {
					if err := markNoNewline(&h); err != nil {
						return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
					}
					continue
				}
				op, txt := OpContext, ""
				if body != "" {
					op, txt = Op(body[0]), body[1:]
				}
				switch op {
				case OpContext:
					oldSeen++
					newSeen++
				case OpDelete:
					oldSeen++
				case OpAdd:
					newSeen++
				default:
					return nil, fmt.Errorf("%w: line %d: unexpected %q in hunk", ErrMalformed, lineNo, body)
				}
				h.Lines = append(h.Lines, Line{Op: op, Text: txt})
			}
			if oldSeen != h.OldLines || newSeen != h.NewLines {
				return nil, fmt.Errorf("%w: line %d: hunk line counts do not match header", ErrMalformed, lineNo)
			}
			cur.Hunks = append(cur.Hunks, h)

		case strings.HasPrefix(line, "\\"):
			if cur == nil || len(cur.Hunks) == 0 {
				return nil, fmt.Errorf("%w: line %d: stray no-newline marker", ErrMalformed, lineNo)
			}
			if err := markNoNewline(&cur.Hunks[len(cur.Hunks)-1]); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
			}

		default:
			// diff --git, index, mode lines and free text between files.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(text string) *Patch {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

func markNoNewline(h *Hunk) error {
	if len(h.Lines) == 0 {
		return errors.New("no-newline marker with no preceding line")
	}
	h.Lines[len(h.Lines)-1].NoNewline = true
	return nil
}

func stripPrefix(path, prefix string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexByte(path, '\t'); i >= 0 {
		path = path[:i]
	}
	if path == DevNull {
		return path
	}
	return strings.TrimPrefix(path, prefix)
}

func parseHunkHeader(line string) (Hunk, error) {
	// @@ -l[,s] +l[,s] @@ optional section
	rest := strings.TrimPrefix(line, "@@ ")
	end := strings.Index(rest, " @@")
	if end < 0 {
		return Hunk{}, errors.New("unterminated hunk header")
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return Hunk{}, fmt.Errorf("bad hunk header %q", line)
	}
	var h Hunk
	var err error
	if h.OldStart, h.OldLines, err = parseRange(fields[0][1:]); err != nil {
		return Hunk{}, err
	}
	if h.NewStart, h.NewLines, err = parseRange(fields[1][1:]); err != nil {
		return Hunk{}, err
	}
	return h, nil
}

func parseRange(s string) (start, n int, err error) {
	n = 1
	if i := strings.IndexByte(s, ','); i >= 0 {
		if n, err = strconv.Atoi(s[i+1:]); err != nil {
			return 0, 0, fmt.Errorf("bad range %q", s)
		}
		s = s[:i]
	}
	if start, err = strconv.Atoi(s); err != nil {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	if start < 0 || n < 0 {
		return 0, 0, fmt.Errorf("negative range %q", s)
	}
	return start, n, nil
}
